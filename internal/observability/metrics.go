// Package observability holds the Prometheus collectors and OpenTelemetry
// setup shared by the ingest core and its control plane.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// interfaceStatuses are the label values of meshcore_interface_status.
var interfaceStatuses = []string{"INIT", "CONNECTING", "RUNNING", "ERROR", "STOPPED"}

// Collector bundles the ingest, interface and control-plane metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	FramesReceived   *prometheus.CounterVec
	PacketsIngested  *prometheus.CounterVec
	DuplicatePackets *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	LinkUpdates      prometheus.Counter

	InterfaceStatus *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
	Publishes       *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewCollector registers meshcore metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_frames_received_total",
		Help: "Raw frames received from transports, labeled by interface.",
	}, []string{"interface"}), "meshcore_frames_received_total")
	if err != nil {
		return nil, err
	}
	packets, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_packets_ingested_total",
		Help: "Packets persisted by the ingest pipeline, labeled by interface and port.",
	}, []string{"interface", "port"}), "meshcore_packets_ingested_total")
	if err != nil {
		return nil, err
	}
	duplicates, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_duplicate_packets_total",
		Help: "Repeated receptions of an already ingested packet, labeled by interface.",
	}, []string{"interface"}), "meshcore_duplicate_packets_total")
	if err != nil {
		return nil, err
	}
	decodeFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_decode_failures_total",
		Help: "Payloads that did not yield a typed record, labeled by port and reason.",
	}, []string{"port", "reason"}), "meshcore_decode_failures_total")
	if err != nil {
		return nil, err
	}
	linkUpdates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshcore_link_updates_total",
		Help: "Node link upserts applied by the aggregator.",
	}), "meshcore_link_updates_total")
	if err != nil {
		return nil, err
	}
	ifaceStatus, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcore_interface_status",
		Help: "1 for the current runtime status of each interface, 0 otherwise.",
	}, []string{"interface", "status"}), "meshcore_interface_status")
	if err != nil {
		return nil, err
	}
	reconnects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_interface_reconnects_total",
		Help: "Automatic reconnect attempts, labeled by interface.",
	}, []string{"interface"}), "meshcore_interface_reconnects_total")
	if err != nil {
		return nil, err
	}
	publishes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_publishes_total",
		Help: "Outbound publish attempts, labeled by interface and outcome.",
	}, []string{"interface", "outcome"}), "meshcore_publishes_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcore_control_requests_total",
		Help: "Handled control-plane RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "meshcore_control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshcore_control_request_duration_seconds",
		Help:    "Control-plane RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "meshcore_control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		FramesReceived:   frames,
		PacketsIngested:  packets,
		DuplicatePackets: duplicates,
		DecodeFailures:   decodeFailures,
		LinkUpdates:      linkUpdates,
		InterfaceStatus:  ifaceStatus,
		Reconnects:       reconnects,
		Publishes:        publishes,
		RPCRequests:      requests,
		RPCDurations:     durations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncFrame counts one raw frame received on iface.
func (c *Collector) IncFrame(iface string) {
	if c == nil || c.FramesReceived == nil {
		return
	}
	c.FramesReceived.WithLabelValues(iface).Inc()
}

// IncPacket counts one persisted packet.
func (c *Collector) IncPacket(iface, port string) {
	if c == nil || c.PacketsIngested == nil {
		return
	}
	c.PacketsIngested.WithLabelValues(iface, port).Inc()
}

// IncDuplicate counts one duplicate reception.
func (c *Collector) IncDuplicate(iface string) {
	if c == nil || c.DuplicatePackets == nil {
		return
	}
	c.DuplicatePackets.WithLabelValues(iface).Inc()
}

// IncDecodeFailure counts one payload that stayed unrecognized.
func (c *Collector) IncDecodeFailure(port, reason string) {
	if c == nil || c.DecodeFailures == nil {
		return
	}
	c.DecodeFailures.WithLabelValues(port, reason).Inc()
}

// IncLinkUpdate counts one applied link upsert.
func (c *Collector) IncLinkUpdate() {
	if c == nil || c.LinkUpdates == nil {
		return
	}
	c.LinkUpdates.Inc()
}

// SetInterfaceStatus marks status as the current state of iface.
func (c *Collector) SetInterfaceStatus(iface, current string) {
	if c == nil || c.InterfaceStatus == nil {
		return
	}
	for _, s := range interfaceStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		c.InterfaceStatus.WithLabelValues(iface, s).Set(v)
	}
}

// IncReconnect counts one automatic reconnect attempt.
func (c *Collector) IncReconnect(iface string) {
	if c == nil || c.Reconnects == nil {
		return
	}
	c.Reconnects.WithLabelValues(iface).Inc()
}

// ObservePublish counts one publish attempt by outcome.
func (c *Collector) ObservePublish(iface string, err error) {
	if c == nil || c.Publishes == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Publishes.WithLabelValues(iface, outcome).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method components, returning "unknown" parts when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
