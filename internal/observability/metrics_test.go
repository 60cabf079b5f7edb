package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("meshcore_control_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "meshcore_control_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("meshcore_control_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = collector.UnaryServerInterceptor()(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("error label = %v, want 1", got)
	}
}

func TestSetInterfaceStatusIsOneHot(t *testing.T) {
	collector, err := NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	collector.SetInterfaceStatus("mqtt-1", "CONNECTING")
	collector.SetInterfaceStatus("mqtt-1", "RUNNING")

	if got := testutil.ToFloat64(collector.InterfaceStatus.WithLabelValues("mqtt-1", "RUNNING")); got != 1 {
		t.Fatalf("RUNNING gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.InterfaceStatus.WithLabelValues("mqtt-1", "CONNECTING")); got != 0 {
		t.Fatalf("CONNECTING gauge = %v, want 0", got)
	}
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	c.IncFrame("x")
	c.IncPacket("x", "TEXT_MESSAGE_APP")
	c.IncDecodeFailure("POSITION_APP", "malformed")
	c.SetInterfaceStatus("x", "RUNNING")
	c.ObservePublish("x", errors.New("boom"))

	var s *SchedulerCollector
	s.ObserveJob("text", "success")
	s.ObserveTick(time.Millisecond)
	s.AddInFlight(1)
}

func TestNewCollectorReusesExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	first.IncFrame("serial-1")
	if got := testutil.ToFloat64(second.FramesReceived.WithLabelValues("serial-1")); got != 1 {
		t.Fatalf("shared frames counter = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesIngestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.IncPacket("mqtt-1", "TEXT_MESSAGE_APP")
	collector.IncLinkUpdate()
	collector.ObservePublish("mqtt-1", nil)
	sched.ObserveJob("text", "success")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		`meshcore_packets_ingested_total{interface="mqtt-1",port="TEXT_MESSAGE_APP"} 1`,
		"meshcore_link_updates_total 1",
		`meshcore_publishes_total{interface="mqtt-1",outcome="ok"} 1`,
		`meshcore_scheduler_job_runs_total{payload_type="text",status="success"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in, service, method string
	}{
		{"/grpc.health.v1.Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"/broken", "unknown", "unknown"},
	}
	for _, tc := range tests {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
