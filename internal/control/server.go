// Package control serves the gRPC control plane: one health service per
// configured interface, reflecting the interface's runtime status.
package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/supervisor"
	"github.com/stridetastic/meshcore/model"
)

// ServicePrefix prefixes the health service name of every interface.
const ServicePrefix = "meshcore.interface/"

// DefaultShutdownTimeout bounds graceful shutdown before connections are
// cut.
const DefaultShutdownTimeout = 5 * time.Second

// ServiceName returns the health service name of an interface.
func ServiceName(ifaceName string) string { return ServicePrefix + ifaceName }

// ServingStatus maps an interface status onto a health status.
func ServingStatus(s model.InterfaceStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s == model.StatusRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Server is the control plane gRPC server.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger

	shutdownTimeout time.Duration

	mu    sync.Mutex
	names map[int64]string
}

type options struct {
	log             logging.Logger
	interceptors    []grpc.UnaryServerInterceptor
	tracing         bool
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithUnaryInterceptors appends interceptors after the operation-id and
// tracing interceptors.
func WithUnaryInterceptors(in ...grpc.UnaryServerInterceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, in...) }
}

// WithTracing installs the otelgrpc stats handler.
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracing = enabled }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// NewServer builds a control server with health and reflection registered.
func NewServer(opts ...Option) *Server {
	o := options{log: logging.Noop(), shutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	chain := append([]grpc.UnaryServerInterceptor{
		OperationIDUnaryServerInterceptor(o.log),
		TracingUnaryServerInterceptor(),
	}, o.interceptors...)
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(chain...)}
	if o.tracing {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	s := &Server{
		grpc:            grpc.NewServer(serverOpts...),
		health:          health.NewServer(),
		log:             o.log.With(logging.String("component", "control")),
		shutdownTimeout: o.shutdownTimeout,
		names:           make(map[int64]string),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Track sets the health of one interface. It is a supervisor.StatusListener.
func (s *Server) Track(iface model.Interface, state model.RuntimeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.names[iface.ID]; ok && prev != iface.Name {
		s.health.SetServingStatus(ServiceName(prev), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	s.names[iface.ID] = iface.Name
	s.health.SetServingStatus(ServiceName(iface.Name), ServingStatus(state.Status))
}

// Listener returns Track as a supervisor status listener.
func (s *Server) Listener() supervisor.StatusListener { return s.Track }

// Seed publishes the current status of every configured interface, so
// interfaces that never started still answer NOT_SERVING.
func (s *Server) Seed(ifaces []model.Interface) {
	for _, iface := range ifaces {
		s.Track(iface, model.RuntimeState{Status: iface.Status})
	}
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info(ctx, "control server listening", logging.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.shutdownTimeout):
		s.log.Warn(ctx, "control server graceful stop timed out")
		s.grpc.Stop()
	}
	<-errCh
	return nil
}
