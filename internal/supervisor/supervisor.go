// Package supervisor owns the live interface runtimes: one per configured
// interface, each with its own transport and receive worker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/observability"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
	"github.com/stridetastic/meshcore/timectrl"
)

// ErrNoGateway is returned by Gateway when no interface is RUNNING.
var ErrNoGateway = errors.New("no running interface available")

// Supervisor maps interface ids to runtimes and serializes lifecycle
// operations per interface. Operations on different interfaces proceed
// concurrently.
type Supervisor struct {
	deps runtimeDeps
	log  logging.Logger

	mu       sync.Mutex
	runtimes map[int64]*Runtime
	busy     map[int64]struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used by the supervisor and its runtimes.
func WithLogger(l logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.deps.log = l
		}
	}
}

// WithMetrics reports status changes, reconnects and publishes to m.
func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.deps.metrics = m
		}
	}
}

// WithStatusListener registers l for every status change of every runtime.
func WithStatusListener(l StatusListener) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.deps.listeners = append(s.deps.listeners, l)
		}
	}
}

// WithReconnect overrides the reconnect backoff policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(s *Supervisor) { s.deps.reconnect = p }
}

// WithStopTimeout bounds how long Stop waits for a receive worker.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.deps.stopTimeout = d }
}

// WithClock replaces the wall clock.
func WithClock(c timectrl.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.deps.clock = c
		}
	}
}

// New builds a supervisor. Runtimes are created lazily from the
// configuration held in st.
func New(st store.InterfaceStore, factory transport.Factory, handler FrameHandler, opts ...Option) *Supervisor {
	s := &Supervisor{
		deps: runtimeDeps{
			store:       st,
			factory:     factory,
			handler:     handler,
			log:         logging.Noop(),
			metrics:     noopMetrics{},
			clock:       timectrl.Real(),
			reconnect:   DefaultReconnectPolicy(),
			stopTimeout: DefaultStopTimeout,
		},
		runtimes: make(map[int64]*Runtime),
		busy:     make(map[int64]struct{}),
	}
	if s.deps.factory == nil {
		s.deps.factory = transport.New
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.deps.log.With(logging.String("component", "supervisor"))
	return s
}

// ---------- Lifecycle ----------

// Start brings an enabled interface up. A runtime that is not active is
// replaced by one built from the latest persisted configuration.
func (s *Supervisor) Start(ctx context.Context, id int64) (res Result) {
	ctx, span := observability.StartSpan(ctx, "supervisor.Start", attribute.Int64("interface_id", id))
	defer func() { observability.EndSpan(span, res.Err) }()

	release, ok := s.begin(id)
	if !ok {
		return inProgress()
	}
	defer release()

	iface, res, ok := s.load(ctx, id)
	if !ok {
		return res
	}
	if !iface.Enabled {
		return preconditionFailed(MsgNotEnabled, nil)
	}

	if rt := s.lookup(id); rt != nil {
		if rt.Status().Active() {
			return preconditionFailed(MsgAlreadyRunning, ErrAlreadyRunning)
		}
		rt.halt(ctx)
	}
	rt := s.install(iface)
	if err := rt.Start(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return preconditionFailed(MsgAlreadyRunning, err)
		}
		return preconditionFailed(fmt.Sprintf("Failed to start interface: %v", err), err)
	}
	return accepted(MsgStarted)
}

// Stop takes an interface down and returns once its transport is released.
func (s *Supervisor) Stop(ctx context.Context, id int64) (res Result) {
	ctx, span := observability.StartSpan(ctx, "supervisor.Stop", attribute.Int64("interface_id", id))
	defer func() { observability.EndSpan(span, res.Err) }()

	release, ok := s.begin(id)
	if !ok {
		return inProgress()
	}
	defer release()

	iface, res, ok := s.load(ctx, id)
	if !ok {
		return res
	}

	rt := s.lookup(id)
	if rt == nil {
		if !iface.Enabled {
			return preconditionFailed(MsgNotEnabled, nil)
		}
		return preconditionFailed(MsgAlreadyStopped, ErrAlreadyStopped)
	}
	if err := rt.Stop(ctx); err != nil {
		if errors.Is(err, ErrAlreadyStopped) {
			return preconditionFailed(MsgAlreadyStopped, err)
		}
		return preconditionFailed(fmt.Sprintf("Failed to stop interface: %v", err), err)
	}
	return accepted(MsgStopped)
}

// Restart stops the current runtime, if any, and starts a new one built
// from the latest persisted configuration.
func (s *Supervisor) Restart(ctx context.Context, id int64) (res Result) {
	ctx, span := observability.StartSpan(ctx, "supervisor.Restart", attribute.Int64("interface_id", id))
	defer func() { observability.EndSpan(span, res.Err) }()

	release, ok := s.begin(id)
	if !ok {
		return inProgress()
	}
	defer release()

	iface, res, ok := s.load(ctx, id)
	if !ok {
		return res
	}
	if !iface.Enabled {
		return preconditionFailed(MsgNotEnabled, nil)
	}

	if old := s.lookup(id); old != nil {
		if err := old.Stop(ctx); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			return preconditionFailed(fmt.Sprintf("Failed to restart interface: %v", err), err)
		}
	}
	rt := s.install(iface)
	if err := rt.Start(ctx); err != nil {
		return preconditionFailed(fmt.Sprintf("Failed to restart interface: %v", err), err)
	}
	return accepted(MsgRestarted)
}

// Reload rebuilds an inactive runtime from the latest persisted
// configuration. Active runtimes are left alone; use Restart.
func (s *Supervisor) Reload(ctx context.Context, id int64) Result {
	release, ok := s.begin(id)
	if !ok {
		return inProgress()
	}
	defer release()

	iface, res, ok := s.load(ctx, id)
	if !ok {
		return res
	}
	if rt := s.lookup(id); rt != nil {
		if rt.Status().Active() {
			return preconditionFailed(MsgAlreadyRunning, ErrAlreadyRunning)
		}
		rt.halt(ctx)
	}
	s.install(iface)
	return accepted(MsgReloaded)
}

// GetRuntime returns the runtime for id, loading it from the store when
// this process has not built one yet.
func (s *Supervisor) GetRuntime(ctx context.Context, id int64) (*Runtime, error) {
	if rt := s.lookup(id); rt != nil {
		return rt, nil
	}
	iface, err := s.deps.store.GetInterface(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[id]; ok {
		return rt, nil
	}
	rt := newRuntime(iface, s.deps)
	s.runtimes[id] = rt
	return rt, nil
}

// StartEnabled starts every enabled interface. Individual failures are
// logged; only a failure to list interfaces is returned.
func (s *Supervisor) StartEnabled(ctx context.Context) error {
	ifaces, err := s.deps.store.ListInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !iface.Enabled {
			continue
		}
		res := s.Start(ctx, iface.ID)
		fields := []logging.Field{
			logging.String("interface", iface.Name),
			logging.Int("status", res.Status),
			logging.String("message", res.Message),
		}
		if res.Success {
			s.log.Info(ctx, "interface start requested", fields...)
		} else {
			s.log.Warn(ctx, "interface not started", fields...)
		}
	}
	return nil
}

// StopAll stops every active runtime concurrently and waits for all of them.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		rt := s.lookup(id)
		if rt == nil {
			continue
		}
		st := rt.Status()
		if st == model.StatusStopped || st == model.StatusInit {
			continue
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			res := s.Stop(ctx, id)
			if !res.Success && !errors.Is(res.Err, ErrAlreadyStopped) {
				s.log.Warn(ctx, "interface stop failed",
					logging.Int64("interface_id", id), logging.String("message", res.Message))
			}
		}(id)
	}
	wg.Wait()
}

// ---------- Lookup ----------

// Runtimes returns every runtime built by this process, ordered by id.
func (s *Supervisor) Runtimes() []*Runtime {
	s.mu.Lock()
	out := make([]*Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].iface.ID < out[j].iface.ID })
	return out
}

// Running returns the RUNNING runtimes ordered by id.
func (s *Supervisor) Running() []*Runtime {
	var out []*Runtime
	for _, rt := range s.Runtimes() {
		if rt.Status() == model.StatusRunning {
			out = append(out, rt)
		}
	}
	return out
}

// Gateway picks the runtime to publish through: the bound interface when
// it is RUNNING, otherwise the RUNNING interface with the lowest id.
func (s *Supervisor) Gateway(bound *int64) (*Runtime, error) {
	if bound != nil {
		if rt := s.lookup(*bound); rt != nil && rt.Status() == model.StatusRunning {
			return rt, nil
		}
	}
	running := s.Running()
	if len(running) == 0 {
		return nil, ErrNoGateway
	}
	return running[0], nil
}

func (s *Supervisor) lookup(id int64) *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[id]
}

func (s *Supervisor) install(iface model.Interface) *Runtime {
	rt := newRuntime(iface, s.deps)
	s.mu.Lock()
	s.runtimes[iface.ID] = rt
	s.mu.Unlock()
	return rt
}

// begin marks id busy. The returned release must be called when the
// operation finishes.
func (s *Supervisor) begin(id int64) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.busy[id]; busy {
		return nil, false
	}
	s.busy[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.busy, id)
		s.mu.Unlock()
	}, true
}

func (s *Supervisor) load(ctx context.Context, id int64) (model.Interface, Result, bool) {
	iface, err := s.deps.store.GetInterface(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Interface{}, notFound(err), false
	case err != nil:
		s.log.Error(ctx, "loading interface failed", logging.Int64("interface_id", id), logging.Err(err))
		return model.Interface{}, preconditionFailed(MsgLoadFailed, err), false
	}
	return iface, Result{}, true
}

type noopMetrics struct{}

func (noopMetrics) SetInterfaceStatus(string, string) {}
func (noopMetrics) IncReconnect(string)               {}
func (noopMetrics) ObservePublish(string, error)      {}
