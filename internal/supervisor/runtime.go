package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/observability"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
	"github.com/stridetastic/meshcore/timectrl"
)

var (
	ErrAlreadyRunning      = errors.New("interface is already running")
	ErrAlreadyStopped      = errors.New("interface is already stopped")
	ErrNotRunning          = errors.New("interface is not running")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrDisabled            = errors.New("interface was disabled")
)

// DefaultStopTimeout bounds how long Stop waits for the receive worker
// before force-closing the transport.
const DefaultStopTimeout = 5 * time.Second

// FrameHandler processes one inbound frame. It runs on the receive worker,
// so frames of one interface are handled strictly in order.
type FrameHandler interface {
	HandleFrame(ctx context.Context, iface model.Interface, gateway model.NodeNum, f transport.Frame) error
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, iface model.Interface, gateway model.NodeNum, f transport.Frame) error

func (fn FrameHandlerFunc) HandleFrame(ctx context.Context, iface model.Interface, gateway model.NodeNum, f transport.Frame) error {
	return fn(ctx, iface, gateway, f)
}

// Metrics is the subset of the observability collector the runtime reports to.
type Metrics interface {
	SetInterfaceStatus(iface, status string)
	IncReconnect(iface string)
	ObservePublish(iface string, err error)
}

// StatusListener observes every persisted status change.
type StatusListener func(iface model.Interface, state model.RuntimeState)

// ReconnectPolicy is the exponential backoff applied between connect attempts.
type ReconnectPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	// MaxAttempts caps consecutive failed attempts; 0 retries forever.
	MaxAttempts uint `yaml:"max_attempts"`
}

// DefaultReconnectPolicy retries from 1s up to 1m, forever.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p ReconnectPolicy) initialInterval() time.Duration {
	if p.InitialInterval > 0 {
		return p.InitialInterval
	}
	return backoff.DefaultInitialInterval
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter < 1 {
		b.RandomizationFactor = p.Jitter
	}
	b.Reset()
	return b
}

type runtimeDeps struct {
	store       store.InterfaceStore
	factory     transport.Factory
	handler     FrameHandler
	log         logging.Logger
	metrics     Metrics
	clock       timectrl.Clock
	reconnect   ReconnectPolicy
	stopTimeout time.Duration
	listeners   []StatusListener
}

// Runtime owns one interface's transport and receive worker. A Runtime is
// built from a configuration snapshot and never picks up later edits;
// Restart replaces it. Only the enabled flag is re-read, before every
// connect attempt.
type Runtime struct {
	iface model.Interface
	deps  runtimeDeps
	log   logging.Logger

	mu     sync.Mutex
	state  model.RuntimeState
	tr     transport.Transport
	cancel context.CancelFunc
	done   chan struct{}

	publishMu sync.Mutex
}

func newRuntime(iface model.Interface, deps runtimeDeps) *Runtime {
	status := iface.Status
	if status == "" || status.Active() {
		// A persisted active status belongs to a previous process.
		status = model.StatusInit
	}
	return &Runtime{
		iface: iface,
		deps:  deps,
		log:   deps.log.With(logging.String("interface", iface.Name), logging.Int64("interface_id", iface.ID)),
		state: model.RuntimeState{
			Status:        status,
			LastConnected: iface.LastConnected,
			LastError:     iface.LastError,
		},
	}
}

// Interface returns the configuration snapshot the runtime was built from.
func (r *Runtime) Interface() model.Interface { return r.iface }

// State returns the current runtime state.
func (r *Runtime) State() model.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	if s.LastConnected != nil {
		t := *s.LastConnected
		s.LastConnected = &t
	}
	return s
}

// Status returns the current runtime status.
func (r *Runtime) Status() model.InterfaceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// LocalNode is the gateway node number of the attached radio, or 0.
func (r *Runtime) LocalNode() model.NodeNum {
	r.mu.Lock()
	tr := r.tr
	r.mu.Unlock()
	if tr == nil {
		return 0
	}
	return tr.LocalNode()
}

// Start moves the runtime to CONNECTING and launches the receive worker.
// It returns once the worker is launched; the connection itself is
// established asynchronously. Configuration errors move the runtime to
// ERROR immediately and are returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Status.Active() {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	// A worker left in ERROR may still be backing off; replace it.
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status.Active() {
		return ErrAlreadyRunning
	}
	r.cancel, r.done, r.tr = nil, nil, nil
	if err := r.iface.Validate(); err != nil {
		r.setStatusLocked(ctx, model.StatusError, err)
		return err
	}

	r.setStatusLocked(ctx, model.StatusConnecting, nil)
	wctx, wcancel := context.WithCancel(logging.ContextWithLogger(context.WithoutCancel(ctx), r.log))
	r.cancel = wcancel
	r.done = make(chan struct{})
	go r.run(wctx, r.done)
	return nil
}

// Stop cancels the worker, waits for it to release the transport and
// records STOPPED. A worker stuck past the stop timeout has its transport
// force-closed and is then joined.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Status == model.StatusStopped || r.state.Status == model.StatusInit {
		r.mu.Unlock()
		return ErrAlreadyStopped
	}
	r.mu.Unlock()

	r.halt(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(ctx, model.StatusStopped, nil)
	return nil
}

// halt cancels and joins the receive worker without recording a status.
func (r *Runtime) halt(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		timeout := r.deps.stopTimeout
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		select {
		case <-done:
		case <-r.deps.clock.After(timeout):
			r.log.Warn(ctx, "receive worker did not stop in time, closing transport")
			r.mu.Lock()
			tr := r.tr
			r.mu.Unlock()
			if tr != nil {
				_ = tr.Close()
			}
			<-done
		}
	}

	r.mu.Lock()
	r.cancel, r.done, r.tr = nil, nil, nil
	r.mu.Unlock()
}

// Wait blocks until the receive worker exits or ctx ends.
func (r *Runtime) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends one packet. Calls are serialized; a send failure moves the
// runtime to ERROR and drops the transport so the worker reconnects.
func (r *Runtime) Publish(ctx context.Context, out transport.Outbound) (err error) {
	ctx, span := observability.StartSpan(ctx, "supervisor.Publish",
		attribute.String("interface", r.iface.Name),
		attribute.Int64("packet_id", int64(packetID(out))),
	)
	defer func() {
		r.deps.metrics.ObservePublish(r.iface.Name, err)
		observability.EndSpan(span, err)
	}()

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	status, tr := r.state.Status, r.tr
	r.mu.Unlock()
	if status != model.StatusRunning || tr == nil {
		return fmt.Errorf("%s: %w", r.iface.Name, ErrNotRunning)
	}

	if err := tr.Send(ctx, out); err != nil {
		if transport.Retryable(err) {
			r.mu.Lock()
			if r.tr == tr {
				r.setStatusLocked(ctx, model.StatusError, err)
			}
			r.mu.Unlock()
			_ = tr.Close()
		}
		return fmt.Errorf("publish via %s: %w", r.iface.Name, err)
	}
	return nil
}

func packetID(out transport.Outbound) uint32 {
	if out.Packet == nil {
		return 0
	}
	return out.Packet.ID
}

// run is the receive worker: connect with backoff, receive until the
// session fails, repeat until cancelled or a permanent error.
func (r *Runtime) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		tr, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error(ctx, "interface gave up connecting", logging.Err(err))
			}
			return
		}
		err = r.receive(ctx, tr)
		_ = tr.Close()
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		if r.tr == tr {
			r.tr = nil
		}
		if r.state.Status != model.StatusError {
			r.setStatusLocked(ctx, model.StatusError, err)
		}
		r.mu.Unlock()
		r.log.Warn(ctx, "interface session ended", logging.Err(err))

		select {
		case <-ctx.Done():
			return
		case <-r.deps.clock.After(r.deps.reconnect.initialInterval()):
		}
	}
}

// connect builds fresh transports until one connects. Every failure is
// recorded as ERROR before backing off.
func (r *Runtime) connect(ctx context.Context) (transport.Transport, error) {
	op := func() (transport.Transport, error) {
		r.mu.Lock()
		if r.state.Status != model.StatusConnecting {
			r.setStatusLocked(ctx, model.StatusConnecting, nil)
		}
		r.mu.Unlock()

		if err := r.checkEnabled(ctx); err != nil {
			r.mu.Lock()
			r.setStatusLocked(ctx, model.StatusError, err)
			r.mu.Unlock()
			return nil, backoff.Permanent(err)
		}

		tr, err := r.dial(ctx)
		if err == nil {
			return tr, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		r.mu.Lock()
		r.setStatusLocked(ctx, model.StatusError, err)
		r.mu.Unlock()
		if !transport.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(r.deps.reconnect.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.log.Info(ctx, "reconnecting", logging.Err(err), logging.Duration("backoff", wait))
			r.deps.metrics.IncReconnect(r.iface.Name)
		}),
	}
	if r.deps.reconnect.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(r.deps.reconnect.MaxAttempts))
	}
	tr, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		_ = tr.Close()
		return nil, ctx.Err()
	}
	r.tr = tr
	r.setStatusLocked(ctx, model.StatusRunning, nil)
	return tr, nil
}

// checkEnabled re-reads the persisted interface so a runtime never
// reconnects an interface that was disabled or deleted while it ran.
func (r *Runtime) checkEnabled(ctx context.Context) error {
	iface, err := r.deps.store.GetInterface(ctx, r.iface.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", r.iface.Name, ErrDisabled)
	case err != nil:
		r.log.Warn(ctx, "re-reading interface failed", logging.Err(err))
		return nil
	case !iface.Enabled:
		return fmt.Errorf("%s: %w", r.iface.Name, ErrDisabled)
	}
	return nil
}

func (r *Runtime) dial(ctx context.Context) (_ transport.Transport, err error) {
	ctx, span := observability.StartSpan(ctx, "supervisor.Connect",
		attribute.String("interface", r.iface.Name),
		attribute.String("kind", string(r.iface.Kind)),
	)
	defer func() { observability.EndSpan(span, err) }()

	tr, err := r.deps.factory(r.iface, r.log)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}

func (r *Runtime) receive(ctx context.Context, tr transport.Transport) error {
	for {
		f, err := tr.Recv(ctx)
		if err != nil {
			return err
		}
		if r.deps.handler == nil {
			continue
		}
		if err := r.deps.handler.HandleFrame(ctx, r.iface, tr.LocalNode(), f); err != nil {
			r.log.Warn(ctx, "frame handling failed", logging.Err(err))
		}
	}
}

// setStatusLocked records a transition, persists it and notifies listeners.
// Callers hold r.mu.
func (r *Runtime) setStatusLocked(ctx context.Context, status model.InterfaceStatus, cause error) {
	prev := r.state.Status
	r.state.Status = status
	switch status {
	case model.StatusRunning:
		now := r.deps.clock.Now()
		r.state.LastConnected = &now
		r.state.LastError = ""
	case model.StatusError:
		if cause != nil {
			r.state.LastError = cause.Error()
		}
	}

	state := r.state
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.deps.store.UpdateInterfaceStatus(pctx, r.iface.ID, state); err != nil {
		r.log.Error(ctx, "persisting interface status failed", logging.Err(err))
	}
	r.deps.metrics.SetInterfaceStatus(r.iface.Name, string(status))
	for _, l := range r.deps.listeners {
		l(r.iface, state)
	}
	if prev != status {
		fields := []logging.Field{logging.String("from", string(prev)), logging.String("to", string(status))}
		if cause != nil {
			fields = append(fields, logging.Err(cause))
		}
		r.log.Info(ctx, "interface status changed", fields...)
	}
}
