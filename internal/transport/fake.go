package transport

import (
	"context"
	"sync"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/model"
)

// Fake is an in-process Transport for tests. Frames are injected with
// Inject, connection loss is simulated with Drop, and sent packets are
// recorded.
type Fake struct {
	Interface model.Interface

	mu         sync.Mutex
	connectErr error
	sendErr    error
	local      model.NodeNum
	sent       []Outbound
	connected  bool
	closed     bool
	pump       *pump
}

// NewFake returns a fake whose attached radio reports local.
func NewFake(local model.NodeNum) *Fake {
	return &Fake{local: local, pump: newPump()}
}

// FailConnect makes the next Connect return err.
func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// FailSend makes every Send return err until cleared with nil.
func (f *Fake) FailSend(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr; err != nil {
		f.connectErr = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.connected = true
	return nil
}

func (f *Fake) Recv(ctx context.Context) (Frame, error) {
	return f.pump.recv(ctx)
}

// Inject delivers fr to the next Recv. It reports false once closed.
func (f *Fake) Inject(fr Frame) bool {
	if fr.ReceivedAt.IsZero() {
		fr.ReceivedAt = time.Now().UTC()
	}
	return f.pump.deliver(fr)
}

// Drop simulates a lost connection: the pending or next Recv returns err.
func (f *Fake) Drop(err error) {
	f.pump.fail(err)
}

func (f *Fake) Send(ctx context.Context, out Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, out)
	return nil
}

// Sent returns a copy of the packets sent so far.
func (f *Fake) Sent() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outbound(nil), f.sent...)
}

func (f *Fake) LocalNode() model.NodeNum {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.pump.close()
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Connected reports whether Connect succeeded.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// FakeFactory builds Fakes and remembers them in build order.
type FakeFactory struct {
	// Local is the node number reported by built fakes.
	Local model.NodeNum

	mu          sync.Mutex
	connectErrs []error
	built       []*Fake
	notify      chan struct{}
}

// NewFakeFactory returns an empty factory.
func NewFakeFactory(local model.NodeNum) *FakeFactory {
	return &FakeFactory{Local: local, notify: make(chan struct{}, 1)}
}

// FailNextConnects queues connect errors consumed one per built fake.
func (ff *FakeFactory) FailNextConnects(errs ...error) {
	ff.mu.Lock()
	ff.connectErrs = append(ff.connectErrs, errs...)
	ff.mu.Unlock()
}

// Build satisfies Factory.
func (ff *FakeFactory) Build(iface model.Interface, _ logging.Logger) (Transport, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	f := NewFake(ff.Local)
	f.Interface = iface

	ff.mu.Lock()
	if len(ff.connectErrs) > 0 {
		f.connectErr = ff.connectErrs[0]
		ff.connectErrs = ff.connectErrs[1:]
	}
	ff.built = append(ff.built, f)
	ff.mu.Unlock()

	select {
	case ff.notify <- struct{}{}:
	default:
	}
	return f, nil
}

// Built returns every fake built so far.
func (ff *FakeFactory) Built() []*Fake {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*Fake(nil), ff.built...)
}

// WaitConnected polls until n fakes exist and the newest one is connected.
func (ff *FakeFactory) WaitConnected(n int, timeout time.Duration) (*Fake, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		built := ff.Built()
		if len(built) >= n && built[len(built)-1].Connected() {
			return built[len(built)-1], true
		}
		select {
		case <-ff.notify:
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil, false
}
