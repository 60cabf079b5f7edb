// Package transport connects an interface to the mesh: an MQTT broker, a
// radio on a serial port, or a radio reachable over TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

// ErrClosed is returned by Recv and Send after Close.
var ErrClosed = errors.New("transport closed")

// FrameKind distinguishes MQTT envelopes from packets read off a radio stream.
type FrameKind int

const (
	// FrameEnvelope carries a serialized ServiceEnvelope in Payload.
	FrameEnvelope FrameKind = iota + 1
	// FramePacket carries an already parsed MeshPacket in Packet.
	FramePacket
)

// Frame is one inbound unit handed to ingest.
type Frame struct {
	Kind       FrameKind
	Payload    []byte
	Packet     *meshproto.MeshPacket
	Topic      string
	ReceivedAt time.Time
}

// Outbound is a packet to transmit. Packet.Decoded must be set; transports
// that publish to MQTT encrypt it with ChannelKey, and a nil key publishes
// it in the clear.
type Outbound struct {
	Packet      *meshproto.MeshPacket
	ChannelName string
	ChannelKey  []byte
	Gateway     model.NodeNum
}

// Transport is one live connection. A Transport is single-use: after a
// failure or Close the runtime builds a new one.
type Transport interface {
	// Connect establishes the connection and starts delivering frames.
	Connect(ctx context.Context) error
	// Recv blocks until a frame arrives, the connection fails, or ctx ends.
	Recv(ctx context.Context) (Frame, error)
	Send(ctx context.Context, out Outbound) error
	// LocalNode is the node number of an attached radio, or 0 when unknown.
	LocalNode() model.NodeNum
	Close() error
}

// Factory builds a fresh Transport for an interface.
type Factory func(iface model.Interface, log logging.Logger) (Transport, error)

// Error describes a connection or transport failure.
type Error struct {
	Op        string
	Interface string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Interface, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err should trigger a reconnect attempt.
// Configuration errors never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var cfg *model.ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

func opError(iface, op string, err error) error {
	return &Error{Op: op, Interface: iface, Err: err, Retryable: true}
}

// New is the default Factory.
func New(iface model.Interface, log logging.Logger) (Transport, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("interface", iface.Name), logging.String("kind", string(iface.Kind)))

	switch iface.Kind {
	case model.TransportMQTT:
		return newMQTT(iface.Name, *iface.MQTT, log), nil
	case model.TransportSerial:
		return newSerial(iface.Name, *iface.Serial, log)
	case model.TransportTCP:
		return newTCP(iface.Name, *iface.TCP, log), nil
	default:
		return nil, &model.ConfigError{Field: "type", Value: string(iface.Kind), Message: "unknown transport kind"}
	}
}

// pump decouples the goroutine reading the wire from Recv callers.
type pump struct {
	frames chan Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newPump() *pump {
	return &pump{
		frames: make(chan Frame, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (p *pump) deliver(f Frame) bool {
	select {
	case p.frames <- f:
		return true
	case <-p.done:
		return false
	}
}

func (p *pump) fail(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

func (p *pump) recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	default:
	}
	select {
	case f := <-p.frames:
		return f, nil
	case err := <-p.errs:
		return Frame{}, err
	case <-p.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *pump) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
