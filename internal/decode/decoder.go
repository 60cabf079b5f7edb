// Package decode turns raw application payloads into typed payload records.
//
// Decoding never fails past the caller: every problem is folded into a
// model.Unrecognized value, so the ingest loop can persist the envelope and
// move on to the next frame.
package decode

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

// Metrics is the subset of the observability collector the decoder uses.
type Metrics interface {
	IncDecodeFailure(port, reason string)
}

type builder func(raw []byte) (model.Payload, error)

// Decoder dispatches on the port number. It holds no mutable state and is
// safe for concurrent use.
type Decoder struct {
	log      logging.Logger
	metrics  Metrics
	builders map[model.PortNum]builder
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for decode failures.
func WithLogger(l logging.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records decode failures on m.
func WithMetrics(m Metrics) Option {
	return func(d *Decoder) { d.metrics = m }
}

// New constructs a Decoder with the built-in port table.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		log: logging.Noop(),
		builders: map[model.PortNum]builder{
			model.PortTextMessage:  decodeText,
			model.PortPosition:     decodePosition,
			model.PortNodeInfo:     decodeNodeInfo,
			model.PortRouting:      decodeRouting,
			model.PortTelemetry:    decodeTelemetry,
			model.PortTraceroute:   decodeRouteDiscovery,
			model.PortNeighborInfo: decodeNeighborInfo,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Supports reports whether port has a typed decoder.
func (d *Decoder) Supports(port model.PortNum) bool {
	_, ok := d.builders[port]
	return ok
}

// Decode returns the typed payload for raw bytes received on port. The
// result is never nil; failures yield model.Unrecognized.
func (d *Decoder) Decode(ctx context.Context, port model.PortNum, raw []byte) (out model.Payload) {
	build, ok := d.builders[port]
	if !ok {
		return model.Unrecognized{Port: port, Reason: model.ReasonUnsupportedPort}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error(ctx, "payload decoder panicked",
				logging.String("port", port.String()),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			out = d.fail(port, fmt.Errorf("panic: %v", r))
		}
	}()

	p, err := build(raw)
	if err != nil {
		d.log.Warn(ctx, "malformed payload",
			logging.String("port", port.String()),
			logging.Int("bytes", len(raw)),
			logging.Err(err),
		)
		return d.fail(port, err)
	}
	return p
}

// DecodeData decodes the payload of a Data message, filling the fields that
// live on the Data envelope rather than in the payload bytes.
func (d *Decoder) DecodeData(ctx context.Context, data *meshproto.Data) model.Payload {
	if data == nil {
		return model.Unrecognized{Reason: model.ReasonMalformed, Detail: "no data"}
	}
	port := model.PortNum(data.PortNum)
	p := d.Decode(ctx, port, data.Payload)
	if r, ok := p.(model.RoutingPayload); ok {
		r.Source = model.NodeNum(data.Source)
		r.Dest = model.NodeNum(data.Dest)
		return r
	}
	return p
}

func (d *Decoder) fail(port model.PortNum, err error) model.Payload {
	if d.metrics != nil {
		d.metrics.IncDecodeFailure(port.String(), string(model.ReasonMalformed))
	}
	return model.Unrecognized{Port: port, Reason: model.ReasonMalformed, Detail: err.Error()}
}

var errEmpty = errors.New("empty payload")
