// Package ingest turns frames received by an interface into persisted
// packets, typed payloads, node directory updates and link observations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stridetastic/meshcore/core"
	"github.com/stridetastic/meshcore/internal/decode"
	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
	"github.com/stridetastic/meshcore/timectrl"
)

// DefaultDedupeWindow is how long a (sender, packet id) pair is remembered.
const DefaultDedupeWindow = 10 * time.Minute

// DefaultChannel is the primary channel every Meshtastic radio ships with.
var DefaultChannel = Channel{Name: "LongFast", Key: meshproto.DefaultChannelKey}

var errNoPacket = errors.New("frame carries no packet")

// Store is the persistence the pipeline writes to.
type Store interface {
	store.PacketStore
	store.NodeStore
}

// Metrics is the subset of the observability collector the pipeline uses.
type Metrics interface {
	IncFrame(iface string)
	IncPacket(iface, port string)
	IncDuplicate(iface string)
	IncDecodeFailure(port, reason string)
}

// Channel is a named channel key used to decrypt MQTT envelopes.
type Channel struct {
	Name string
	Key  []byte
}

// Pipeline handles frames for every interface. Calls for one interface are
// made sequentially by its receive worker; calls for different interfaces
// may run concurrently.
type Pipeline struct {
	store    Store
	decoder  *decode.Decoder
	links    *core.LinkAggregator
	log      logging.Logger
	metrics  Metrics
	clock    timectrl.Clock
	channels []Channel
	seen     *dedupeSet
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics reports ingest counters to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithChannels adds channel keys tried before DefaultChannel when an
// envelope arrives encrypted.
func WithChannels(chs ...Channel) Option {
	return func(p *Pipeline) { p.channels = append(p.channels, chs...) }
}

// WithDedupeWindow changes how long duplicates are suppressed.
func WithDedupeWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.seen.ttl = d }
}

// WithClock replaces the clock used for receive timestamps and dedupe.
func WithClock(c timectrl.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// New builds a pipeline.
func New(st Store, dec *decode.Decoder, links *core.LinkAggregator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		decoder: dec,
		links:   links,
		log:     logging.Noop(),
		clock:   timectrl.Real(),
		seen:    newDedupeSet(DefaultDedupeWindow, 4096),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.channels = append(p.channels, DefaultChannel)
	if p.decoder == nil {
		p.decoder = decode.New(decode.WithLogger(p.log))
	}
	return p
}

// HandleFrame processes one frame end to end: parse, decrypt, decode,
// persist, update the node directory and, for first receptions, the link
// graph. A frame that cannot be parsed is dropped and reported.
func (p *Pipeline) HandleFrame(ctx context.Context, iface model.Interface, gateway model.NodeNum, f transport.Frame) error {
	if p.metrics != nil {
		p.metrics.IncFrame(iface.Name)
	}

	var (
		mp        *meshproto.MeshPacket
		channel   string
		gatewayID string
	)
	switch f.Kind {
	case transport.FrameEnvelope:
		env, err := meshproto.UnmarshalServiceEnvelope(f.Payload)
		if err != nil {
			return fmt.Errorf("parse envelope on %s: %w", f.Topic, err)
		}
		mp, channel, gatewayID = env.Packet, env.ChannelID, env.GatewayID
		if gateway == 0 && gatewayID != "" {
			if n, err := model.ParseNodeID(gatewayID); err == nil {
				gateway = n
			}
		}
	case transport.FramePacket:
		mp = f.Packet
		if gateway != 0 {
			gatewayID = gateway.ID()
		}
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	if mp == nil {
		return errNoPacket
	}
	if channel == "" {
		channel = strconv.FormatUint(uint64(mp.Channel), 10)
	}

	receivedAt := f.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.clock.Now()
	}
	pkt := model.Packet{
		InterfaceID:  iface.ID,
		From:         model.NodeNum(mp.From),
		To:           model.NodeNum(mp.To),
		PacketID:     mp.ID,
		Channel:      channel,
		ChannelIndex: mp.Channel,
		GatewayID:    gatewayID,
		Topic:        f.Topic,
		HopLimit:     mp.HopLimit,
		HopStart:     mp.HopStart,
		WantAck:      mp.WantAck,
		ViaMQTT:      mp.ViaMQTT,
		PKIEncrypted: mp.PKIEncrypted,
		Encrypted:    mp.Decoded == nil && len(mp.Encrypted) > 0,
		RxSNR:        mp.RxSNR,
		RxRSSI:       mp.RxRSSI,
		ReceivedAt:   receivedAt.UTC(),
	}
	if mp.RxTime != 0 {
		t := time.Unix(int64(mp.RxTime), 0).UTC()
		pkt.RxTime = &t
	}

	data := p.decodePacket(ctx, mp, channel)
	if err := p.store.SavePacket(ctx, &pkt, &data); err != nil {
		return fmt.Errorf("save packet %d from %s: %w", pkt.PacketID, pkt.From, err)
	}
	p.touchNodes(ctx, pkt, data)

	if p.seen.observe(pkt.From, pkt.PacketID, pkt.ReceivedAt) {
		if p.metrics != nil {
			p.metrics.IncDuplicate(iface.Name)
		}
		p.log.Debug(ctx, "duplicate reception",
			logging.String("from", pkt.From.ID()),
			logging.Int64("packet_id", int64(pkt.PacketID)),
		)
		return nil
	}

	if obs, ok := core.ResolveObservation(pkt, gateway); ok && p.links != nil {
		if _, err := p.links.Observe(ctx, obs); err != nil {
			return fmt.Errorf("observe link: %w", err)
		}
	}
	if p.metrics != nil {
		p.metrics.IncPacket(iface.Name, data.Port.String())
	}
	return nil
}

// decodePacket produces the PacketData for mp, decrypting it first when it
// arrived encrypted with a known channel key.
func (p *Pipeline) decodePacket(ctx context.Context, mp *meshproto.MeshPacket, channel string) model.PacketData {
	d := mp.Decoded
	if d == nil && len(mp.Encrypted) > 0 && !mp.PKIEncrypted {
		d = p.decrypt(mp, channel)
	}
	if d == nil {
		if p.metrics != nil {
			p.metrics.IncDecodeFailure(model.PortUnknown.String(), string(model.ReasonEncrypted))
		}
		return model.PacketData{
			RawPayload: append([]byte(nil), mp.Encrypted...),
			Payload:    model.Unrecognized{Reason: model.ReasonEncrypted},
		}
	}
	return model.PacketData{
		Port:         model.PortNum(d.PortNum),
		RawPayload:   append([]byte(nil), d.Payload...),
		WantResponse: d.WantResponse,
		RequestID:    d.RequestID,
		ReplyID:      d.ReplyID,
		Source:       model.NodeNum(d.Source),
		Dest:         model.NodeNum(d.Dest),
		Payload:      p.decoder.DecodeData(ctx, d),
	}
}

// decrypt tries keys whose channel hash matches the packet first, then
// keys configured under the envelope's channel name, then the rest. Stream
// radios decrypt on-device, so this only matters for MQTT envelopes.
func (p *Pipeline) decrypt(mp *meshproto.MeshPacket, channel string) *meshproto.Data {
	var byHash, byName, rest []Channel
	for _, ch := range p.channels {
		switch {
		case meshproto.ChannelHash(ch.Name, ch.Key) == mp.Channel:
			byHash = append(byHash, ch)
		case ch.Name == channel:
			byName = append(byName, ch)
		default:
			rest = append(rest, ch)
		}
	}
	for _, group := range [][]Channel{byHash, byName, rest} {
		for _, ch := range group {
			if len(ch.Key) == 0 {
				continue
			}
			if d, err := meshproto.Decrypt(mp, ch.Key); err == nil {
				return d
			}
		}
	}
	return nil
}

func (p *Pipeline) touchNodes(ctx context.Context, pkt model.Packet, data model.PacketData) {
	seen := pkt.ReceivedAt
	if err := p.store.TouchNode(ctx, pkt.From, seen); err != nil {
		p.log.Warn(ctx, "touch sender failed", logging.String("node", pkt.From.ID()), logging.Err(err))
	}
	if info, ok := data.Payload.(model.NodeInfoPayload); ok {
		if err := p.store.UpdateNodeInfo(ctx, pkt.From, info, seen); err != nil {
			p.log.Warn(ctx, "node info update failed", logging.String("node", pkt.From.ID()), logging.Err(err))
		}
	}
}
