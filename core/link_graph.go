// Package core maintains the node link graph: one aggregate edge per
// unordered pair of mesh nodes, updated once per accepted packet.
package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/model"
)

var (
	ErrSelfLink          = errors.New("link endpoints are the same node")
	ErrLinkBadInput      = errors.New("invalid link observation")
	ErrBroadcastEndpoint = errors.New("link endpoint is the broadcast address")
)

// LinkStore is the persistence the aggregator needs. UpsertNodeLink must
// apply mutate to the stored row for (a, b), or to a fresh row carrying only
// the pair when none exists, and persist the result atomically with respect
// to other upserts of the same pair.
type LinkStore interface {
	UpsertNodeLink(ctx context.Context, a, b model.NodeNum, mutate func(*model.NodeLink)) (model.NodeLink, error)
}

// LinkMetrics receives one call per applied upsert.
type LinkMetrics interface {
	IncLinkUpdate()
}

// Observation is a fully resolved packet sighting between two nodes.
type Observation struct {
	From      model.NodeNum
	To        model.NodeNum
	Channel   string
	Timestamp time.Time
	// PacketID references the stored packet row.
	PacketID int64
}

// Validate rejects observations that cannot form a link.
func (o Observation) Validate() error {
	switch {
	case o.From == 0 || o.To == 0:
		return fmt.Errorf("%w: zero node number", ErrLinkBadInput)
	case o.From.IsBroadcast() || o.To.IsBroadcast():
		return ErrBroadcastEndpoint
	case o.From == o.To:
		return fmt.Errorf("%w: %s", ErrSelfLink, o.From)
	case o.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrLinkBadInput)
	}
	return nil
}

// CanonicalPair orders two node numbers ascending. forward reports whether
// x is the canonical node A, i.e. whether x -> y is the A -> B direction.
// Ascending numeric order equals lexicographic order of the zero-padded
// "!xxxxxxxx" ids.
func CanonicalPair(x, y model.NodeNum) (a, b model.NodeNum, forward bool) {
	if x <= y {
		return x, y, true
	}
	return y, x, false
}

const pairStripes = 64

// LinkAggregator applies observations to the link graph. Upserts for the same
// pair are serialized by a striped lock in this process; the store's atomic
// upsert covers writers in other processes.
type LinkAggregator struct {
	store   LinkStore
	metrics LinkMetrics
	log     logging.Logger

	stripes [pairStripes]sync.Mutex
}

// AggregatorOption configures a LinkAggregator.
type AggregatorOption func(*LinkAggregator)

// WithLinkMetrics records applied upserts on m.
func WithLinkMetrics(m LinkMetrics) AggregatorOption {
	return func(g *LinkAggregator) { g.metrics = m }
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(l logging.Logger) AggregatorOption {
	return func(g *LinkAggregator) {
		if l != nil {
			g.log = l
		}
	}
}

// NewLinkAggregator constructs an aggregator over store.
func NewLinkAggregator(store LinkStore, opts ...AggregatorOption) *LinkAggregator {
	g := &LinkAggregator{store: store, log: logging.Noop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Observe records one packet from obs.From to obs.To and returns the updated link.
func (g *LinkAggregator) Observe(ctx context.Context, obs Observation) (model.NodeLink, error) {
	if err := obs.Validate(); err != nil {
		return model.NodeLink{}, err
	}
	a, b, forward := CanonicalPair(obs.From, obs.To)

	mu := g.stripe(a, b)
	mu.Lock()
	defer mu.Unlock()

	link, err := g.store.UpsertNodeLink(ctx, a, b, func(l *model.NodeLink) {
		ApplyObservation(l, obs, forward)
	})
	if err != nil {
		return model.NodeLink{}, fmt.Errorf("upsert link %s-%s: %w", a, b, err)
	}
	if g.metrics != nil {
		g.metrics.IncLinkUpdate()
	}
	g.log.Debug(ctx, "link updated",
		logging.String("node_a", a.ID()),
		logging.String("node_b", b.ID()),
		logging.Any("total_packets", link.TotalPackets),
		logging.Bool("bidirectional", link.Bidirectional),
	)
	return link, nil
}

// ApplyObservation mutates l for one packet. forward selects the A -> B
// counter. FirstSeen is only set on a fresh row and LastActivity never
// moves backwards.
func ApplyObservation(l *model.NodeLink, obs Observation, forward bool) {
	ts := obs.Timestamp.UTC()
	if l.FirstSeen.IsZero() {
		l.FirstSeen = ts
	}
	if forward {
		l.AToBPackets++
	} else {
		l.BToAPackets++
	}
	if ts.After(l.LastActivity) {
		l.LastActivity = ts
	}
	if l.LastActivity.Before(l.FirstSeen) {
		l.LastActivity = l.FirstSeen
	}
	l.AddChannel(obs.Channel)
	if obs.PacketID != 0 {
		l.LastPacketID = obs.PacketID
	}
	l.Recount()
}

func (g *LinkAggregator) stripe(a, b model.NodeNum) *sync.Mutex {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(uint32(a) >> (8 * i))
		buf[4+i] = byte(uint32(b) >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return &g.stripes[h.Sum32()%pairStripes]
}
