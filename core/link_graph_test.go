package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stridetastic/meshcore/kb"
	"github.com/stridetastic/meshcore/model"
)

type countingMetrics struct {
	mu sync.Mutex
	n  int
}

func (m *countingMetrics) IncLinkUpdate() {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
}

func mustNode(t *testing.T, id string) model.NodeNum {
	t.Helper()
	n, err := model.ParseNodeID(id)
	if err != nil {
		t.Fatalf("ParseNodeID(%q): %v", id, err)
	}
	return n
}

func TestCanonicalPair(t *testing.T) {
	a, b, forward := CanonicalPair(0xdcba, 0xabcd)
	if a != 0xabcd || b != 0xdcba || forward {
		t.Fatalf("CanonicalPair(dcba, abcd) = %v %v %v", a, b, forward)
	}
	a, b, forward = CanonicalPair(0xabcd, 0xdcba)
	if a != 0xabcd || b != 0xdcba || !forward {
		t.Fatalf("CanonicalPair(abcd, dcba) = %v %v %v", a, b, forward)
	}
}

func TestObserveFirstPacketCreatesLink(t *testing.T) {
	store := kb.NewKnowledgeBase()
	metrics := &countingMetrics{}
	agg := NewLinkAggregator(store, WithLinkMetrics(metrics))

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	link, err := agg.Observe(context.Background(), Observation{
		From:      mustNode(t, "!0000abcd"),
		To:        mustNode(t, "!0000dcba"),
		Channel:   "LongFast",
		Timestamp: ts,
		PacketID:  11,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if link.NodeA.ID() != "!0000abcd" || link.NodeB.ID() != "!0000dcba" {
		t.Fatalf("pair = %s/%s", link.NodeA, link.NodeB)
	}
	if link.AToBPackets != 1 || link.BToAPackets != 0 || link.TotalPackets != 1 || link.Bidirectional {
		t.Fatalf("counters = %+v", link)
	}
	if !link.FirstSeen.Equal(ts) || !link.LastActivity.Equal(ts) {
		t.Fatalf("timestamps = %v %v", link.FirstSeen, link.LastActivity)
	}
	if len(link.Channels) != 1 || link.Channels[0] != "LongFast" || link.LastPacketID != 11 {
		t.Fatalf("channels/packet = %v %d", link.Channels, link.LastPacketID)
	}
	if metrics.n != 1 {
		t.Fatalf("metric updates = %d, want 1", metrics.n)
	}
}

func TestObserveReverseDirectionMakesBidirectional(t *testing.T) {
	store := kb.NewKnowledgeBase()
	agg := NewLinkAggregator(store)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := agg.Observe(ctx, Observation{From: 0xabcd, To: 0xdcba, Timestamp: ts}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	link, err := agg.Observe(ctx, Observation{From: 0xdcba, To: 0xabcd, Channel: "Admin", Timestamp: ts.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if link.AToBPackets != 1 || link.BToAPackets != 1 || link.TotalPackets != 2 || !link.Bidirectional {
		t.Fatalf("counters = %+v", link)
	}
	if !link.LastActivity.Equal(ts.Add(time.Minute)) || !link.FirstSeen.Equal(ts) {
		t.Fatalf("timestamps = %v %v", link.FirstSeen, link.LastActivity)
	}

	links, _ := store.ListNodeLinks(ctx)
	if len(links) != 1 {
		t.Fatalf("links = %d, want one row per pair", len(links))
	}
}

func TestObserveLastActivityNeverRegresses(t *testing.T) {
	agg := NewLinkAggregator(kb.NewKnowledgeBase())
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := agg.Observe(ctx, Observation{From: 1, To: 2, Timestamp: ts}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	link, err := agg.Observe(ctx, Observation{From: 1, To: 2, Timestamp: ts.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !link.LastActivity.Equal(ts) {
		t.Fatalf("last activity moved back to %v", link.LastActivity)
	}
	if !link.FirstSeen.Equal(ts) {
		t.Fatalf("first seen changed to %v", link.FirstSeen)
	}
}

func TestObserveRejectsInvalid(t *testing.T) {
	agg := NewLinkAggregator(kb.NewKnowledgeBase())
	ts := time.Now()
	cases := []struct {
		name string
		obs  Observation
		want error
	}{
		{"self", Observation{From: 5, To: 5, Timestamp: ts}, ErrSelfLink},
		{"broadcast", Observation{From: 5, To: model.BroadcastNum, Timestamp: ts}, ErrBroadcastEndpoint},
		{"zero", Observation{From: 0, To: 5, Timestamp: ts}, ErrLinkBadInput},
		{"no timestamp", Observation{From: 4, To: 5}, ErrLinkBadInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := agg.Observe(context.Background(), tc.obs); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestObserveConcurrentNoLostUpdates(t *testing.T) {
	store := kb.NewKnowledgeBase()
	agg := NewLinkAggregator(store)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	const perDirection = 200
	var wg sync.WaitGroup
	errs := make(chan error, 2*perDirection)
	for i := 0; i < perDirection; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := agg.Observe(ctx, Observation{From: 0x10, To: 0x20, Timestamp: ts.Add(time.Duration(i) * time.Second)})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := agg.Observe(ctx, Observation{From: 0x20, To: 0x10, Timestamp: ts.Add(time.Duration(i) * time.Second)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	link, err := store.GetNodeLink(ctx, 0x10, 0x20)
	if err != nil {
		t.Fatalf("GetNodeLink: %v", err)
	}
	if link.AToBPackets != perDirection || link.BToAPackets != perDirection || link.TotalPackets != 2*perDirection {
		t.Fatalf("counters = %+v", link)
	}
	if !link.LastActivity.Equal(ts.Add((perDirection - 1) * time.Second)) {
		t.Fatalf("last activity = %v", link.LastActivity)
	}
}

func TestResolveObservation(t *testing.T) {
	now := time.Now()
	gateway := model.NodeNum(0x99)

	cases := []struct {
		name   string
		pkt    model.Packet
		wantOK bool
		wantTo model.NodeNum
	}{
		{"unicast", model.Packet{From: 1, To: 2, HopStart: 3, HopLimit: 1, ReceivedAt: now}, true, 2},
		{"direct broadcast", model.Packet{From: 1, To: model.BroadcastNum, HopStart: 3, HopLimit: 3, ReceivedAt: now}, true, gateway},
		{"relayed broadcast", model.Packet{From: 1, To: model.BroadcastNum, HopStart: 3, HopLimit: 2, ReceivedAt: now}, false, 0},
		{"broadcast without hop start", model.Packet{From: 1, To: model.BroadcastNum, ReceivedAt: now}, false, 0},
		{"self loop", model.Packet{From: 1, To: 1, ReceivedAt: now}, false, 0},
		{"broadcast heard by sender", model.Packet{From: gateway, To: model.BroadcastNum, HopStart: 3, HopLimit: 3, ReceivedAt: now}, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs, ok := ResolveObservation(tc.pkt, gateway)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && obs.To != tc.wantTo {
				t.Fatalf("to = %s, want %s", obs.To, tc.wantTo)
			}
		})
	}

	if _, ok := ResolveObservation(model.Packet{From: 1, To: model.BroadcastNum, HopStart: 3, HopLimit: 3, ReceivedAt: now}, 0); ok {
		t.Fatalf("direct broadcast without gateway should not link")
	}
}
