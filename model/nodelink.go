package model

import (
	"sort"
	"time"
)

// NodeLink aggregates traffic between an unordered pair of nodes. The pair is
// stored in canonical order (NodeA < NodeB by node number) so one physical
// pair never produces two rows.
type NodeLink struct {
	ID    int64
	NodeA NodeNum
	NodeB NodeNum

	AToBPackets  uint64
	BToAPackets  uint64
	TotalPackets uint64

	// Channels is the sorted set of channels the pair was observed on.
	Channels []string

	FirstSeen    time.Time
	LastActivity time.Time
	// LastPacketID references the stored packet that last touched the link.
	LastPacketID  int64
	Bidirectional bool
}

// Recount derives TotalPackets and Bidirectional from the direction counters.
func (l *NodeLink) Recount() {
	l.TotalPackets = l.AToBPackets + l.BToAPackets
	l.Bidirectional = l.AToBPackets > 0 && l.BToAPackets > 0
}

// AddChannel merges ch into the observed channel set.
func (l *NodeLink) AddChannel(ch string) {
	if ch == "" {
		return
	}
	i := sort.SearchStrings(l.Channels, ch)
	if i < len(l.Channels) && l.Channels[i] == ch {
		return
	}
	l.Channels = append(l.Channels, "")
	copy(l.Channels[i+1:], l.Channels[i:])
	l.Channels[i] = ch
}

// Clone returns a deep copy safe to hand to readers.
func (l NodeLink) Clone() NodeLink {
	out := l
	out.Channels = append([]string(nil), l.Channels...)
	return out
}
