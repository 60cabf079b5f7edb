package ingest

import (
	"slices"
	"sync"
	"time"

	"github.com/stridetastic/meshcore/model"
)

type dedupeKey struct {
	from model.NodeNum
	id   uint32
}

// dedupeSet remembers recently seen packets. The same packet relayed by
// several gateways, or heard on several interfaces, arrives more than once.
type dedupeSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	limit int
	seen  map[dedupeKey]time.Time
}

func newDedupeSet(ttl time.Duration, limit int) *dedupeSet {
	if limit < 1 {
		limit = 1
	}
	return &dedupeSet{ttl: ttl, limit: limit, seen: make(map[dedupeKey]time.Time)}
}

// observe records the packet and reports whether it was already seen
// within the window. Packets without an id are never duplicates.
func (s *dedupeSet) observe(from model.NodeNum, id uint32, at time.Time) bool {
	if id == 0 || s.ttl <= 0 {
		return false
	}
	k := dedupeKey{from: from, id: id}

	s.mu.Lock()
	defer s.mu.Unlock()
	if first, ok := s.seen[k]; ok && at.Sub(first) < s.ttl {
		return true
	}
	if len(s.seen) >= s.limit {
		s.pruneLocked(at)
	}
	s.seen[k] = at
	return false
}

func (s *dedupeSet) pruneLocked(now time.Time) {
	for k, t := range s.seen {
		if now.Sub(t) >= s.ttl {
			delete(s.seen, k)
		}
	}
	if len(s.seen) < s.limit {
		return
	}
	// Still full: evict the oldest entries until there is room.
	keys := make([]dedupeKey, 0, len(s.seen))
	for k := range s.seen {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b dedupeKey) int { return s.seen[a].Compare(s.seen[b]) })
	for _, k := range keys[:len(keys)-s.limit+1] {
		delete(s.seen, k)
	}
}

func (s *dedupeSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
