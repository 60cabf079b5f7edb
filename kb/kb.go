// Package kb is the in-memory knowledge base: a thread-safe implementation
// of the store interfaces used by tests and by meshcored with --db memory.
package kb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/model"
)

type pairKey struct{ a, b model.NodeNum }

type storedPacket struct {
	pkt  model.Packet
	data model.PacketData
}

// KnowledgeBase holds interfaces, nodes, links, packets and jobs behind one
// RWMutex. Every getter returns copies.
type KnowledgeBase struct {
	mu sync.RWMutex

	now func() time.Time

	interfaces map[int64]*model.Interface
	nodes      map[model.NodeNum]*model.Node
	links      map[pairKey]*model.NodeLink
	packets    []storedPacket
	routes     map[string]int64
	jobs       map[int64]*model.PublisherPeriodicJob

	nextInterfaceID int64
	nextLinkID      int64
	nextPacketID    int64
	nextRouteID     int64
	nextJobID       int64
}

var _ store.Store = (*KnowledgeBase)(nil)

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		now:        func() time.Time { return time.Now().UTC() },
		interfaces: make(map[int64]*model.Interface),
		nodes:      make(map[model.NodeNum]*model.Node),
		links:      make(map[pairKey]*model.NodeLink),
		routes:     make(map[string]int64),
		jobs:       make(map[int64]*model.PublisherPeriodicJob),
	}
}

// Close is a no-op.
func (kb *KnowledgeBase) Close() error { return nil }

//
// ---------- Interfaces ----------
//

func (kb *KnowledgeBase) ListInterfaces(ctx context.Context) ([]model.Interface, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.Interface, 0, len(kb.interfaces))
	for _, iface := range kb.interfaces {
		out = append(out, cloneInterface(*iface))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (kb *KnowledgeBase) GetInterface(ctx context.Context, id int64) (model.Interface, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	iface, ok := kb.interfaces[id]
	if !ok {
		return model.Interface{}, fmt.Errorf("interface %d: %w", id, store.ErrNotFound)
	}
	return cloneInterface(*iface), nil
}

func (kb *KnowledgeBase) GetInterfaceByName(ctx context.Context, name string) (model.Interface, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	for _, iface := range kb.interfaces {
		if iface.Name == name {
			return cloneInterface(*iface), nil
		}
	}
	return model.Interface{}, fmt.Errorf("interface %q: %w", name, store.ErrNotFound)
}

func (kb *KnowledgeBase) CreateInterface(ctx context.Context, iface model.Interface) (model.Interface, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if iface.Name == "" {
		iface.Name = kb.defaultNameLocked(iface.Kind)
	}
	for _, existing := range kb.interfaces {
		if existing.Name == iface.Name {
			return model.Interface{}, fmt.Errorf("interface %q: %w", iface.Name, store.ErrConflict)
		}
	}
	iface.ApplyDefaults()
	kb.nextInterfaceID++
	iface.ID = kb.nextInterfaceID
	now := kb.now()
	iface.CreatedAt, iface.UpdatedAt = now, now

	stored := cloneInterface(iface)
	kb.interfaces[iface.ID] = &stored
	return cloneInterface(iface), nil
}

func (kb *KnowledgeBase) defaultNameLocked(kind model.TransportKind) string {
	prefix := strings.ToLower(string(kind))
	similar := 0
	taken := make(map[string]bool, len(kb.interfaces))
	for _, iface := range kb.interfaces {
		taken[iface.Name] = true
		if strings.HasPrefix(iface.Name, prefix) {
			similar++
		}
	}
	name := model.DefaultInterfaceName(kind, similar)
	for n := similar + 1; taken[name]; n++ {
		name = model.DefaultInterfaceName(kind, n)
	}
	return name
}

func (kb *KnowledgeBase) UpdateInterfaceConfig(ctx context.Context, iface model.Interface) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	cur, ok := kb.interfaces[iface.ID]
	if !ok {
		return fmt.Errorf("interface %d: %w", iface.ID, store.ErrNotFound)
	}
	next := cloneInterface(iface)
	next.Name = cur.Name
	next.Status, next.LastConnected, next.LastError = cur.Status, cur.LastConnected, cur.LastError
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = kb.now()
	next.ApplyDefaults()
	kb.interfaces[iface.ID] = &next
	return nil
}

func (kb *KnowledgeBase) UpdateInterfaceStatus(ctx context.Context, id int64, state model.RuntimeState) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	iface, ok := kb.interfaces[id]
	if !ok {
		return fmt.Errorf("interface %d: %w", id, store.ErrNotFound)
	}
	iface.Status = state.Status
	iface.LastConnected = copyTime(state.LastConnected)
	iface.LastError = state.LastError
	iface.UpdatedAt = kb.now()
	return nil
}

//
// ---------- Nodes ----------
//

func (kb *KnowledgeBase) TouchNode(ctx context.Context, num model.NodeNum, seen time.Time) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.touchLocked(num, seen)
	return nil
}

func (kb *KnowledgeBase) touchLocked(num model.NodeNum, seen time.Time) *model.Node {
	n, ok := kb.nodes[num]
	if !ok {
		n = &model.Node{Num: num, FirstSeen: seen, LastHeard: seen}
		kb.nodes[num] = n
	}
	if seen.After(n.LastHeard) {
		n.LastHeard = seen
	}
	return n
}

func (kb *KnowledgeBase) UpdateNodeInfo(ctx context.Context, num model.NodeNum, info model.NodeInfoPayload, seen time.Time) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	n := kb.touchLocked(num, seen)
	n.LongName = info.LongName
	n.ShortName = info.ShortName
	n.HWModel = info.HWModel
	n.Role = info.Role
	n.MacAddress = info.MacAddress
	n.IsLicensed = info.IsLicensed
	if len(info.PublicKey) > 0 {
		n.PublicKey = append([]byte(nil), info.PublicKey...)
	}
	return nil
}

func (kb *KnowledgeBase) GetNode(ctx context.Context, num model.NodeNum) (model.Node, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	n, ok := kb.nodes[num]
	if !ok {
		return model.Node{}, fmt.Errorf("node %s: %w", num, store.ErrNotFound)
	}
	out := *n
	out.PublicKey = append([]byte(nil), n.PublicKey...)
	return out, nil
}

func (kb *KnowledgeBase) ListNodes(ctx context.Context) ([]model.Node, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.Node, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out, nil
}

//
// ---------- Links ----------
//

// UpsertNodeLink applies mutate under the write lock, so concurrent upserts
// of any pair are serialized.
func (kb *KnowledgeBase) UpsertNodeLink(ctx context.Context, a, b model.NodeNum, mutate func(*model.NodeLink)) (model.NodeLink, error) {
	if a >= b {
		return model.NodeLink{}, fmt.Errorf("link %s-%s is not in canonical order", a, b)
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	key := pairKey{a, b}
	cur, ok := kb.links[key]
	var next model.NodeLink
	if ok {
		next = cur.Clone()
	} else {
		next = model.NodeLink{NodeA: a, NodeB: b}
	}
	mutate(&next)
	next.NodeA, next.NodeB = a, b
	if !ok {
		kb.nextLinkID++
		next.ID = kb.nextLinkID
	}
	stored := next.Clone()
	kb.links[key] = &stored
	return next, nil
}

func (kb *KnowledgeBase) GetNodeLink(ctx context.Context, a, b model.NodeNum) (model.NodeLink, error) {
	if a > b {
		a, b = b, a
	}
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	l, ok := kb.links[pairKey{a, b}]
	if !ok {
		return model.NodeLink{}, fmt.Errorf("link %s-%s: %w", a, b, store.ErrNotFound)
	}
	return l.Clone(), nil
}

func (kb *KnowledgeBase) ListNodeLinks(ctx context.Context) ([]model.NodeLink, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.NodeLink, 0, len(kb.links))
	for _, l := range kb.links {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeA != out[j].NodeA {
			return out[i].NodeA < out[j].NodeA
		}
		return out[i].NodeB < out[j].NodeB
	})
	return out, nil
}

//
// ---------- Packets ----------
//

func (kb *KnowledgeBase) SavePacket(ctx context.Context, pkt *model.Packet, data *model.PacketData) error {
	if pkt == nil || data == nil {
		return fmt.Errorf("nil packet or data")
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	kb.nextPacketID++
	pkt.ID = kb.nextPacketID
	data.PacketID = pkt.ID

	if rd, ok := data.Payload.(model.RouteDiscoveryPayload); ok {
		rd.RouteTowards.ID = kb.routeIDLocked(rd.RouteTowards)
		if rd.RouteBack != nil {
			back := *rd.RouteBack
			back.ID = kb.routeIDLocked(back)
			rd.RouteBack = &back
		}
		data.Payload = rd
	}

	stored := storedPacket{pkt: *pkt, data: *data}
	stored.data.RawPayload = append([]byte(nil), data.RawPayload...)
	kb.packets = append(kb.packets, stored)
	return nil
}

func (kb *KnowledgeBase) routeIDLocked(r model.Route) int64 {
	key := r.Key()
	if id, ok := kb.routes[key]; ok {
		return id
	}
	kb.nextRouteID++
	kb.routes[key] = kb.nextRouteID
	return kb.nextRouteID
}

func (kb *KnowledgeBase) ListPackets(ctx context.Context, limit int) ([]model.Packet, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	if limit <= 0 || limit > len(kb.packets) {
		limit = len(kb.packets)
	}
	out := make([]model.Packet, 0, limit)
	for i := len(kb.packets) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, kb.packets[i].pkt)
	}
	return out, nil
}

func (kb *KnowledgeBase) GetPacketData(ctx context.Context, packetID int64) (model.PacketData, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	for _, sp := range kb.packets {
		if sp.pkt.ID == packetID {
			return sp.data, nil
		}
	}
	return model.PacketData{}, fmt.Errorf("packet %d: %w", packetID, store.ErrNotFound)
}

// RouteCount reports how many distinct routes are stored.
func (kb *KnowledgeBase) RouteCount() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.routes)
}

//
// ---------- Jobs ----------
//

func (kb *KnowledgeBase) CreateJob(ctx context.Context, job model.PublisherPeriodicJob) (model.PublisherPeriodicJob, error) {
	now := kb.now()
	job.ApplyDefaults(now)
	if err := job.Validate(); err != nil {
		return model.PublisherPeriodicJob{}, err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	for _, existing := range kb.jobs {
		if existing.Name == job.Name {
			return model.PublisherPeriodicJob{}, fmt.Errorf("job %q: %w", job.Name, store.ErrConflict)
		}
	}
	kb.nextJobID++
	job.ID = kb.nextJobID
	job.CreatedAt, job.UpdatedAt = now, now
	stored := cloneJob(job)
	kb.jobs[job.ID] = &stored
	return cloneJob(job), nil
}

func (kb *KnowledgeBase) GetJob(ctx context.Context, id int64) (model.PublisherPeriodicJob, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	j, ok := kb.jobs[id]
	if !ok {
		return model.PublisherPeriodicJob{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return cloneJob(*j), nil
}

func (kb *KnowledgeBase) GetJobByName(ctx context.Context, name string) (model.PublisherPeriodicJob, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	for _, j := range kb.jobs {
		if j.Name == name {
			return cloneJob(*j), nil
		}
	}
	return model.PublisherPeriodicJob{}, fmt.Errorf("job %q: %w", name, store.ErrNotFound)
}

func (kb *KnowledgeBase) ListJobs(ctx context.Context) ([]model.PublisherPeriodicJob, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	out := make([]model.PublisherPeriodicJob, 0, len(kb.jobs))
	for _, j := range kb.jobs {
		out = append(out, cloneJob(*j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (kb *KnowledgeBase) ListDueJobs(ctx context.Context, now time.Time) ([]model.PublisherPeriodicJob, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var out []model.PublisherPeriodicJob
	for _, j := range kb.jobs {
		if j.Enabled && !j.NextRunAt.After(now) {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].NextRunAt.Before(out[k].NextRunAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (kb *KnowledgeBase) ClaimJob(ctx context.Context, id int64, expected, next time.Time) (bool, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	j, ok := kb.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	if !j.Enabled || !j.NextRunAt.Equal(expected) {
		return false, nil
	}
	j.NextRunAt = next
	j.UpdatedAt = kb.now()
	return true, nil
}

func (kb *KnowledgeBase) RecordJobResult(ctx context.Context, id int64, res model.JobResult) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	j, ok := kb.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	j.LastStatus = res.Status
	j.LastErrorMessage = res.Message
	if res.RunAt != nil {
		j.LastRunAt = copyTime(res.RunAt)
	}
	j.UpdatedAt = kb.now()
	return nil
}

// SetJobEnabled toggles a job. Job editing is otherwise a collaborator concern.
func (kb *KnowledgeBase) SetJobEnabled(ctx context.Context, id int64, enabled bool) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	j, ok := kb.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	j.Enabled = enabled
	j.UpdatedAt = kb.now()
	return nil
}

func cloneInterface(i model.Interface) model.Interface {
	out := i
	out.LastConnected = copyTime(i.LastConnected)
	if i.MQTT != nil {
		c := *i.MQTT
		out.MQTT = &c
	}
	if i.Serial != nil {
		c := *i.Serial
		out.Serial = &c
	}
	if i.TCP != nil {
		c := *i.TCP
		out.TCP = &c
	}
	return out
}

func cloneJob(j model.PublisherPeriodicJob) model.PublisherPeriodicJob {
	out := j
	out.LastRunAt = copyTime(j.LastRunAt)
	if j.InterfaceID != nil {
		id := *j.InterfaceID
		out.InterfaceID = &id
	}
	out.PayloadOptions = make(map[string]any, len(j.PayloadOptions))
	for k, v := range j.PayloadOptions {
		out.PayloadOptions[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
