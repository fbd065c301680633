package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dontdude/goxec-cluster/internal/domain"
)

type memoryEntry struct {
	handle  domain.PoolHandle
	touched time.Time
}

// MemoryRegistry is an in-process registry for tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	services map[string]map[string]memoryEntry
}

var _ domain.Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns an empty registry with the given entry ttl.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:      ttl,
		now:      time.Now,
		services: make(map[string]map[string]memoryEntry),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, key string, h domain.PoolHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pools, ok := r.services[key]
	if !ok {
		pools = make(map[string]memoryEntry)
		r.services[key] = pools
	}
	pools[h.ID] = memoryEntry{handle: h, touched: r.now()}
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, key string, poolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[key], poolID)
	return nil
}

// Resolve returns live handles ordered by pool id and prunes stale ones.
func (r *MemoryRegistry) Resolve(_ context.Context, key string) ([]domain.PoolHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	var handles []domain.PoolHandle
	for id, e := range r.services[key] {
		if e.touched.Before(cutoff) {
			delete(r.services[key], id)
			continue
		}
		handles = append(handles, e.handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles, nil
}

// MemoryMembership tracks nodes in a map and fans events out to subscribers.
type MemoryMembership struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	nodes map[string]domain.ClusterNode
	subs  map[chan domain.MemberEvent]struct{}
}

var _ domain.Membership = (*MemoryMembership)(nil)

// NewMemoryMembership returns an empty membership view with the given ttl.
func NewMemoryMembership(ttl time.Duration) *MemoryMembership {
	return &MemoryMembership{
		ttl:   ttl,
		now:   time.Now,
		nodes: make(map[string]domain.ClusterNode),
		subs:  make(map[chan domain.MemberEvent]struct{}),
	}
}

// broadcast must be called with mu held. Slow subscribers miss events.
func (m *MemoryMembership) broadcast(ev domain.MemberEvent) {
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *MemoryMembership) Join(_ context.Context, node domain.ClusterNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.Liveness = domain.LivenessUp
	node.LastSeen = m.now()
	m.nodes[node.ID] = node
	m.broadcast(domain.MemberEvent{Type: domain.MemberJoined, Node: node})
	return nil
}

func (m *MemoryMembership) Heartbeat(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return errNotJoined(nodeID)
	}
	node.LastSeen = m.now()
	m.nodes[nodeID] = node
	return nil
}

func (m *MemoryMembership) Leave(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	delete(m.nodes, nodeID)
	node.Liveness = domain.LivenessUnreachable
	m.broadcast(domain.MemberEvent{Type: domain.MemberLeft, Node: node})
	return nil
}

func (m *MemoryMembership) Members(_ context.Context) ([]domain.ClusterNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	nodes := make([]domain.ClusterNode, 0, len(m.nodes))
	for id, node := range m.nodes {
		if now.Sub(node.LastSeen) > 3*m.ttl {
			delete(m.nodes, id)
			node.Liveness = domain.LivenessUnreachable
			m.broadcast(domain.MemberEvent{Type: domain.MemberLeft, Node: node})
			continue
		}
		node.Liveness = livenessAt(node.LastSeen, now, m.ttl)
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (m *MemoryMembership) Events(ctx context.Context) (<-chan domain.MemberEvent, error) {
	ch := make(chan domain.MemberEvent, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}
