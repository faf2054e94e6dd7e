package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/wire"
)

// MemoryTransport dispatches Calls directly to in-process Replica
// actors, keyed by peer ID. It is the in-memory stand-in for a real
// network, grounded on the teacher's transport/memory.go sketch
// (an in-memory Transport satisfying Broadcast/Send/Receive without a
// socket), generalized here to support directed partition injection
// for spec.md §8 scenario 5 (split-brain prevention).
type MemoryTransport struct {
	mu        sync.RWMutex
	replicas  map[string]*replica.Replica
	partition map[string]map[string]bool // partition[from][to] == true means from cannot reach to
}

// NewMemoryTransport returns an empty in-memory transport; replicas
// register themselves with Register.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		replicas:  make(map[string]*replica.Replica),
		partition: make(map[string]map[string]bool),
	}
}

// Register makes r reachable at peer ID r.ID().
func (t *MemoryTransport) Register(r *replica.Replica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas[r.ID()] = r
}

// Unregister removes a replica, simulating a permanently stopped node.
func (t *MemoryTransport) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.replicas, id)
}

// Partition blocks delivery in both directions between a and b until
// Heal is called, simulating a network split (spec.md §8 scenario 5).
func (t *MemoryTransport) Partition(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block(a, b)
	t.block(b, a)
}

func (t *MemoryTransport) block(from, to string) {
	if t.partition[from] == nil {
		t.partition[from] = make(map[string]bool)
	}
	t.partition[from][to] = true
}

// Heal removes any partition between a and b in both directions.
func (t *MemoryTransport) Heal(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partition[a], b)
	delete(t.partition[b], a)
}

// HealAll clears every partition, reconnecting the whole group.
func (t *MemoryTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partition = make(map[string]map[string]bool)
}

func (t *MemoryTransport) blocked(from, to string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partition[from][to]
}

// Call dispatches msg to the Replica registered at peer, unless the
// sender (msg.GetFrom()) is currently partitioned from peer.
func (t *MemoryTransport) Call(ctx context.Context, peer Peer, msg wire.Message) (wire.Message, error) {
	if t.blocked(msg.GetFrom(), peer.ID) {
		return nil, wrapUnavailable(peer, fmt.Errorf("partitioned"))
	}

	t.mu.RLock()
	target, ok := t.replicas[peer.ID]
	t.mu.RUnlock()
	if !ok {
		return nil, wrapUnavailable(peer, fmt.Errorf("no such replica"))
	}

	switch m := msg.(type) {
	case wire.Promise:
		return target.HandlePromise(ctx, m)
	case wire.Write:
		return target.HandleWrite(ctx, m)
	case wire.Learned:
		return target.HandleLearned(ctx, m)
	case wire.Recover:
		return target.HandleRecover(ctx, m)
	default:
		return nil, fmt.Errorf("group: memory transport cannot dispatch %T", msg)
	}
}
