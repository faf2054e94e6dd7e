// Package group abstracts the set of peer replicas a Coordinator,
// Reader, or catch-up loop talks to (spec.md §2's "Network / Group"
// and §6's coordination-service contract), plus the broadcast/quorum
// collection primitive layered on top of it.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quorumlog/replog/internal/wire"
)

// Peer identifies one replica in the group. Addr is only meaningful to
// a network-backed Transport (e.g. NetTransport); MemoryTransport
// dispatches purely by ID.
type Peer struct {
	ID   string
	Addr string
}

// ErrPeerUnavailable is a transient transport-level failure: the peer
// could not be reached (down, partitioned, connection refused).
var ErrPeerUnavailable = errors.New("group: peer unavailable")

// Membership is the contract to an external coordination service
// (spec.md §6): the current member set, plus a stream of changes. The
// log treats a change as re-drawing the quorum snapshot for new
// operations only — in-flight operations keep the snapshot they
// started with.
type Membership interface {
	CurrentMembers() ([]Peer, error)
	Changes() <-chan []Peer
}

// StaticMembership is a fixed peer set, for the common case of
// spec.md §6's "(quorum, path, peers: Set<PID>)" constructor and for
// tests. It never emits a change.
type StaticMembership struct {
	peers []Peer
}

// NewStaticMembership returns a Membership over a fixed peer set.
func NewStaticMembership(peers []Peer) *StaticMembership {
	cp := make([]Peer, len(peers))
	copy(cp, peers)
	return &StaticMembership{peers: cp}
}

func (s *StaticMembership) CurrentMembers() ([]Peer, error) {
	cp := make([]Peer, len(s.peers))
	copy(cp, s.peers)
	return cp, nil
}

func (s *StaticMembership) Changes() <-chan []Peer { return nil }

// Transport delivers one request/reply exchange to a peer. Per
// spec.md §5, every call is cancellable via ctx and does not undo a
// recipient's durable side effects on cancellation — only the caller's
// wait is abandoned.
type Transport interface {
	Call(ctx context.Context, peer Peer, msg wire.Message) (wire.Message, error)
}

// Reply pairs one peer's outcome from a Broadcast: either a protocol
// reply (Msg) or a transport-level failure (Err), never both.
type Reply struct {
	Peer Peer
	Msg  wire.Message
	Err  error
}

// Broadcast sends msg to every peer concurrently and waits for all of
// them to answer or for ctx to expire, returning one Reply per peer.
// It never short-circuits on an individual peer's failure: per-request
// errors are collected, not propagated, so one unreachable peer never
// cancels the others' in-flight calls. This is the errgroup usage
// spec.md §5 describes: errgroup.WithContext supplies the
// cancellation-on-deadline plumbing; quorum counting over the
// resulting Replies is the caller's job (Coordinator, Reader), since
// errgroup itself only understands "first error wins," not "enough
// votes."
func Broadcast(ctx context.Context, transport Transport, peers []Peer, msg wire.Message) []Reply {
	replies := make([]Reply, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			m, err := transport.Call(gctx, peer, msg)
			mu.Lock()
			replies[i] = Reply{Peer: peer, Msg: m, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines never return a non-nil error; failures live in replies
	return replies
}

// CountQuorum reports how many replies in rs are non-error and match
// accept, along with whether that count reaches quorum.
func CountQuorum(rs []Reply, quorum int, accept func(wire.Message) bool) (count int, reached bool) {
	for _, r := range rs {
		if r.Err != nil || r.Msg == nil {
			continue
		}
		if accept(r.Msg) {
			count++
		}
	}
	return count, count >= quorum
}

// Size returns the quorum size (strict majority) for a group of n
// replicas, per the GLOSSARY's "any subset of replicas of size > N/2".
func Size(n int) int { return n/2 + 1 }

// wrapUnavailable normalizes a transport-specific connection failure
// into ErrPeerUnavailable so callers can use errors.Is uniformly.
func wrapUnavailable(peer Peer, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPeerUnavailable, peer.ID, err)
}
