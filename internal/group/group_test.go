package group

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/storage"
	"github.com/quorumlog/replog/internal/wire"
)

func newTestReplica(t *testing.T, id string) *replica.Replica {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := replica.New(id, storage.NewMemStorage(), zerolog.Nop())
	r.Start(ctx)
	return r
}

func TestStaticMembershipReturnsFixedSet(t *testing.T) {
	m := NewStaticMembership([]Peer{{ID: "a"}, {ID: "b"}})
	members, err := m.CurrentMembers()
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Nil(t, m.Changes())
}

func TestMemoryTransportDispatchesToRegisteredReplica(t *testing.T) {
	transport := NewMemoryTransport()
	r := newTestReplica(t, "a")
	transport.Register(r)

	msg := wire.Promise{Envelope: wire.NewEnvelope("coord"), Ballot: ballot.Ballot{Number: 1, ProposerID: 1}, FromSlot: 1, ToSlot: 5}
	reply, err := transport.Call(context.Background(), Peer{ID: "a"}, msg)
	require.NoError(t, err)
	_, ok := reply.(wire.Promised)
	require.True(t, ok)
}

func TestMemoryTransportUnregisteredPeerIsUnavailable(t *testing.T) {
	transport := NewMemoryTransport()
	_, err := transport.Call(context.Background(), Peer{ID: "ghost"}, wire.Promise{Envelope: wire.NewEnvelope("coord")})
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestMemoryTransportPartitionBlocksAndHealRestores(t *testing.T) {
	transport := NewMemoryTransport()
	a := newTestReplica(t, "a")
	transport.Register(a)

	transport.Partition("coord", "a")
	_, err := transport.Call(context.Background(), Peer{ID: "a"}, wire.Promise{Envelope: wire.NewEnvelope("coord"), FromSlot: 1, ToSlot: 2})
	require.ErrorIs(t, err, ErrPeerUnavailable)

	transport.Heal("coord", "a")
	_, err = transport.Call(context.Background(), Peer{ID: "a"}, wire.Promise{Envelope: wire.NewEnvelope("coord"), FromSlot: 1, ToSlot: 2})
	require.NoError(t, err)
}

func TestBroadcastCollectsAllReplies(t *testing.T) {
	transport := NewMemoryTransport()
	a := newTestReplica(t, "a")
	b := newTestReplica(t, "b")
	transport.Register(a)
	transport.Register(b)

	msg := wire.Promise{Envelope: wire.NewEnvelope("coord"), Ballot: ballot.Ballot{Number: 1, ProposerID: 1}, FromSlot: 1, ToSlot: 5}
	replies := Broadcast(context.Background(), transport, []Peer{{ID: "a"}, {ID: "b"}, {ID: "ghost"}}, msg)
	require.Len(t, replies, 3)

	count, reached := CountQuorum(replies, 2, func(m wire.Message) bool {
		_, ok := m.(wire.Promised)
		return ok
	})
	require.Equal(t, 2, count)
	require.True(t, reached)
}

func TestQuorumSize(t *testing.T) {
	require.Equal(t, 1, Size(1))
	require.Equal(t, 2, Size(3))
	require.Equal(t, 3, Size(5))
}
