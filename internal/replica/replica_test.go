package replica

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/storage"
	"github.com/quorumlog/replog/internal/wire"
)

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := New("r1", storage.NewMemStorage(), zerolog.Nop())
	r.Start(ctx)
	return r
}

func TestReplicaPromiseGrantsAndPersists(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	reply, err := r.HandlePromise(ctx, wire.Promise{
		Envelope: wire.NewEnvelope("coord"),
		Ballot:   ballot.Ballot{Number: 1, ProposerID: 1},
		FromSlot: 1, ToSlot: 10,
	})
	require.NoError(t, err)
	promised, ok := reply.(wire.Promised)
	require.True(t, ok)
	require.Empty(t, promised.Records)
}

func TestReplicaPromiseNacksLowerBallot(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	_, err := r.HandlePromise(ctx, wire.Promise{Envelope: wire.NewEnvelope("c"), Ballot: ballot.Ballot{Number: 5, ProposerID: 1}, FromSlot: 1, ToSlot: 10})
	require.NoError(t, err)

	reply, err := r.HandlePromise(ctx, wire.Promise{Envelope: wire.NewEnvelope("c"), Ballot: ballot.Ballot{Number: 3, ProposerID: 1}, FromSlot: 1, ToSlot: 10})
	require.NoError(t, err)
	nack, ok := reply.(wire.Nack)
	require.True(t, ok)
	require.Equal(t, uint64(5), nack.Promised.Number)
}

func TestReplicaWriteThenLearnedRoundTrip(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	b := ballot.Ballot{Number: 1, ProposerID: 1}

	reply, err := r.HandleWrite(ctx, wire.Write{Envelope: wire.NewEnvelope("c"), Ballot: b, Position: 1, Entry: wire.Append([]byte("x"))})
	require.NoError(t, err)
	_, ok := reply.(wire.WriteOk)
	require.True(t, ok)

	reply, err = r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 1, Entry: wire.Append([]byte("x"))})
	require.NoError(t, err)
	_, ok = reply.(wire.Ack)
	require.True(t, ok)

	recs, err := r.LocalRead(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, []byte("x"), recs[0].Entry.Value)
}

func TestReplicaLearnedIdempotent(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	_, err := r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 1, Entry: wire.Append([]byte("x"))})
	require.NoError(t, err)
	_, err = r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 1, Entry: wire.Append([]byte("x"))})
	require.NoError(t, err)

	recs, err := r.LocalRead(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestReplicaLearnedTruncateAdvancesBegin(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	_, err := r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 1, Entry: wire.Append([]byte("a"))})
	require.NoError(t, err)
	_, err = r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 2, Entry: wire.Append([]byte("b"))})
	require.NoError(t, err)
	_, err = r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 3, Entry: wire.Truncate(2)})
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, position.Position(2), snap.Begin)

	_, err = r.LocalRead(ctx, 1, 1)
	require.ErrorIs(t, err, storage.ErrTruncated)
}

func TestReplicaCatchingUpAbstainsFromPromise(t *testing.T) {
	r := newTestReplica(t)
	r.SetCatchingUp(true)
	ctx := context.Background()

	reply, err := r.HandlePromise(ctx, wire.Promise{Envelope: wire.NewEnvelope("c"), Ballot: ballot.Ballot{Number: 1, ProposerID: 1}, FromSlot: 1, ToSlot: 10})
	require.NoError(t, err)
	_, ok := reply.(wire.CatchingUp)
	require.True(t, ok)
}

func TestReplicaRecoverClampsToOwnRange(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	_, err := r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 1, Entry: wire.Append([]byte("a"))})
	require.NoError(t, err)
	_, err = r.HandleLearned(ctx, wire.Learned{Envelope: wire.NewEnvelope("c"), Position: 2, Entry: wire.Append([]byte("b"))})
	require.NoError(t, err)

	reply, err := r.HandleRecover(ctx, wire.Recover{Envelope: wire.NewEnvelope("peer"), From: 1, To: 100})
	require.NoError(t, err)
	rr, ok := reply.(wire.RecoverReply)
	require.True(t, ok)
	require.Equal(t, position.Position(2), rr.End)
	require.Len(t, rr.Entries, 2)
}

func TestReplicaCallRespectsContextCancellation(t *testing.T) {
	r := newTestReplica(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	_, err := r.HandlePromise(ctx, wire.Promise{Envelope: wire.NewEnvelope("c"), Ballot: ballot.Ballot{Number: 1}, FromSlot: 1, ToSlot: 2})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
