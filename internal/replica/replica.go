// Package replica implements the per-slot Paxos acceptor/learner that
// wraps a single replica's Storage (spec.md §4.2), running as an actor
// the way the teacher's internal/node/node.go runs its message loop:
// one goroutine draining a buffered mailbox, so no per-replica locking
// is needed even though peers call in concurrently.
package replica

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/storage"
	"github.com/quorumlog/replog/internal/wire"
)

// Replica owns one Storage and answers the protocol messages from
// spec.md §4.2's table. It is created stopped; call Start before
// routing any messages to it.
type Replica struct {
	id      string
	storage storage.Storage
	log     zerolog.Logger

	mailbox    chan func()
	catchingUp atomic.Bool
}

// New constructs a Replica identified by id, wrapping st. id is used
// as the From field on every reply this replica sends.
func New(id string, st storage.Storage, log zerolog.Logger) *Replica {
	return &Replica{
		id:      id,
		storage: st,
		log:     log.With().Str("replica", id).Logger(),
		mailbox: make(chan func(), 256),
	}
}

// ID returns the replica's identity.
func (r *Replica) ID() string { return r.id }

// Start runs the actor's mailbox loop until ctx is cancelled.
func (r *Replica) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case job := <-r.mailbox:
				job()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SetCatchingUp marks whether this replica considers itself behind the
// quorum's end. While true, Promise requests are answered with
// CatchingUp abstention rather than a vote or a Nack (spec.md §4.5).
func (r *Replica) SetCatchingUp(catchingUp bool) {
	r.catchingUp.Store(catchingUp)
}

func (r *Replica) call(ctx context.Context, fn func() (wire.Message, error)) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resCh := make(chan result, 1)
	job := func() {
		msg, err := fn()
		resCh <- result{msg: msg, err: err}
	}
	select {
	case r.mailbox <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandlePromise answers a Phase-1 Promise request.
func (r *Replica) HandlePromise(ctx context.Context, msg wire.Promise) (wire.Message, error) {
	reply, err := r.call(ctx, func() (wire.Message, error) { return r.handlePromise(msg) })
	return reply, err
}

func (r *Replica) handlePromise(msg wire.Promise) (wire.Message, error) {
	if r.catchingUp.Load() {
		snap := r.storage.Snapshot()
		return wire.CatchingUp{Envelope: wire.WithCorrelationID(wire.NewEnvelope(r.id), msg.GetCorrelationID()), End: snap.End}, nil
	}

	snap := r.storage.Snapshot()
	reply := wire.WithCorrelationID(wire.NewEnvelope(r.id), msg.GetCorrelationID())
	if !msg.Ballot.Greater(snap.Promised) {
		return wire.Nack{Envelope: reply, Requested: msg.Ballot, Promised: snap.Promised}, nil
	}
	if err := r.storage.PersistMetadata(msg.Ballot); err != nil {
		return nil, fmt.Errorf("replica %s: persist promise: %w", r.id, err)
	}
	recs := r.storage.RecordsInRange(msg.FromSlot, msg.ToSlot)
	records := make([]wire.SlotRecord, 0, len(recs))
	for _, rec := range recs {
		records = append(records, wire.SlotRecord{
			Position: rec.Position,
			Accepted: true,
			Ballot:   rec.Ballot,
			Entry:    rec.Entry,
		})
	}
	return wire.Promised{Envelope: reply, Ballot: msg.Ballot, Records: records}, nil
}

// HandleWrite answers a Phase-2 Write (tentative accept) request.
func (r *Replica) HandleWrite(ctx context.Context, msg wire.Write) (wire.Message, error) {
	return r.call(ctx, func() (wire.Message, error) { return r.handleWrite(msg) })
}

func (r *Replica) handleWrite(msg wire.Write) (wire.Message, error) {
	reply := wire.WithCorrelationID(wire.NewEnvelope(r.id), msg.GetCorrelationID())
	snap := r.storage.Snapshot()
	if msg.Ballot.Less(snap.Promised) {
		return wire.Nack{Envelope: reply, Requested: msg.Ballot, Promised: snap.Promised}, nil
	}
	if err := r.storage.Write(msg.Position, msg.Ballot, msg.Entry, false); err != nil {
		return nil, fmt.Errorf("replica %s: write slot %d: %w", r.id, msg.Position, err)
	}
	return wire.WriteOk{Envelope: reply, Position: msg.Position}, nil
}

// HandleLearned marks a slot learned. Idempotent: replaying the same
// (position, entry) leaves the replica's observable state unchanged.
func (r *Replica) HandleLearned(ctx context.Context, msg wire.Learned) (wire.Message, error) {
	return r.call(ctx, func() (wire.Message, error) { return r.handleLearned(msg) })
}

func (r *Replica) handleLearned(msg wire.Learned) (wire.Message, error) {
	reply := wire.WithCorrelationID(wire.NewEnvelope(r.id), msg.GetCorrelationID())

	b := ballot.Zero
	if existing, ok := r.storage.RecordAt(msg.Position); ok {
		b = existing.Ballot
	}
	if err := r.storage.Write(msg.Position, b, msg.Entry, true); err != nil {
		return nil, fmt.Errorf("replica %s: learn slot %d: %w", r.id, msg.Position, err)
	}
	if msg.Entry.Kind == wire.KindTruncate {
		if err := r.storage.TruncatePrefix(msg.Entry.To); err != nil {
			return nil, fmt.Errorf("replica %s: truncate prefix to %d: %w", r.id, msg.Entry.To, err)
		}
	}
	return wire.Ack{Envelope: reply, Position: msg.Position}, nil
}

// HandleRecover answers a Recover request with whatever learned
// entries this replica has in range, clamped to its own
// [begin, end]. The caller (reader or catch-up loop) compares the
// requested range against the returned Begin/End to detect a
// truncated or not-yet-learned range, the same mechanism spec.md §4.4
// already specifies for quorum reads — this resolves the open
// question about Recover crossing a truncated prefix without a
// separate wire-level error kind.
func (r *Replica) HandleRecover(ctx context.Context, msg wire.Recover) (wire.Message, error) {
	return r.call(ctx, func() (wire.Message, error) { return r.handleRecover(msg) })
}

func (r *Replica) handleRecover(msg wire.Recover) (wire.Message, error) {
	reply := wire.WithCorrelationID(wire.NewEnvelope(r.id), msg.GetCorrelationID())
	snap := r.storage.Snapshot()

	from := msg.From
	if from < snap.Begin {
		from = snap.Begin
	}
	to := msg.To
	if to > snap.End {
		to = snap.End
	}

	var entries []wire.PositionedEntry
	if from <= to && snap.End > position.Zero {
		recs, err := r.storage.Read(from, to)
		if err != nil {
			return nil, fmt.Errorf("replica %s: recover read [%d,%d]: %w", r.id, from, to, err)
		}
		entries = make([]wire.PositionedEntry, 0, len(recs))
		for _, rec := range recs {
			entries = append(entries, wire.PositionedEntry{Position: rec.Position, Entry: rec.Entry})
		}
	}
	return wire.RecoverReply{Envelope: reply, Entries: entries, Begin: snap.Begin, End: snap.End}, nil
}

// LocalRead serves a local range read directly from storage, per
// spec.md §4.2's local_read contract.
func (r *Replica) LocalRead(ctx context.Context, from, to position.Position) ([]storage.SlotRecord, error) {
	type result struct {
		recs []storage.SlotRecord
		err  error
	}
	resCh := make(chan result, 1)
	job := func() {
		recs, err := r.storage.Read(from, to)
		resCh <- result{recs: recs, err: err}
	}
	select {
	case r.mailbox <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resCh:
		return res.recs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the replica's current (begin, end, promised),
// routed through the actor's mailbox for a consistent read.
func (r *Replica) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	type result struct {
		snap storage.Snapshot
	}
	resCh := make(chan result, 1)
	job := func() { resCh <- result{snap: r.storage.Snapshot()} }
	select {
	case r.mailbox <- job:
	case <-ctx.Done():
		return storage.Snapshot{}, ctx.Err()
	}
	select {
	case res := <-resCh:
		return res.snap, nil
	case <-ctx.Done():
		return storage.Snapshot{}, ctx.Err()
	}
}
