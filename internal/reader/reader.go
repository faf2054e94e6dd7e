// Package reader implements the quorum-consulting range reader
// (spec.md §4.4): broadcast Recover, accept the first reply whose
// [begin, end] actually covers the requested range, and strip the
// protocol-only Nop/Truncate entries from the result before handing
// it back.
package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/group"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/wire"
)

// ErrTruncated means the requested range starts before the begin that
// at least one replying member reported, and no reply covered the range.
var ErrTruncated = errors.New("reader: position truncated")

// ErrTimeout means no reply received in the single broadcast round
// covered the requested range: the members that answered before ctx
// ended had not learned that far, or none answered.
var ErrTimeout = errors.New("reader: timed out waiting for quorum coverage")

// Reader serves range reads against a replica group. It holds no
// durable state of its own; every call consults the group directly.
type Reader struct {
	transport  group.Transport
	membership group.Membership
	selfID     string
	log        zerolog.Logger
}

// New constructs a Reader. selfID is used as the sender identity on
// outbound Recover messages.
func New(selfID string, transport group.Transport, membership group.Membership, log zerolog.Logger) *Reader {
	return &Reader{
		selfID:     selfID,
		transport:  transport,
		membership: membership,
		log:        log.With().Str("component", "reader").Str("self", selfID).Logger(),
	}
}

// Beginning returns one replica's current best-estimate begin. It
// picks the first reachable member's answer; since spec.md §4.4 says
// this value "may lag," no attempt is made to find the freshest one.
func (rd *Reader) Beginning(ctx context.Context) (position.Position, error) {
	snap, err := rd.anySnapshot(ctx)
	if err != nil {
		return position.Zero, err
	}
	return snap.Begin, nil
}

// Ending returns one replica's current best-estimate end.
func (rd *Reader) Ending(ctx context.Context) (position.Position, error) {
	snap, err := rd.anySnapshot(ctx)
	if err != nil {
		return position.Zero, err
	}
	return snap.End, nil
}

func (rd *Reader) anySnapshot(ctx context.Context) (wire.RecoverReply, error) {
	peers, err := rd.membership.CurrentMembers()
	if err != nil {
		return wire.RecoverReply{}, fmt.Errorf("reader: members: %w", err)
	}
	msg := wire.Recover{Envelope: wire.NewEnvelope(rd.selfID), From: position.Zero.Next(), To: position.Zero}
	replies := group.Broadcast(ctx, rd.transport, peers, msg)
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		if rr, ok := r.Msg.(wire.RecoverReply); ok {
			return rr, nil
		}
	}
	return wire.RecoverReply{}, ErrTimeout
}

// Read broadcasts Recover(from, to) and returns the first reply whose
// [Begin, End] covers the requested range, with Nop and Truncate
// entries filtered out of the result (spec.md §4.4). Read makes one
// broadcast round and does not poll again. If no reply covers the range
// and any reply reports a begin beyond from, Read returns ErrTruncated;
// otherwise it returns ErrTimeout.
func (rd *Reader) Read(ctx context.Context, from, to position.Position) ([]wire.PositionedEntry, error) {
	peers, err := rd.membership.CurrentMembers()
	if err != nil {
		return nil, fmt.Errorf("reader: members: %w", err)
	}

	msg := wire.Recover{Envelope: wire.NewEnvelope(rd.selfID), From: from, To: to}
	replies := group.Broadcast(ctx, rd.transport, peers, msg)

	sawTruncation := false
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		rr, ok := r.Msg.(wire.RecoverReply)
		if !ok {
			continue
		}
		if rr.Begin > from {
			sawTruncation = true
			continue
		}
		if rr.End < to {
			continue
		}
		return filterEntries(rr.Entries), nil
	}

	if sawTruncation {
		return nil, ErrTruncated
	}
	return nil, ErrTimeout
}

func filterEntries(entries []wire.PositionedEntry) []wire.PositionedEntry {
	out := make([]wire.PositionedEntry, 0, len(entries))
	for _, e := range entries {
		if e.Entry.Kind == wire.KindNop || e.Entry.Kind == wire.KindTruncate {
			continue
		}
		out = append(out, e)
	}
	return out
}
