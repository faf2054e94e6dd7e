// Package wire defines the messages that flow between replicas
// (spec.md §4.2, §6) and the on-the-wire envelope framing used to
// exchange them over a reliable stream.
package wire

import (
	"github.com/google/uuid"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
)

// Message is implemented by every type exchanged between replicas.
// Every message carries the sender's identity and a correlation ID,
// per spec.md §6.
type Message interface {
	GetFrom() string
	GetCorrelationID() uuid.UUID
}

type Envelope struct {
	From string
	Corr uuid.UUID
}

func (e Envelope) GetFrom() string            { return e.From }
func (e Envelope) GetCorrelationID() uuid.UUID { return e.Corr }

// NewCorrelationID produces a fresh correlation id for an outbound
// request.
func NewCorrelationID() uuid.UUID { return uuid.New() }

// SlotRecord is one slot's tentative or learned record, as reported by
// a Promised reply or a Recover reply.
type SlotRecord struct {
	Position position.Position
	Accepted bool // whether anything has been tentatively accepted at this slot
	Ballot   ballot.Ballot
	Entry    Entry
}

// Promise is the coordinator's Phase-1 request: "I want ballot b for
// every slot in [From, To)."
type Promise struct {
	Envelope
	Ballot   ballot.Ballot
	FromSlot position.Position
	ToSlot   position.Position // exclusive
}

// Promised is the affirmative reply to Promise: the acceptor's
// tentative/learned records for every slot in the requested range that
// it has anything for.
type Promised struct {
	Envelope
	Ballot  ballot.Ballot
	Records []SlotRecord
}

// Nack is the negative reply to Promise or Write: the acceptor has
// already promised a ballot at least as high as a Promise's, or higher
// than a Write's.
type Nack struct {
	Envelope
	Requested ballot.Ballot
	Promised  ballot.Ballot
}

// CatchingUp is an abstention reply to Promise: the replica has not
// yet caught up to the quorum's end and must not be counted as a vote
// or a nack (spec.md §4.5).
type CatchingUp struct {
	Envelope
	End position.Position
}

// Write is the coordinator's Phase-2 request: tentatively accept kind
// at position under ballot.
type Write struct {
	Envelope
	Ballot   ballot.Ballot
	Position position.Position
	Entry    Entry
}

// WriteOk is the affirmative reply to Write.
type WriteOk struct {
	Envelope
	Position position.Position
}

// Learned notifies a replica that a position's value is committed.
// Idempotent: replaying the same (Position, Entry) is a no-op.
type Learned struct {
	Envelope
	Position position.Position
	Entry    Entry
}

// Ack is the reply to Learned.
type Ack struct {
	Envelope
	Position position.Position
}

// Recover requests learned entries in [From, To] from a peer, used by
// readers and by the catch-up loop.
type Recover struct {
	Envelope
	From position.Position
	To   position.Position
}

// RecoverReply answers Recover with whatever learned entries the
// replying replica has in range, plus its current begin/end so the
// caller can judge whether the reply actually covers what was asked.
type RecoverReply struct {
	Envelope
	Entries []PositionedEntry
	Begin   position.Position
	End     position.Position
}

// PositionedEntry pairs a learned entry with its slot, used in
// RecoverReply and in the public Reader API.
type PositionedEntry struct {
	Position position.Position
	Entry    Entry
}

// NewEnvelope builds the embeddable envelope fields every outbound
// message needs.
func NewEnvelope(from string) Envelope {
	return Envelope{From: from, Corr: NewCorrelationID()}
}

// WithCorrelationID overrides the correlation id, used when a reply
// must echo the request's id.
func WithCorrelationID(e Envelope, id uuid.UUID) Envelope {
	e.Corr = id
	return e
}
