// Package storage defines the per-replica durable store: one replica's
// promised ballot, its per-slot accepted/learned records, and the
// readable prefix/suffix bounds (spec.md §4.1).
package storage

import (
	"errors"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/wire"
)

// ErrTruncated is returned by Read when the requested range starts
// before the truncated prefix.
var ErrTruncated = errors.New("storage: position truncated")

// ErrNotYetLearned is returned by Read when the requested range ends
// beyond what has been learned.
var ErrNotYetLearned = errors.New("storage: position not yet learned")

// ErrCorrupt is a fatal, process-level error: a checksum mismatch on a
// committed record. Never recoverable, never silently healed.
var ErrCorrupt = errors.New("storage: corrupt record")

// SlotRecord is one slot's current tentative-or-learned state, as
// handed back in a Promised reply or iterated during recovery.
type SlotRecord struct {
	Position position.Position
	Ballot   ballot.Ballot // the ballot the current Entry was (tentatively) accepted under
	Entry    wire.Entry
	Learned  bool
}

// Snapshot is the cheap in-memory summary available immediately after
// recovery, per spec.md §4.1.
type Snapshot struct {
	Begin    position.Position
	End      position.Position
	Promised ballot.Ballot
}

// Storage is a single replica's durable store. Implementations must be
// crash-safe: a partially written record is never observed as
// committed (spec.md §4.1). Storage is exclusively owned by the one
// Replica actor that wraps it; no other actor touches it directly
// (spec.md §5).
type Storage interface {
	// PersistMetadata durably records a new promised ballot. It must
	// be fsynced before any reply mentioning it leaves the replica.
	PersistMetadata(promised ballot.Ballot) error

	// Write is an idempotent upsert of a slot's record. When learned
	// transitions from false to true the record must be fsynced
	// before Write returns.
	Write(pos position.Position, b ballot.Ballot, entry wire.Entry, learned bool) error

	// Read returns every learned record in [from, to] inclusive,
	// sorted by position, including Nop and Truncate kinds (the
	// Reader is responsible for filtering those out). Returns
	// ErrTruncated if from is below begin, ErrNotYetLearned if to is
	// above end.
	Read(from, to position.Position) ([]SlotRecord, error)

	// RecordAt returns the current record for a single slot,
	// including tentative (not yet learned) accepts, and whether
	// anything has ever been written there.
	RecordAt(pos position.Position) (SlotRecord, bool)

	// RecordsInRange returns the current record (tentative or
	// learned) for every slot in [from, to) that has one. Used to
	// answer a Promise's slot-range query.
	RecordsInRange(from, to position.Position) []SlotRecord

	// TruncatePrefix reclaims storage strictly below to and durably
	// advances begin to max(begin, to).
	TruncatePrefix(to position.Position) error

	// Snapshot returns the cheap in-memory (begin, end, promised)
	// triple.
	Snapshot() Snapshot

	// Close releases any resources (file handles) held by the store.
	Close() error
}
