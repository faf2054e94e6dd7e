// Package ballot defines the proposal-ordering primitive used by the
// coordinator election and the replica's per-slot Paxos state machine.
package ballot

import "fmt"

// Ballot totally orders coordinator attempts: first by proposal
// number, ties broken by proposer ID. The zero Ballot is less than
// every ballot a real coordinator ever issues.
type Ballot struct {
	Number     uint64
	ProposerID uint64
}

// Zero is the ballot no coordinator has ever proposed.
var Zero = Ballot{}

// IsZero reports whether b is the zero ballot.
func (b Ballot) IsZero() bool { return b == Zero }

// Less reports whether b sorts strictly before other.
func (b Ballot) Less(other Ballot) bool {
	if b.Number != other.Number {
		return b.Number < other.Number
	}
	return b.ProposerID < other.ProposerID
}

// Greater reports whether b sorts strictly after other.
func (b Ballot) Greater(other Ballot) bool { return other.Less(b) }

// GreaterOrEqual reports whether b sorts at or after other.
func (b Ballot) GreaterOrEqual(other Ballot) bool { return !b.Less(other) }

func (b Ballot) String() string {
	return fmt.Sprintf("(n=%d, proposer=%d)", b.Number, b.ProposerID)
}

// Max returns whichever of a, b sorts later.
func Max(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}

// Generator issues strictly increasing ballots for a single proposer
// identity. It keeps the highest proposal number in memory only and
// does not persist it: a new Generator starts from the seed given to
// NewGenerator and moves past higher numbers only through Observe.
type Generator struct {
	proposerID uint64
	highest    uint64
}

// NewGenerator creates a generator for the given proposer identity,
// seeded with the highest proposal number already observed (e.g.
// recovered from durable storage or a Nack's reported ballot).
func NewGenerator(proposerID uint64, seenHighest uint64) *Generator {
	return &Generator{proposerID: proposerID, highest: seenHighest}
}

// Next returns a new ballot strictly greater than every ballot
// previously returned by Next or passed to Observe.
func (g *Generator) Next() Ballot {
	g.highest++
	return Ballot{Number: g.highest, ProposerID: g.proposerID}
}

// Observe folds a ballot number seen in a Nack or a peer's promise
// into the generator so the next Next() call skips past it.
func (g *Generator) Observe(number uint64) {
	if number > g.highest {
		g.highest = number
	}
}
