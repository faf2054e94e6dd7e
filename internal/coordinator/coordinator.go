// Package coordinator implements the write-side state machine
// (spec.md §4.3): ballot election, quorum collection, gap-filling by
// the Paxos "max accepted value" rule, and serialized append/truncate
// serving. Grounded on the teacher's internal/paxos/proposer.go
// Propose/runPhase1/runPhase2 structure, generalized from a single
// proposal to a slot-range election and a long-lived serving phase.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/group"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/wire"
)

// ErrCoordinatorLost means this Coordinator has been superseded by a
// higher ballot, timed out, or hit a fatal transport error, and must
// be discarded (spec.md §4.3, §7).
var ErrCoordinatorLost = errors.New("coordinator: lost leadership")

// ErrInvalidPosition means a truncate targeted a position beyond the
// coordinator's known end (spec.md §4.3's truncate semantics, I3/I4).
var ErrInvalidPosition = errors.New("coordinator: invalid position")

// ErrNoQuorum means an election could not gather enough promises
// within the retry budget.
var ErrNoQuorum = errors.New("coordinator: could not reach quorum")

var errBallotSuperseded = errors.New("coordinator: ballot superseded")

// electionSlack extends the prepare range beyond the coordinator's
// best guess at end, so an in-flight pre-election accept one slot
// ahead can never win silently (spec.md §4.3's tie-break rule).
const electionSlack = 16

// Coordinator is the write-side actor: one per process wanting to
// append or truncate, backed by a quorum of replicas reached through
// a group.Transport. It is single-use in the sense spec.md §4.3
// describes: once invalid, it must be discarded.
type Coordinator struct {
	selfID     string
	quorumSize int
	transport  group.Transport
	membership group.Membership
	retries    int
	log        zerolog.Logger

	mu      sync.Mutex
	gen     *ballot.Generator
	ballot  ballot.Ballot
	end     position.Position
	elected bool
	valid   bool
}

// New constructs a Coordinator. retries bounds how many times a failed
// election attempt is retried before giving up with ErrNoQuorum, matching
// spec.md §6's Writer(log, timeout, retries=3) default.
func New(selfID string, quorumSize int, transport group.Transport, membership group.Membership, retries int, log zerolog.Logger) *Coordinator {
	if retries <= 0 {
		retries = 3
	}
	return &Coordinator{
		selfID:     selfID,
		quorumSize: quorumSize,
		transport:  transport,
		membership: membership,
		retries:    retries,
		log:        log.With().Str("component", "coordinator").Str("self", selfID).Logger(),
		gen:        ballot.NewGenerator(hashID(selfID), 0),
		valid:      true,
	}
}

// hashID turns a string replica identity into a numeric proposer id
// for ballot tie-breaking; any injective-enough mapping works since
// ballots only need a total order, not a meaningful magnitude.
func hashID(id string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

// Valid reports whether this Coordinator may still be used.
func (c *Coordinator) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// End returns the coordinator's current notion of the log's end,
// valid only after a successful Elect.
func (c *Coordinator) End() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.end
}

// Elect runs spec.md §4.3's steps 1-3: propose an increasing ballot,
// collect a quorum of promises, and fill any gaps the quorum reveals.
// It retries with a freshly observed higher ballot up to c.retries
// times before giving up.
func (c *Coordinator) Elect(ctx context.Context) error {
	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		return ErrCoordinatorLost
	}
	c.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retries)), ctx)

	var lastErr error
	op := func() error {
		err := c.attemptElection(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, errBallotSuperseded) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, bo); err != nil {
		c.mu.Lock()
		c.valid = false
		c.mu.Unlock()
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%w: %v", ErrNoQuorum, lastErr)
	}

	c.mu.Lock()
	c.elected = true
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) attemptElection(ctx context.Context) error {
	peers, err := c.membership.CurrentMembers()
	if err != nil {
		return fmt.Errorf("coordinator: members: %w", err)
	}
	if len(peers) == 0 {
		return fmt.Errorf("coordinator: empty member set")
	}

	guess := c.discoverEnd(ctx, peers)

	c.mu.Lock()
	b := c.gen.Next()
	c.mu.Unlock()

	toSlot := guess + electionSlack + 1
	msg := wire.Promise{Envelope: wire.NewEnvelope(c.selfID), Ballot: b, FromSlot: 1, ToSlot: toSlot}

	replies := group.Broadcast(ctx, c.transport, peers, msg)

	promisedCount := 0
	merged := make(map[position.Position]wire.SlotRecord)
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		switch m := r.Msg.(type) {
		case wire.Promised:
			promisedCount++
			for _, rec := range m.Records {
				if existing, ok := merged[rec.Position]; !ok || rec.Ballot.Greater(existing.Ballot) {
					merged[rec.Position] = rec
				}
			}
		case wire.Nack:
			c.mu.Lock()
			c.gen.Observe(m.Promised.Number)
			c.mu.Unlock()
		case wire.CatchingUp:
			// abstention: neither a vote nor a nack.
		}
	}

	if promisedCount < c.quorumSize {
		return errBallotSuperseded
	}

	c.mu.Lock()
	c.ballot = b
	c.mu.Unlock()

	return c.fillGaps(ctx, peers, merged)
}

// discoverEnd broadcasts a cheap Recover probe (the same inverted
// From>To range reader.Ending uses to read Begin/End without fetching
// entries) and returns the highest end any reachable peer reports.
// Sizing the Promise range off this instead of the coordinator's own
// last-known end means an election over a log a peer has already
// extended well past electionSlack still requests every slot that
// peer might have accepted, instead of silently truncating the
// prepare range and letting a later Append overwrite an already
// learned slot.
func (c *Coordinator) discoverEnd(ctx context.Context, peers []group.Peer) position.Position {
	msg := wire.Recover{Envelope: wire.NewEnvelope(c.selfID), From: position.Zero.Next(), To: position.Zero}
	replies := group.Broadcast(ctx, c.transport, peers, msg)

	var maxEnd position.Position
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		if rr, ok := r.Msg.(wire.RecoverReply); ok && rr.End > maxEnd {
			maxEnd = rr.End
		}
	}
	return maxEnd
}

// fillGaps drives spec.md §4.3 step 3: every slot the quorum reported
// any accepted record for is re-proposed with that record's entry (the
// Paxos max-value rule, since merged already holds the highest-ballot
// record per slot); slots below the highest seen position with no
// record at all are closed out with Nop, since their existence is
// implied by a higher learned position.
func (c *Coordinator) fillGaps(ctx context.Context, peers []group.Peer, merged map[position.Position]wire.SlotRecord) error {
	var maxPos position.Position
	for pos := range merged {
		if pos > maxPos {
			maxPos = pos
		}
	}

	for pos := position.Position(1); pos <= maxPos; pos++ {
		entry := wire.Nop()
		if rec, ok := merged[pos]; ok {
			entry = rec.Entry
		}
		if err := c.driveToLearned(ctx, peers, pos, entry); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.end = maxPos
	c.mu.Unlock()
	return nil
}

// driveToLearned broadcasts Write then Learned for one slot, per
// spec.md §4.3 step 4. It returns errBallotSuperseded if fewer than a
// quorum of peers answer WriteOk, whether because they nacked a higher
// ballot or because they could not be reached.
func (c *Coordinator) driveToLearned(ctx context.Context, peers []group.Peer, pos position.Position, entry wire.Entry) error {
	c.mu.Lock()
	b := c.ballot
	c.mu.Unlock()

	writeMsg := wire.Write{Envelope: wire.NewEnvelope(c.selfID), Ballot: b, Position: pos, Entry: entry}
	replies := group.Broadcast(ctx, c.transport, peers, writeMsg)

	okCount, _ := group.CountQuorum(replies, c.quorumSize, func(m wire.Message) bool {
		_, ok := m.(wire.WriteOk)
		return ok
	})
	for _, r := range replies {
		if r.Err == nil {
			if nack, ok := r.Msg.(wire.Nack); ok {
				c.mu.Lock()
				c.gen.Observe(nack.Promised.Number)
				c.mu.Unlock()
			}
		}
	}
	if okCount < c.quorumSize {
		return errBallotSuperseded
	}

	learnedMsg := wire.Learned{Envelope: wire.NewEnvelope(c.selfID), Position: pos, Entry: entry}
	group.Broadcast(ctx, c.transport, peers, learnedMsg)
	return nil
}

// Append assigns the next position to value and drives it to learned.
// A nil *position.Position with a nil error means the outcome timed
// out and is indeterminate (spec.md §9's three-way result); the caller
// must discard this Coordinator and construct a new one either way,
// since spec.md §5 says timeout always invalidates the coordinator
// even though it never poisons durable storage.
func (c *Coordinator) Append(ctx context.Context, value []byte) (*position.Position, error) {
	return c.serve(ctx, func(pos position.Position) wire.Entry { return wire.Append(value) })
}

// Truncate appends a Truncate(to) entry at the next position. Returns
// ErrInvalidPosition if to is beyond the coordinator's known end.
func (c *Coordinator) Truncate(ctx context.Context, to position.Position) (*position.Position, error) {
	c.mu.Lock()
	end := c.end
	c.mu.Unlock()
	if to > end {
		return nil, ErrInvalidPosition
	}
	return c.serve(ctx, func(pos position.Position) wire.Entry { return wire.Truncate(to) })
}

func (c *Coordinator) serve(ctx context.Context, build func(position.Position) wire.Entry) (*position.Position, error) {
	c.mu.Lock()
	if !c.valid || !c.elected {
		c.mu.Unlock()
		return nil, ErrCoordinatorLost
	}
	pos := c.end.Next()
	c.mu.Unlock()

	peers, err := c.membership.CurrentMembers()
	if err != nil {
		c.invalidate()
		return nil, fmt.Errorf("coordinator: members: %w", err)
	}

	err = c.driveToLearned(ctx, peers, pos, build(pos))
	if err != nil {
		c.invalidate()
		if ctx.Err() != nil {
			return nil, nil
		}
		if errors.Is(err, errBallotSuperseded) {
			return nil, ErrCoordinatorLost
		}
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c.mu.Lock()
	c.end = pos
	c.mu.Unlock()
	return &pos, nil
}

func (c *Coordinator) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
