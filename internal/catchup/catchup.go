// Package catchup implements the background recovery loop a lagging
// replica runs (spec.md §4.5): periodically pull a batch of learned
// entries from a random peer and install them directly, trusting only
// entries the peer itself reports as Learned since I2 says a learned
// value never changes.
package catchup

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/group"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/wire"
)

// Batch is the number of slots requested per Recover round.
const Batch = position.Position(64)

// Loop drives one replica's catch-up state. After each round it marks
// the replica catching-up if its end is still below the end the polled
// peer reported, and clears that flag otherwise (or when there is no
// other member to poll).
type Loop struct {
	self       *replica.Replica
	selfID     string
	transport  group.Transport
	membership group.Membership
	interval   time.Duration
	log        zerolog.Logger
}

// New constructs a catch-up Loop for self, polling peers every
// interval.
func New(self *replica.Replica, selfID string, transport group.Transport, membership group.Membership, interval time.Duration, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Loop{
		self:       self,
		selfID:     selfID,
		transport:  transport,
		membership: membership,
		interval:   interval,
		log:        log.With().Str("component", "catchup").Str("self", selfID).Logger(),
	}
}

// Run polls until ctx is cancelled. Intended to be launched in its own
// goroutine, one per replica.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.log.Warn().Err(err).Msg("catch-up round failed")
			}
		}
	}
}

// RunOnce performs a single catch-up round: ask a random peer for the
// next batch beyond our local end, install whatever it reports as
// learned, and update the catching-up flag based on whether we're now
// level with that peer.
func (l *Loop) RunOnce(ctx context.Context) error {
	peers, err := l.membership.CurrentMembers()
	if err != nil {
		return err
	}
	peers = withoutSelf(peers, l.selfID)
	if len(peers) == 0 {
		l.self.SetCatchingUp(false)
		return nil
	}

	snap, err := l.self.Snapshot(ctx)
	if err != nil {
		return err
	}

	peer := peers[rand.IntN(len(peers))]
	from := snap.End.Next()
	to := snap.End + Batch

	msg := wire.Recover{Envelope: wire.NewEnvelope(l.selfID), From: from, To: to}
	reply, err := l.transport.Call(ctx, peer, msg)
	if err != nil {
		// An unreachable peer doesn't mean we're caught up; just try
		// someone else next round.
		return err
	}
	rr, ok := reply.(wire.RecoverReply)
	if !ok {
		return nil
	}

	for _, pe := range rr.Entries {
		learnedMsg := wire.Learned{Envelope: wire.NewEnvelope(l.selfID), Position: pe.Position, Entry: pe.Entry}
		if _, err := l.self.HandleLearned(ctx, learnedMsg); err != nil {
			return err
		}
	}

	newSnap, err := l.self.Snapshot(ctx)
	if err != nil {
		return err
	}
	l.self.SetCatchingUp(newSnap.End < rr.End)
	return nil
}

func withoutSelf(peers []group.Peer, selfID string) []group.Peer {
	out := make([]group.Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != selfID {
			out = append(out, p)
		}
	}
	return out
}
