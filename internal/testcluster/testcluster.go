// Package testcluster is an in-process multi-replica harness used by
// integration tests: it starts N replicas wired through a single
// group.MemoryTransport, exposes partition/heal for split-brain
// scenarios, and hands out ready-to-use Coordinators and Readers.
// Grounded on the teacher's test scaffolding together with
// original_source/src/tests/cluster.hpp's Masters/Slaves
// start/stop/shutdown shape, narrowed from a multi-process Mesos
// cluster down to the single-process actor cluster this module needs.
package testcluster

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/coordinator"
	"github.com/quorumlog/replog/internal/group"
	"github.com/quorumlog/replog/internal/reader"
	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/storage"
)

// Cluster is a fixed set of named replicas sharing one in-memory
// transport.
type Cluster struct {
	Transport *group.MemoryTransport
	Members   *group.StaticMembership
	Replicas  map[string]*replica.Replica

	cancel context.CancelFunc
	log    zerolog.Logger
}

// New starts a Cluster with one replica per id, each backed by a
// fresh in-memory Storage.
func New(log zerolog.Logger, ids ...string) *Cluster {
	ctx, cancel := context.WithCancel(context.Background())
	transport := group.NewMemoryTransport()
	peers := make([]group.Peer, 0, len(ids))
	replicas := make(map[string]*replica.Replica, len(ids))

	for _, id := range ids {
		r := replica.New(id, storage.NewMemStorage(), log)
		r.Start(ctx)
		transport.Register(r)
		replicas[id] = r
		peers = append(peers, group.Peer{ID: id})
	}

	return &Cluster{
		Transport: transport,
		Members:   group.NewStaticMembership(peers),
		Replicas:  replicas,
		cancel:    cancel,
		log:       log,
	}
}

// Shutdown stops every replica's actor goroutine. The Cluster is
// unusable afterward.
func (c *Cluster) Shutdown() { c.cancel() }

// Kill removes a replica from the transport, simulating a crash: its
// actor goroutine keeps running but nothing can reach it anymore.
func (c *Cluster) Kill(id string) { c.Transport.Unregister(id) }

// Revive re-registers a previously killed replica's existing actor,
// preserving whatever state it accumulated before the kill.
func (c *Cluster) Revive(id string) {
	if r, ok := c.Replicas[id]; ok {
		c.Transport.Register(r)
	}
}

// Partition blocks delivery in both directions between a and b until
// Heal is called, simulating a network split (spec.md §8 scenario 5).
func (c *Cluster) Partition(a, b string) { c.Transport.Partition(a, b) }

// Heal restores delivery between a and b.
func (c *Cluster) Heal(a, b string) { c.Transport.Heal(a, b) }

// Coordinator returns a new Coordinator for selfID, sized to this
// cluster's quorum.
func (c *Cluster) Coordinator(selfID string, retries int) *coordinator.Coordinator {
	return coordinator.New(selfID, group.Size(len(c.Replicas)), c.Transport, c.Members, retries, c.log)
}

// Reader returns a new Reader against this cluster.
func (c *Cluster) Reader(selfID string) *reader.Reader {
	return reader.New(selfID, c.Transport, c.Members, c.log)
}
