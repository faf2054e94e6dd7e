package group

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/wire"
)

// NetTransport is the real Transport: one framed TCP connection per
// peer, dialed lazily and reused across calls, generalizing the
// teacher's Transport interface from its in-memory-only sketch to an
// actual socket implementation (spec.md §6's "message-oriented RPC
// over reliable streams").
type NetTransport struct {
	mu    sync.Mutex
	conns map[string]*wire.Conn
	log   zerolog.Logger

	dialTimeout time.Duration
}

// NewNetTransport returns a NetTransport that dials peers on demand.
func NewNetTransport(log zerolog.Logger) *NetTransport {
	return &NetTransport{
		conns:       make(map[string]*wire.Conn),
		log:         log,
		dialTimeout: 5 * time.Second,
	}
}

// Call sends msg to peer over a (possibly freshly dialed) connection
// and returns the next message read from that connection, respecting
// ctx's deadline. The reply is not matched against msg's correlation ID.
func (t *NetTransport) Call(ctx context.Context, peer Peer, msg wire.Message) (wire.Message, error) {
	conn, err := t.connFor(peer)
	if err != nil {
		return nil, wrapUnavailable(peer, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := conn.Send(msg); err != nil {
		t.drop(peer.ID)
		return nil, wrapUnavailable(peer, err)
	}
	reply, err := conn.Receive()
	if err != nil {
		t.drop(peer.ID)
		return nil, wrapUnavailable(peer, err)
	}
	return reply, nil
}

func (t *NetTransport) connFor(peer Peer) (*wire.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[peer.ID]; ok {
		return c, nil
	}
	if peer.Addr == "" {
		return nil, fmt.Errorf("group: peer %s has no address", peer.ID)
	}
	raw, err := net.DialTimeout("tcp", peer.Addr, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer.Addr, err)
	}
	c := wire.NewConn(raw)
	t.conns[peer.ID] = c
	return c, nil
}

func (t *NetTransport) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		c.Close()
		delete(t.conns, id)
	}
}

// Close tears down every cached connection.
func (t *NetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		c.Close()
		delete(t.conns, id)
	}
	return nil
}
