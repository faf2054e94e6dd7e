package group

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/wire"
)

// Server accepts connections from peers and dispatches every received
// message to a local Replica, writing back whatever reply the
// handler produces. One Server fronts exactly one Replica, matching
// spec.md §4.2's "Storage is owned by its Replica actor" ownership
// rule extended to the network boundary.
type Server struct {
	replica *replica.Replica
	log     zerolog.Logger
}

// NewServer returns a Server fronting r.
func NewServer(r *replica.Replica, log zerolog.Logger) *Server {
	return &Server{replica: r, log: log.With().Str("component", "rpc-server").Logger()}
}

// Serve accepts connections on ln until ctx is cancelled or ln is
// closed. Each accepted connection is served by its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("group: accept: %w", err)
		}
		go s.serveConn(ctx, wire.NewConn(raw))
	}
}

func (s *Server) serveConn(ctx context.Context, conn *wire.Conn) {
	defer conn.Close()
	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		reply, err := s.dispatch(ctx, msg)
		if err != nil {
			s.log.Warn().Err(err).Str("from", msg.GetFrom()).Msg("handler error")
			continue
		}
		if err := conn.Send(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case wire.Promise:
		return s.replica.HandlePromise(ctx, m)
	case wire.Write:
		return s.replica.HandleWrite(ctx, m)
	case wire.Learned:
		return s.replica.HandleLearned(ctx, m)
	case wire.Recover:
		return s.replica.HandleRecover(ctx, m)
	default:
		return nil, fmt.Errorf("group: server cannot dispatch %T", msg)
	}
}
