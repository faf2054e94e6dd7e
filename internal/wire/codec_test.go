package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
)

func TestConnSendReceiveRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	want := Write{
		Envelope: NewEnvelope("node-a"),
		Ballot:   ballot.Ballot{Number: 3, ProposerID: 1},
		Position: position.Position(7),
		Entry:    Append([]byte("hello")),
	}

	done := make(chan error, 1)
	go func() { done <- cc.Send(want) }()

	got, err := sc.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)

	w, ok := got.(Write)
	require.True(t, ok)
	require.Equal(t, want.From, w.From)
	require.Equal(t, want.Ballot, w.Ballot)
	require.Equal(t, want.Position, w.Position)
	require.Equal(t, want.Entry, w.Entry)
}

func TestConnRoundTripsAllMessageKinds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	cc := NewConn(client)
	sc := NewConn(server)

	msgs := []Message{
		Promise{Envelope: NewEnvelope("a"), Ballot: ballot.Ballot{Number: 1, ProposerID: 1}, FromSlot: 1, ToSlot: 10},
		Promised{Envelope: NewEnvelope("b"), Ballot: ballot.Ballot{Number: 1, ProposerID: 1}},
		Nack{Envelope: NewEnvelope("c"), Requested: ballot.Ballot{Number: 1}, Promised: ballot.Ballot{Number: 2}},
		CatchingUp{Envelope: NewEnvelope("d"), End: 5},
		WriteOk{Envelope: NewEnvelope("e"), Position: 2},
		Learned{Envelope: NewEnvelope("f"), Position: 2, Entry: Nop()},
		Ack{Envelope: NewEnvelope("g"), Position: 2},
		Recover{Envelope: NewEnvelope("h"), From: 1, To: 2},
		RecoverReply{Envelope: NewEnvelope("i"), Begin: 1, End: 2},
	}

	for _, m := range msgs {
		errc := make(chan error, 1)
		go func(m Message) { errc <- cc.Send(m) }(m)
		got, err := sc.Receive()
		require.NoError(t, err)
		require.NoError(t, <-errc)
		require.Equal(t, m.GetFrom(), got.GetFrom())
	}
}
