package actorutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallSettlesOnce(t *testing.T) {
	c := NewCall[int]()
	require.Equal(t, Pending, c.State())

	c.Settle(42, nil)
	require.Equal(t, Done, c.State())

	c.Settle(99, errors.New("too late"))
	v, err := c.Result()
	require.Equal(t, 42, v)
	require.NoError(t, err)
}

func TestCallAwaitReturnsSettledValue(t *testing.T) {
	c := NewCall[string]()
	go c.Settle("hello", nil)

	v, err := c.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestCallAwaitReturnsErrorOnCancel(t *testing.T) {
	c := NewCall[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Discarded, c.State())
}

func TestCallDiscardIgnoresLateSettle(t *testing.T) {
	c := NewCall[int]()
	c.Discard()
	require.Equal(t, Discarded, c.State())

	c.Settle(7, nil)
	v, err := c.Result()
	require.Equal(t, 0, v)
	require.NoError(t, err)
	require.Equal(t, Discarded, c.State())
}

func TestCallToChannelAlreadySettledClosesImmediately(t *testing.T) {
	c := NewCall[int]()
	c.Settle(5, nil)

	select {
	case <-c.ToChannel():
	case <-time.After(time.Second):
		t.Fatal("ToChannel on an already-settled call should close immediately")
	}
}
