package ballot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrdering(t *testing.T) {
	a := Ballot{Number: 1, ProposerID: 1}
	b := Ballot{Number: 1, ProposerID: 2}
	c := Ballot{Number: 2, ProposerID: 1}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.True(t, a.Less(c))
	require.False(t, c.Less(a))
	require.True(t, c.Greater(a))
	require.True(t, Zero.Less(a))
	require.True(t, Zero.IsZero())
	require.False(t, a.IsZero())
}

func TestMax(t *testing.T) {
	a := Ballot{Number: 1, ProposerID: 5}
	b := Ballot{Number: 3, ProposerID: 1}
	require.Equal(t, b, Max(a, b))
	require.Equal(t, b, Max(b, a))
}

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator(42, 0)
	b1 := g.Next()
	b2 := g.Next()
	require.True(t, b1.Less(b2))
	require.Equal(t, uint64(42), b1.ProposerID)

	g.Observe(100)
	b3 := g.Next()
	require.True(t, b3.Number > 100)
}

func TestGeneratorSeeded(t *testing.T) {
	g := NewGenerator(7, 10)
	b := g.Next()
	require.Equal(t, uint64(11), b.Number)
}
