// Package position defines the log's slot index type and its wire
// identity encoding.
package position

import "encoding/binary"

// Position is an opaque, totally ordered, monotonically increasing
// slot index into the log. The zero value, Zero, is reserved as the
// "before beginning" marker and is never a position any entry occupies.
type Position uint64

// Zero is the "before beginning" marker; no entry is ever stored here.
const Zero Position = 0

// Less reports whether p sorts strictly before other.
func (p Position) Less(other Position) bool { return p < other }

// Next returns the position immediately following p.
func (p Position) Next() Position { return p + 1 }

// Identity returns the bit-exact 8-byte big-endian encoding of p, used
// for external persistence and wire exchange.
func (p Position) Identity() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b
}

// FromIdentity reconstructs a Position from the 8 bytes produced by
// Identity. It panics if given fewer than 8 bytes, matching the
// original's CHECK(identity.size() == 8) — callers at the public API
// boundary validate length before calling this.
func FromIdentity(identity []byte) Position {
	return Position(binary.BigEndian.Uint64(identity[:8]))
}
