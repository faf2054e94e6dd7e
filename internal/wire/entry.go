package wire

import "github.com/quorumlog/replog/internal/position"

// Kind discriminates the three logical entry types a slot can hold.
// Tagged variants replace the dynamic dispatch the original C++ used
// subclassing for (spec design note: "tagged variants replace dynamic
// dispatch").
type Kind uint8

const (
	// KindAppend is a user payload.
	KindAppend Kind = iota + 1
	// KindTruncate is a tombstone: all positions strictly below To
	// become unreadable once this entry is learned.
	KindTruncate
	// KindNop is filler a new coordinator writes to close out a slot
	// below the highest position its election saw, for which no
	// promising replica reported any accepted record.
	KindNop
)

func (k Kind) String() string {
	switch k {
	case KindAppend:
		return "Append"
	case KindTruncate:
		return "Truncate"
	case KindNop:
		return "Nop"
	default:
		return "Unknown"
	}
}

// Entry is a single logical log record. Value is the opaque payload
// for KindAppend; To is the new begin for KindTruncate; neither is set
// for KindNop.
type Entry struct {
	Kind  Kind
	Value []byte
	To    position.Position
}

// Append constructs a KindAppend entry.
func Append(value []byte) Entry { return Entry{Kind: KindAppend, Value: value} }

// Truncate constructs a KindTruncate entry.
func Truncate(to position.Position) Entry { return Entry{Kind: KindTruncate, To: to} }

// Nop constructs a KindNop entry.
func Nop() Entry { return Entry{Kind: KindNop} }
