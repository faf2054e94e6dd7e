package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"time"
)

// maxFrameSize bounds a single decoded frame, guarding against a
// corrupt or hostile length header asking for an unreasonable read.
const maxFrameSize = 64 << 20

func init() {
	gob.Register(Promise{})
	gob.Register(Promised{})
	gob.Register(Nack{})
	gob.Register(CatchingUp{})
	gob.Register(Write{})
	gob.Register(WriteOk{})
	gob.Register(Learned{})
	gob.Register(Ack{})
	gob.Register(Recover{})
	gob.Register(RecoverReply{})
}

// Conn frames Message values onto a reliable byte stream as
// uint32-length-prefixed gob envelopes: len(u32) || gob(Message).
// This is the Go-native realization of the teacher's sketched
// Transport interface (transport.go's commented Envelope/Send/Receive)
// generalized from an in-memory stub to a real socket.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewConn wraps an established net.Conn (typically *net.TCPConn) for
// framed Message exchange.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Send writes one framed message. Safe to call concurrently with
// Receive, not safe to call concurrently with itself.
func (c *Conn) Send(msg Message) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&msg); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return c.w.Flush()
}

// Receive reads one framed message, blocking until one arrives or the
// connection's deadline (set via SetDeadline) elapses.
func (c *Conn) Receive() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	var msg Message
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return msg, nil
}

// SetDeadline forwards to the underlying connection; Receive respects
// it for the caller-supplied per-round timeouts spec.md §5 requires.
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }
