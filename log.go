// Package replog implements a quorum-replicated, strongly-consistent,
// crash-safe append-only log: a Go-native rework of the Apache Mesos
// replicated log subsystem. A Log is a handle owned by one process
// participating in (or merely reading from) a replica group of size
// N; open a Reader or a Writer on it to read or append.
package replog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumlog/replog/internal/catchup"
	"github.com/quorumlog/replog/internal/coordinator"
	"github.com/quorumlog/replog/internal/group"
	"github.com/quorumlog/replog/internal/metrics"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/reader"
	"github.com/quorumlog/replog/internal/replica"
	"github.com/quorumlog/replog/internal/storage"
)

// Error kinds returned across the public API (spec.md §7).
var (
	ErrTruncated         = errors.New("replog: position truncated")
	ErrNotYetLearned     = errors.New("replog: position not yet learned")
	ErrInvalidPosition   = errors.New("replog: invalid position")
	ErrTimeout           = errors.New("replog: timed out")
	ErrCoordinatorLost   = errors.New("replog: coordinator lost, open a new Writer")
	ErrStorageCorruption = errors.New("replog: storage corrupt")
	ErrPeerUnavailable   = errors.New("replog: peer unavailable")
)

// Position is an opaque, totally ordered slot index into the log. It
// has no exported fields and no exported constructor other than
// Log.Position, matching the original's private-constructor Position
// type (spec.md §3's supplemented detail): callers never fabricate
// one that skips the log's own bookkeeping.
type Position struct {
	p position.Position
}

// Identity returns the bit-exact 8-byte big-endian encoding of p.
func (p Position) Identity() [8]byte { return p.p.Identity() }

// String renders p for logging/debugging.
func (p Position) String() string { return fmt.Sprintf("%d", uint64(p.p)) }

// Entry pairs a position with its opaque payload, as returned by
// Reader.Read.
type Entry struct {
	Position Position
	Value    []byte
}

// PeerAddr names one replica group member. Addr is only required when
// ListenAddr is set (real TCP transport); it is ignored for an
// in-process Log.
type PeerAddr struct {
	ID   string
	Addr string
}

// Config configures a Log built from a static peer set, the
// supported configuration this module ships (spec.md §6's
// coordination-service variant is satisfied by any group.Membership,
// but only the static set has a public constructor here).
type Config struct {
	SelfID      string
	Peers       []PeerAddr
	StoragePath string // empty selects in-memory storage

	// ListenAddr, when set, starts a real TCP group.Server on this
	// address and routes outbound peer calls through a
	// group.NetTransport instead of the in-process MemoryTransport.
	ListenAddr string

	Log           zerolog.Logger
	CatchupPeriod time.Duration
	Metrics       *metrics.Registry // nil disables metrics
}

// Log is the public handle: it owns exactly one Replica actor and
// constructs Reader/Writer values on demand. Readers and Writers
// borrow the handle but never outlive it (spec.md §5's ownership
// rule).
type Log struct {
	selfID     string
	replica    *replica.Replica
	storage    storage.Storage
	transport  group.Transport
	membership group.Membership
	metrics    *metrics.Registry
	log        zerolog.Logger
	cancel     context.CancelFunc

	listener net.Listener
	net      *group.NetTransport
}

// Open constructs a Log from cfg: a Replica backed by either file or
// in-memory storage, and a Group built from the given static peer
// set. When cfg.ListenAddr is set, peers are reached over real TCP
// connections (group.NetTransport/group.Server); otherwise every
// replica in the process shares one group.MemoryTransport, the mode
// internal/testcluster and this package's own integration tests use.
// Exposes no other surface (spec.md §4.6).
func Open(cfg Config) (*Log, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("replog: Config.SelfID is required")
	}

	var st storage.Storage
	if cfg.StoragePath == "" {
		st = storage.NewMemStorage()
	} else {
		fs, err := storage.OpenFileStorage(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("replog: open storage: %w", err)
		}
		st = fs
	}

	lg := cfg.Log
	r := replica.New(cfg.SelfID, st, lg)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	peers := make([]group.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, group.Peer{ID: p.ID, Addr: p.Addr})
	}
	if !containsID(peers, cfg.SelfID) {
		peers = append(peers, group.Peer{ID: cfg.SelfID})
	}
	membership := group.NewStaticMembership(peers)

	l := &Log{
		selfID:     cfg.SelfID,
		replica:    r,
		storage:    st,
		membership: membership,
		metrics:    cfg.Metrics,
		log:        lg,
		cancel:     cancel,
	}

	if cfg.ListenAddr == "" {
		mem := group.NewMemoryTransport()
		mem.Register(r)
		l.transport = mem
		l.startCatchup(ctx, cfg.CatchupPeriod)
		return l, nil
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("replog: listen %s: %w", cfg.ListenAddr, err)
	}
	srv := group.NewServer(r, lg)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			lg.Warn().Err(err).Msg("group server stopped")
		}
	}()

	nt := group.NewNetTransport(lg)
	l.transport = nt
	l.net = nt
	l.listener = ln
	l.startCatchup(ctx, cfg.CatchupPeriod)
	return l, nil
}

// startCatchup launches the background catch-up loop that pulls any
// entries this replica is missing from a random peer, unless this Log
// is the sole member of its own membership set.
func (l *Log) startCatchup(ctx context.Context, period time.Duration) {
	if len(mustMembers(l.membership)) < 2 {
		return
	}
	loop := catchup.New(l.replica, l.selfID, l.transport, l.membership, period, l.log)
	go loop.Run(ctx)
}

func containsID(peers []group.Peer, id string) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Replica exposes the underlying actor, for callers (e.g. cmd/replogd)
// that need to wire additional transports to it directly.
func (l *Log) Replica() *replica.Replica { return l.replica }

// Transport exposes the underlying group.Transport, for callers that
// need to register peer connections or inject partitions in tests.
func (l *Log) Transport() group.Transport { return l.transport }

// Close releases the Log's resources: stops the replica actor, closes
// its storage, and tears down any network listener/connections.
func (l *Log) Close() error {
	l.cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	if l.net != nil {
		l.net.Close()
	}
	return l.storage.Close()
}

// Position reconstructs a Position from its 8-byte identity, the only
// public way to build one other than receiving it from a Reader or
// Writer call (spec.md §6: Log::position(identity_bytes[8])).
func (l *Log) Position(identity [8]byte) Position {
	return Position{p: position.FromIdentity(identity[:])}
}

// Reader yields a quorum-consulting range reader over this Log.
func (l *Log) Reader() *Reader {
	return &Reader{rd: reader.New(l.selfID, l.transport, l.membership, l.log), metrics: l.metrics}
}

// Writer yields a single-use Writer: timeout bounds every call's
// deadline, retries bounds the election retry budget (default 3).
func (l *Log) Writer(timeout time.Duration, retries int) *Writer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	co := coordinator.New(l.selfID, group.Size(len(mustMembers(l.membership))), l.transport, l.membership, retries, l.log)
	return &Writer{co: co, timeout: timeout, metrics: l.metrics, selfID: l.selfID}
}

func mustMembers(m group.Membership) []group.Peer {
	peers, err := m.CurrentMembers()
	if err != nil {
		return nil
	}
	return peers
}

// Reader serves range reads to clients (spec.md §4.4). It holds no
// durable state and may be used concurrently with a Writer on the
// same Log.
type Reader struct {
	rd      *reader.Reader
	metrics *metrics.Registry
}

// Beginning returns the begin reported by the first reachable member of
// the Log's membership set, in membership order; that member is not
// necessarily the local replica.
func (r *Reader) Beginning(ctx context.Context) (Position, error) {
	p, err := r.rd.Beginning(ctx)
	if err != nil {
		return Position{}, translateReaderErr(err)
	}
	return Position{p: p}, nil
}

// Ending returns the end reported by the first reachable member of the
// Log's membership set, in membership order; that member is not
// necessarily the local replica.
func (r *Reader) Ending(ctx context.Context) (Position, error) {
	p, err := r.rd.Ending(ctx)
	if err != nil {
		return Position{}, translateReaderErr(err)
	}
	return Position{p: p}, nil
}

// Read returns every entry in [from, to], excluding Nop and Truncate
// protocol artifacts (spec.md §4.4).
func (r *Reader) Read(ctx context.Context, from, to Position) ([]Entry, error) {
	entries, err := r.rd.Read(ctx, from.p, to.p)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ReadsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		}
		return nil, translateReaderErr(err)
	}
	if r.metrics != nil {
		r.metrics.ReadsTotal.WithLabelValues("ok").Inc()
	}
	out := make([]Entry, 0, len(entries))
	for _, pe := range entries {
		out = append(out, Entry{Position: Position{p: pe.Position}, Value: pe.Entry.Value})
	}
	return out, nil
}

func translateReaderErr(err error) error {
	switch {
	case errors.Is(err, reader.ErrTruncated):
		return ErrTruncated
	case errors.Is(err, reader.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, storage.ErrCorrupt):
		return ErrStorageCorruption
	case errors.Is(err, group.ErrPeerUnavailable):
		return ErrPeerUnavailable
	default:
		return fmt.Errorf("replog: %w", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, reader.ErrTruncated):
		return "truncated"
	case errors.Is(err, reader.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Writer is the single-use write handle (spec.md §4.3/§6). Per the
// original's doc comment ("only one writer is valid at a time"), a
// Writer permanently latches invalid on its first failed election, its
// first error other than ErrInvalidPosition, or its first indeterminate
// timeout result, and every subsequent call fails fast with
// ErrCoordinatorLost without touching the network again.
type Writer struct {
	co      *coordinator.Coordinator
	timeout time.Duration
	metrics *metrics.Registry
	selfID  string

	invalid bool
	elected bool
}

// Append durably appends value, returning its assigned Position. A
// nil Position with a nil error means the outcome timed out and is
// indeterminate (spec.md §9); the Writer is invalid either way and
// must be discarded in favor of a fresh one.
func (w *Writer) Append(ctx context.Context, value []byte) (*Position, error) {
	return w.do(ctx, func(ctx context.Context) (*position.Position, error) {
		return w.co.Append(ctx, value)
	}, w.countAppend)
}

// Truncate raises the log's begin to to, discarding the readable
// prefix strictly below it.
func (w *Writer) Truncate(ctx context.Context, to Position) (*Position, error) {
	return w.do(ctx, func(ctx context.Context) (*position.Position, error) {
		return w.co.Truncate(ctx, to.p)
	}, w.countTruncate)
}

func (w *Writer) do(ctx context.Context, call func(context.Context) (*position.Position, error), count func(string)) (*Position, error) {
	if w.invalid {
		count("coordinator_lost")
		return nil, ErrCoordinatorLost
	}

	if !w.elected {
		ectx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.co.Elect(ectx)
		cancel()
		if w.metrics != nil {
			w.metrics.ElectionsTotal.WithLabelValues(w.selfID).Inc()
			if err != nil {
				w.metrics.ElectionFailures.WithLabelValues(w.selfID).Inc()
			}
		}
		if err != nil {
			w.invalid = true
			count("coordinator_lost")
			return nil, fmt.Errorf("%w: %v", ErrCoordinatorLost, err)
		}
		w.elected = true
	}

	octx, cancel := context.WithTimeout(ctx, w.timeout)
	pos, err := call(octx)
	cancel()
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidPosition) {
			// A rejected truncate target is a caller mistake, not a
			// coordinator failure: the log's state is unchanged and
			// this Writer remains usable (spec.md §8 scenario 6).
			count("invalid_position")
			return nil, ErrInvalidPosition
		}
		w.invalid = true
		if errors.Is(err, coordinator.ErrCoordinatorLost) {
			count("coordinator_lost")
			return nil, ErrCoordinatorLost
		}
		count("error")
		return nil, fmt.Errorf("replog: %w", err)
	}
	w.invalid = true // a timeout indeterminate (pos==nil) still invalidates.
	if pos == nil {
		count("timeout")
		return nil, nil
	}
	w.invalid = false
	count("ok")
	return &Position{p: *pos}, nil
}

func (w *Writer) countAppend(outcome string) {
	if w.metrics != nil {
		w.metrics.AppendsTotal.WithLabelValues(outcome).Inc()
	}
}

func (w *Writer) countTruncate(outcome string) {
	if w.metrics != nil {
		w.metrics.TruncatesTotal.WithLabelValues(outcome).Inc()
	}
}
