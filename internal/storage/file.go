package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/wire"
)

// Record tags, per spec.md §6's on-disk format. The tag distinguishes
// the five record shapes that ever hit disk.
const (
	tagAppend           byte = 1
	tagTruncate         byte = 2
	tagNop              byte = 3
	tagPromiseOnly      byte = 4
	tagCompactionMarker byte = 5
)

// FileStorage is the durable, crash-safe Storage implementation:
// append-only framed records on disk plus an in-memory mirror for fast
// reads, per spec.md §4.1's "crash-safe record layout" algorithm.
// Compaction during TruncatePrefix rewrites the file and renames it
// into place, grounded on the length-prefixed, checksummed framing
// visible in the pack's WAL examples
// (other_examples/...dreamsxin-wal__wal.go, .../torn-write-recovery...).
//
// All disk writes serialize through the single goroutine that owns
// this Storage (spec.md §5): FileStorage itself only needs a mutex to
// protect the in-memory mirror against concurrent reads from Recover-
// style snapshot calls.
type FileStorage struct {
	mu   sync.RWMutex
	path string
	file *os.File

	promised ballot.Ballot
	begin    position.Position
	end      position.Position
	slots    map[position.Position]SlotRecord
}

// OpenFileStorage opens (creating if absent) the durable store at
// path and replays it to reconstruct begin/end/promised.
func OpenFileStorage(path string) (*FileStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	fs := &FileStorage{
		path:  path,
		file:  f,
		slots: make(map[position.Position]SlotRecord),
	}
	if err := fs.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// recover scans the backing file forward, replaying every complete
// record into the in-memory mirror. A trailing partial record (torn
// write from a crash mid-append) is silently discarded. A complete
// record whose checksum does not match is corruption and is fatal
// (wrapped in ErrCorrupt; callers should abort the process rather than
// proceed, per spec.md §4.1's failure semantics).
func (fs *FileStorage) recover() error {
	if _, err := fs.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("storage: seek: %w", err)
	}
	r := io.Reader(fs.file)
	offset := int64(0)
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err == errTornWrite {
			// Crash mid-append; discard the trailing bytes by
			// truncating the file to the last known-good offset.
			if truncErr := fs.file.Truncate(offset); truncErr != nil {
				return fmt.Errorf("storage: truncate torn write: %w", truncErr)
			}
			break
		}
		if err != nil {
			return errors.WithStack(fmt.Errorf("%w: %v", ErrCorrupt, err))
		}
		offset += n
		fs.applyRecord(rec)
	}
	if _, err := fs.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: seek end: %w", err)
	}
	return nil
}

func (fs *FileStorage) applyRecord(rec decodedRecord) {
	switch rec.tag {
	case tagPromiseOnly:
		fs.promised = rec.ballot
	case tagCompactionMarker:
		// Marks the start of a compacted file; its position field
		// carries the begin the compaction advanced to, so a reopen
		// restores durable begin instead of defaulting to 0.
		fs.begin = rec.pos
	default:
		sr := SlotRecord{
			Position: rec.pos,
			Ballot:   rec.ballot,
			Entry:    decodeEntry(rec.tag, rec.payload),
			Learned:  rec.learned,
		}
		fs.slots[rec.pos] = sr
		if sr.Learned && rec.pos > fs.end {
			fs.end = rec.pos
		}
	}
}

func decodeEntry(tag byte, payload []byte) wire.Entry {
	switch tag {
	case tagAppend:
		return wire.Append(payload)
	case tagTruncate:
		return wire.Truncate(position.FromIdentity(payload))
	case tagNop:
		return wire.Nop()
	default:
		return wire.Entry{}
	}
}

func entryTag(e wire.Entry) byte {
	switch e.Kind {
	case wire.KindAppend:
		return tagAppend
	case wire.KindTruncate:
		return tagTruncate
	default:
		return tagNop
	}
}

func entryPayload(e wire.Entry) []byte {
	switch e.Kind {
	case wire.KindAppend:
		return e.Value
	case wire.KindTruncate:
		id := e.To.Identity()
		return id[:]
	default:
		return nil
	}
}

func (fs *FileStorage) PersistMetadata(promised ballot.Ballot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.appendRecord(decodedRecord{tag: tagPromiseOnly, ballot: promised}); err != nil {
		return err
	}
	if err := fs.sync(); err != nil {
		return err
	}
	fs.promised = promised
	return nil
}

func (fs *FileStorage) Write(pos position.Position, b ballot.Ballot, entry wire.Entry, learned bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if existing, ok := fs.slots[pos]; ok && existing.Learned && learned &&
		existing.Ballot == b && entriesEqual(existing.Entry, entry) {
		return nil // idempotent replay of an already-learned slot
	}

	rec := decodedRecord{
		tag:     entryTag(entry),
		pos:     pos,
		ballot:  b,
		learned: learned,
		payload: entryPayload(entry),
	}
	if err := fs.appendRecord(rec); err != nil {
		return err
	}
	wasLearned := fs.slots[pos].Learned
	if learned && !wasLearned {
		if err := fs.sync(); err != nil {
			return err
		}
	}
	fs.slots[pos] = SlotRecord{Position: pos, Ballot: b, Entry: copyEntry(entry), Learned: learned}
	if learned && pos > fs.end {
		fs.end = pos
	}
	return nil
}

func entriesEqual(a, b wire.Entry) bool {
	if a.Kind != b.Kind || a.To != b.To {
		return false
	}
	if len(a.Value) != len(b.Value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

func (fs *FileStorage) RecordAt(pos position.Position) (SlotRecord, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.slots[pos]
	if ok {
		rec.Entry = copyEntry(rec.Entry)
	}
	return rec, ok
}

func (fs *FileStorage) RecordsInRange(from, to position.Position) []SlotRecord {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []SlotRecord
	for pos, rec := range fs.slots {
		if pos < from || pos >= to {
			continue
		}
		rec.Entry = copyEntry(rec.Entry)
		out = append(out, rec)
	}
	sortSlotRecords(out)
	return out
}

func (fs *FileStorage) Read(from, to position.Position) ([]SlotRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if from < fs.begin {
		return nil, ErrTruncated
	}
	if to > fs.end {
		return nil, ErrNotYetLearned
	}
	var out []SlotRecord
	for pos := from; pos <= to; pos++ {
		rec, ok := fs.slots[pos]
		if !ok || !rec.Learned {
			continue
		}
		rec.Entry = copyEntry(rec.Entry)
		out = append(out, rec)
	}
	return out, nil
}

// TruncatePrefix reclaims storage strictly below to and durably
// advances begin. It compacts the backing file: every surviving
// record is rewritten to a fresh temp file behind a CompactionMarker,
// fsynced, then renamed into place — the rename is the durability
// boundary, matching the teacher's "compaction guarded by a marker
// record" design (storage.go's commented extension point).
func (fs *FileStorage) TruncatePrefix(to position.Position) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if to <= fs.begin {
		return nil
	}
	newBegin := to

	tmpPath := fs.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open compaction temp file: %w", err)
	}

	if err := writeRecord(tmp, decodedRecord{tag: tagCompactionMarker, pos: newBegin}); err != nil {
		tmp.Close()
		return err
	}
	if err := writeRecord(tmp, decodedRecord{tag: tagPromiseOnly, ballot: fs.promised}); err != nil {
		tmp.Close()
		return err
	}
	kept := make(map[position.Position]SlotRecord, len(fs.slots))
	for pos, rec := range fs.slots {
		if pos < newBegin {
			continue
		}
		if err := writeRecord(tmp, decodedRecord{
			tag:     entryTag(rec.Entry),
			pos:     pos,
			ballot:  rec.Ballot,
			learned: rec.Learned,
			payload: entryPayload(rec.Entry),
		}); err != nil {
			tmp.Close()
			return err
		}
		kept[pos] = rec
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close compaction file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("storage: rename compaction file into place: %w", err)
	}

	if err := fs.file.Close(); err != nil {
		return fmt.Errorf("storage: close old file handle: %w", err)
	}
	f, err := os.OpenFile(fs.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("storage: reopen compacted file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("storage: seek compacted file: %w", err)
	}
	fs.file = f
	fs.slots = kept
	fs.begin = newBegin
	return nil
}

func (fs *FileStorage) Snapshot() Snapshot {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return Snapshot{Begin: fs.begin, End: fs.end, Promised: fs.promised}
}

func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

func (fs *FileStorage) appendRecord(rec decodedRecord) error {
	if _, err := fs.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: seek end: %w", err)
	}
	return writeRecord(fs.file, rec)
}

func (fs *FileStorage) sync() error {
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	return nil
}

// decodedRecord is the in-memory shape of one framed on-disk record:
// len(u32) || checksum(u32) || position(u64) || ballot(u64,u64) ||
// tag(u8) || learned(u8) || payload-bytes.
type decodedRecord struct {
	pos     position.Position
	ballot  ballot.Ballot
	tag     byte
	learned bool
	payload []byte
}

var errTornWrite = errors.New("storage: torn write")

func writeRecord(w io.Writer, rec decodedRecord) error {
	body := make([]byte, 0, 8+8+8+1+1+len(rec.payload))
	body = appendUint64(body, uint64(rec.pos))
	body = appendUint64(body, rec.ballot.Number)
	body = appendUint64(body, rec.ballot.ProposerID)
	body = append(body, rec.tag)
	if rec.learned {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = append(body, rec.payload...)

	checksum := crc32.ChecksumIEEE(body)
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(header[4:8], checksum)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("storage: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("storage: write body: %w", err)
	}
	return nil
}

// readRecord reads one framed record from r. It returns errTornWrite
// when fewer bytes are available than the frame declares (a crash
// mid-append); it returns a wrapped error for a checksum mismatch on a
// complete frame (real corruption).
func readRecord(r io.Reader) (decodedRecord, int64, error) {
	header := make([]byte, 8)
	n, err := io.ReadFull(r, header)
	if err == io.EOF {
		return decodedRecord{}, 0, io.EOF
	}
	if err != nil {
		return decodedRecord{}, int64(n), errTornWrite
	}
	length := binary.BigEndian.Uint32(header[0:4])
	checksum := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	bn, err := io.ReadFull(r, body)
	if err != nil {
		return decodedRecord{}, int64(8 + bn), errTornWrite
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return decodedRecord{}, int64(8 + bn), fmt.Errorf("checksum mismatch")
	}
	if len(body) < 26 {
		return decodedRecord{}, int64(8 + bn), fmt.Errorf("record body too short")
	}
	rec := decodedRecord{
		pos:     position.Position(binary.BigEndian.Uint64(body[0:8])),
		ballot:  ballot.Ballot{Number: binary.BigEndian.Uint64(body[8:16]), ProposerID: binary.BigEndian.Uint64(body[16:24])},
		tag:     body[24],
		learned: body[25] == 1,
		payload: append([]byte(nil), body[26:]...),
	}
	return rec, int64(8 + bn), nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func sortSlotRecords(recs []SlotRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })
}
