package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlog/replog/internal/ballot"
	"github.com/quorumlog/replog/internal/position"
	"github.com/quorumlog/replog/internal/wire"
)

func newFileStorage(t *testing.T) (*FileStorage, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "replog.log")
	fs, err := OpenFileStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs, path
}

func TestFileStorageWriteReadLearned(t *testing.T) {
	fs, _ := newFileStorage(t)
	b := ballot.Ballot{Number: 1, ProposerID: 1}
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Write(2, b, wire.Append([]byte("b")), true))

	recs, err := fs.Read(1, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []byte("a"), recs[0].Entry.Value)
	require.Equal(t, []byte("b"), recs[1].Entry.Value)
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replog.log")
	fs, err := OpenFileStorage(path)
	require.NoError(t, err)

	b := ballot.Ballot{Number: 4, ProposerID: 9}
	require.NoError(t, fs.PersistMetadata(b))
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Write(2, b, wire.Append([]byte("b")), true))
	require.NoError(t, fs.Close())

	reopened, err := OpenFileStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	snap := reopened.Snapshot()
	require.Equal(t, b, snap.Promised)
	require.Equal(t, position.Position(2), snap.End)

	recs, err := reopened.Read(1, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []byte("a"), recs[0].Entry.Value)
}

func TestFileStorageDiscardsTornTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replog.log")
	fs, err := OpenFileStorage(path)
	require.NoError(t, err)

	b := ballot.Ballot{Number: 1, ProposerID: 1}
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Close())

	// Simulate a crash mid-append: truncate off the last few bytes of
	// the file so the final record's declared length can't be
	// satisfied.
	info, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-3))
	require.NoError(t, f.Close())

	reopened, err := OpenFileStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	// The torn record is gone; nothing was ever learned.
	_, err = reopened.Read(1, 1)
	require.ErrorIs(t, err, ErrNotYetLearned)
}

func TestFileStorageDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replog.log")
	fs, err := OpenFileStorage(path)
	require.NoError(t, err)

	b := ballot.Ballot{Number: 1, ProposerID: 1}
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Write(2, b, wire.Append([]byte("b")), true))
	require.NoError(t, fs.Close())

	// Flip a byte inside the first record's body without changing the
	// declared length, so the checksum no longer matches a complete
	// frame. This must be reported as corruption, not silently healed.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 12)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFileStorage(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStorageTruncatePrefixCompacts(t *testing.T) {
	fs, path := newFileStorage(t)
	b := ballot.Ballot{Number: 1, ProposerID: 1}
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Write(2, b, wire.Append([]byte("b")), true))
	require.NoError(t, fs.Write(3, b, wire.Append([]byte("c")), true))

	require.NoError(t, fs.TruncatePrefix(2))

	_, err := fs.Read(1, 3)
	require.ErrorIs(t, err, ErrTruncated)

	recs, err := fs.Read(2, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, fs.Close())
	reopened, err := OpenFileStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	snap := reopened.Snapshot()
	require.Equal(t, position.Position(2), snap.Begin)
	recs, err = reopened.Read(2, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestFileStorageIdempotentWrite(t *testing.T) {
	fs, _ := newFileStorage(t)
	b := ballot.Ballot{Number: 1, ProposerID: 1}
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))
	require.NoError(t, fs.Write(1, b, wire.Append([]byte("a")), true))

	recs, err := fs.Read(1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
