package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/wal"
	"github.com/stretchr/testify/require"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenLog opens a partition log in dir with small segments and no fsync. The
// log is closed when the test ends.
func OpenLog(t testing.TB, dir string, pid core.PartitionID, maxSegmentSize int64) *wal.WAL {
	t.Helper()
	w, err := wal.Open(wal.Options{
		Dir:            dir,
		Partition:      pid,
		SyncMode:       wal.SyncDisabled,
		MaxSegmentSize: maxSegmentSize,
		LockTimeout:    100 * time.Millisecond,
		Logger:         DiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// Mutation builds a one-update mutation whose payload encodes its decree.
// LastCommittedDecree trails the decree by one, as written by a primary.
func Mutation(pid core.PartitionID, decree core.Decree, payloadSize int) *core.Mutation {
	return &core.Mutation{
		Ballot:              1,
		Decree:              decree,
		Partition:           pid,
		LastCommittedDecree: decree - 1,
		Timestamp:           uint64(1_700_000_000_000_000 + decree),
		Updates: []core.MutationUpdate{
			{Code: 1, Payload: []byte(fmt.Sprintf("%0*d", payloadSize, decree))},
		},
	}
}

// AppendRange appends mutations from..to and waits until all of them are durable.
func AppendRange(t testing.TB, w *wal.WAL, from, to core.Decree, payloadSize int) {
	t.Helper()
	futures := make([]*wal.AppendFuture, 0, to-from+1)
	for d := from; d <= to; d++ {
		futures = append(futures, w.Append(Mutation(w.Partition(), d, payloadSize)))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
}

// AppendCommitPoint appends an empty mutation at decree, which advertises
// everything before it as committed.
func AppendCommitPoint(t testing.TB, w *wal.WAL, decree core.Decree) {
	t.Helper()
	err := w.AppendSync(context.Background(), &core.Mutation{
		Ballot:              1,
		Decree:              decree,
		Partition:           w.Partition(),
		LastCommittedDecree: decree - 1,
		Updates:             []core.MutationUpdate{{Code: core.OpCodeEmpty}},
	})
	require.NoError(t, err)
}

// ListSegmentFiles returns the paths of the segment files in dir, sorted by name.
func ListSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// RequireSegments fails the test unless dir holds at least min segment files.
func RequireSegments(t testing.TB, dir string, min int) []string {
	t.Helper()
	files, err := ListSegmentFiles(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), min, "expected at least %d segment files in %s", min, dir)
	return files
}

// CorruptRecord flips the first payload byte of the record holding decree so
// its checksum no longer matches. It returns the path of the damaged segment.
func CorruptRecord(t testing.TB, dir string, decree core.Decree) string {
	t.Helper()
	paths, err := ListSegmentFiles(dir)
	require.NoError(t, err)
	for _, path := range paths {
		offset, found := findRecord(t, path, decree)
		if !found {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		require.NoError(t, err)
		defer f.Close()
		b := make([]byte, 1)
		_, err = f.ReadAt(b, offset+core.RecordLengthSize)
		require.NoError(t, err)
		b[0] ^= 0xFF
		_, err = f.WriteAt(b, offset+core.RecordLengthSize)
		require.NoError(t, err)
		return path
	}
	require.FailNow(t, "decree not found in any segment", "decree %d in %s", decree, dir)
	return ""
}

func findRecord(t testing.TB, path string, decree core.Decree) (int64, bool) {
	t.Helper()
	sr, err := wal.OpenSegmentForRead(path)
	require.NoError(t, err)
	defer sr.Close()
	for {
		offset := sr.Offset()
		payload, err := sr.ReadRecord()
		if err != nil {
			return 0, false
		}
		m, err := wal.DecodeMutation(payload)
		require.NoError(t, err)
		if m.Decree == decree {
			return offset, true
		}
	}
}
