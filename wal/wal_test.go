package wal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/INLOpen/nexusdup/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPartition = core.PartitionID{AppID: 2, PartitionIndex: 1}

// Helper to create WAL options for testing.
func testWALOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Dir:            dir,
		Partition:      testPartition,
		SyncMode:       SyncDisabled, // Use SyncDisabled for performance in tests
		MaxSegmentSize: 64 * 1024,    // 64KB, small for testing rotation
		LockTimeout:    50 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testMutation(decree core.Decree, payloadSize int) *core.Mutation {
	return &core.Mutation{
		Ballot:              3,
		Decree:              decree,
		Partition:           testPartition,
		LastCommittedDecree: decree - 1,
		Timestamp:           uint64(1_700_000_000_000_000 + decree),
		Updates: []core.MutationUpdate{
			{Code: 7, Payload: []byte(fmt.Sprintf("%0*d", payloadSize, decree))},
		},
	}
}

func appendRange(t *testing.T, w *WAL, from, to core.Decree, payloadSize int) {
	t.Helper()
	futures := make([]*AppendFuture, 0, to-from+1)
	for d := from; d <= to; d++ {
		futures = append(futures, w.Append(testMutation(d, payloadSize)))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestOpenWAL_New(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err, "Opening a new WAL should not fail")
	defer w.Close()

	assert.Equal(t, uint64(1), w.ActiveSegmentIndex(), "A new WAL should start with segment index 1")
	assert.Equal(t, core.InvalidDecree, w.LastDecree())
	assert.Equal(t, core.InvalidDecree, w.MaxCommitOnDisk())
	require.Len(t, w.Segments(), 1)
	assert.Equal(t, core.Decree(1), w.Segments()[0].StartDecree)
	assert.Equal(t, testPartition, w.Partition())
}

func TestWAL_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	appendRange(t, w, 1, 10, 16)
	assert.Equal(t, core.Decree(10), w.LastDecree())
	assert.Equal(t, core.Decree(9), w.MaxCommitOnDisk())
	require.NoError(t, w.Close())

	w2, err := Open(opts)
	require.NoError(t, err, "Re-opening WAL should succeed")
	defer w2.Close()

	info := w2.Recovery()
	assert.Equal(t, 10, info.Entries)
	assert.Equal(t, core.Decree(10), info.LastDecree)
	assert.Equal(t, core.Decree(9), info.MaxCommitDecree)
	assert.Zero(t, info.TruncatedBytes)
	assert.Equal(t, core.Decree(10), w2.LastDecree())
	assert.Equal(t, uint64(2), w2.ActiveSegmentIndex(), "appending resumes in a fresh segment")
	assert.Equal(t, core.Decree(11), w2.Segments()[1].StartDecree)

	appendRange(t, w2, 11, 12, 16)
	assert.Equal(t, core.Decree(12), w2.LastDecree())
}

func TestWAL_ReopenEmptyReusesSegment(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(1), w2.ActiveSegmentIndex())
	assert.Len(t, w2.Segments(), 1)
}

func TestWAL_RejectsOutOfOrderDecree(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendSync(context.Background(), testMutation(5, 8)))
	err = w.AppendSync(context.Background(), testMutation(5, 8))
	assert.ErrorIs(t, err, core.ErrDecreeOutOfOrder)
	err = w.AppendSync(context.Background(), testMutation(3, 8))
	assert.ErrorIs(t, err, core.ErrDecreeOutOfOrder)

	require.NoError(t, w.AppendSync(context.Background(), testMutation(6, 8)))
	assert.Equal(t, core.Decree(6), w.LastDecree())
}

func TestWAL_RejectsForeignPartition(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	m := testMutation(1, 8)
	m.Partition = core.PartitionID{AppID: 9, PartitionIndex: 9}
	assert.ErrorIs(t, w.AppendSync(context.Background(), m), core.ErrPartitionMismatch)
}

func TestWAL_RecordTooLarge(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 256
	w, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()

	err = w.AppendSync(context.Background(), testMutation(1, 512))
	assert.ErrorIs(t, err, core.ErrRecordTooLarge)
	assert.Equal(t, core.InvalidDecree, w.LastDecree())
}

func TestWAL_RotationBySize(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 2048
	hm := hooks.NewHookManager(nil)
	var rotations atomic.Int32
	hm.Register(hooks.EventPostWALRotate, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		rotations.Add(1)
		return nil
	}))
	opts.HookManager = hm

	w, err := Open(opts)
	require.NoError(t, err)
	appendRange(t, w, 1, 200, 100)

	segments := w.Segments()
	require.Greater(t, len(segments), 5)
	for i := 1; i < len(segments); i++ {
		assert.Greater(t, segments[i].Index, segments[i-1].Index)
		assert.Greater(t, segments[i].StartDecree, segments[i-1].StartDecree)
		stat, err := os.Stat(segments[i-1].Path)
		require.NoError(t, err)
		assert.LessOrEqual(t, stat.Size(), opts.MaxSegmentSize)
	}
	assert.Equal(t, int32(len(segments)-1), rotations.Load())
	require.NoError(t, w.Close())

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, 200, w2.Recovery().Entries)
	assert.Equal(t, core.Decree(200), w2.LastDecree())
}

func TestWAL_ManualRotate(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	appendRange(t, w, 1, 3, 8)
	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(2), w.ActiveSegmentIndex())
	assert.Equal(t, core.Decree(4), w.Segments()[1].StartDecree)
	require.NoError(t, w.Sync())
}

func TestWAL_RecoveryTruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)
	var recovered hooks.PostWALRecoveryPayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostWALRecovery, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		recovered = event.Payload().(hooks.PostWALRecoveryPayload)
		return nil
	}))

	w, err := Open(opts)
	require.NoError(t, err)
	appendRange(t, w, 1, 5, 32)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FormatSegmentFileName(1))
	before, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0xAA, 0xBB})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	opts.HookManager = hm
	w2, err := Open(opts)
	require.NoError(t, err, "a torn tail in the last segment is recoverable")
	defer w2.Close()

	assert.Equal(t, int64(6), w2.Recovery().TruncatedBytes)
	assert.Equal(t, path, w2.Recovery().TruncatedPath)
	assert.Equal(t, core.Decree(5), w2.LastDecree())
	assert.Equal(t, int64(6), recovered.TruncatedBytes)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
}

func TestWAL_RecoveryTruncatesChecksumFailureAtTail(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	appendRange(t, w, 1, 3, 32)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FormatSegmentFileName(1))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	recordSize := (stat.Size() - SegmentHeaderSize) / 3
	flipByte(t, path, SegmentHeaderSize+2*recordSize+int64(core.RecordLengthSize)+1)

	w2, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, recordSize, w2.Recovery().TruncatedBytes)
	assert.Equal(t, core.Decree(2), w2.LastDecree())
}

func TestWAL_CorruptionInSealedSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)

	w, err := Open(opts)
	require.NoError(t, err)
	appendRange(t, w, 1, 5, 32)
	require.NoError(t, w.Rotate())
	appendRange(t, w, 6, 10, 32)
	require.NoError(t, w.Close())

	flipByte(t, filepath.Join(dir, FormatSegmentFileName(1)), SegmentHeaderSize+int64(core.RecordLengthSize)+3)

	_, err = Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsCorruption(err), "expected corruption error, got %v", err)
}

func TestWAL_WaitForDecreeAndCommitted(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- w.WaitForDecree(context.Background(), 3)
	}()
	select {
	case <-waitErr:
		t.Fatal("WaitForDecree returned before the decree was appended")
	case <-time.After(20 * time.Millisecond):
	}
	appendRange(t, w, 1, 3, 8)
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForDecree did not wake up")
	}

	// Decree 3 carries last committed decree 2.
	assert.Equal(t, core.Decree(2), w.MaxCommitOnDisk())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.WaitForCommitted(ctx, 3), context.DeadlineExceeded)

	w.UpdateMaxCommitOnDisk(3)
	require.NoError(t, w.WaitForCommitted(context.Background(), 3))
	w.UpdateMaxCommitOnDisk(1)
	assert.Equal(t, core.Decree(3), w.MaxCommitOnDisk(), "watermark never moves backwards")
}

func TestWAL_CloseWakesWaiters(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- w.WaitForDecree(context.Background(), 100)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, core.ErrLogClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	_, err = w.Append(testMutation(1, 8)).Wait(context.Background())
	assert.ErrorIs(t, err, core.ErrLogClosed)
	assert.ErrorIs(t, w.Rotate(), core.ErrLogClosed)
	assert.NoError(t, w.Close(), "Close is idempotent")
}

func TestWAL_PreAppendHookRejects(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreWALAppend, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		if event.Payload().(hooks.PreWALAppendPayload).Mutation.Decree == 2 {
			return fmt.Errorf("decree 2 is blocked")
		}
		return nil
	}))
	opts.HookManager = hm
	w, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendSync(context.Background(), testMutation(1, 8)))
	assert.Error(t, w.AppendSync(context.Background(), testMutation(2, 8)))
	assert.Equal(t, core.Decree(1), w.LastDecree())
}

func TestWAL_Purge(t *testing.T) {
	w, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		appendRange(t, w, core.Decree(i*2+1), core.Decree(i*2+2), 8)
		require.NoError(t, w.Rotate())
	}
	require.Len(t, w.Segments(), 4)

	require.NoError(t, w.Purge(2))
	segments := w.Segments()
	require.Len(t, segments, 2)
	assert.Equal(t, uint64(3), segments[0].Index)
	_, err = os.Stat(filepath.Join(w.Dir(), FormatSegmentFileName(1)))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w.Purge(100))
	segments = w.Segments()
	require.Len(t, segments, 1, "the active segment is never purged")
	assert.Equal(t, w.ActiveSegmentIndex(), segments[0].Index)
}

func TestWAL_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)
	w, err := Open(opts)
	require.NoError(t, err)

	_, err = Open(opts)
	assert.ErrorIs(t, err, sys.ErrLocked)

	require.NoError(t, w.Close())
	w2, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestWAL_ForeignSegmentRejected(t *testing.T) {
	dir := t.TempDir()
	opts := testWALOptions(t, dir)
	w, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	opts.Partition = core.PartitionID{AppID: 5, PartitionIndex: 5}
	_, err = Open(opts)
	assert.ErrorIs(t, err, core.ErrPartitionMismatch)
}

func flipByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}
