package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pid = core.PartitionID{AppID: 1, PartitionIndex: 0}

func mutation(decree core.Decree) *core.Mutation {
	return &core.Mutation{
		Ballot:              1,
		Decree:              decree,
		Partition:           pid,
		LastCommittedDecree: decree - 1,
		Updates:             []core.MutationUpdate{{Code: 1, Payload: []byte(fmt.Sprintf("value-%06d", decree))}},
	}
}

func openLog(t *testing.T, dir string, maxSegmentSize int64) *wal.WAL {
	t.Helper()
	w, err := wal.Open(wal.Options{
		Dir:            dir,
		Partition:      pid,
		SyncMode:       wal.SyncDisabled,
		MaxSegmentSize: maxSegmentSize,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func appendRange(t *testing.T, w *wal.WAL, from, to core.Decree) {
	t.Helper()
	for d := from; d <= to; d++ {
		require.NoError(t, w.AppendSync(context.Background(), mutation(d)))
	}
}

// frame builds the on-disk bytes of one record.
func frame(m *core.Mutation) []byte {
	payload := wal.EncodeMutation(nil, m)
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(payload))
}

func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 64*1024)
	appendRange(t, w, 1, 3)
	require.NoError(t, w.Rotate())
	appendRange(t, w, 4, 6)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000099.wal"), []byte("short"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "00000100.wal"), 0755))

	files, err := ListSegments(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, uint64(1), files[0].Index)
	assert.Equal(t, core.Decree(1), files[0].StartDecree)
	assert.Equal(t, uint64(2), files[1].Index)
	assert.Equal(t, core.Decree(4), files[1].StartDecree)
	assert.Equal(t, pid, files[1].Partition)
	assert.Greater(t, files[0].Size, wal.SegmentHeaderSize)

	_, err = ListSegments(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFindSegmentContaining(t *testing.T) {
	other := core.PartitionID{AppID: 9, PartitionIndex: 9}
	files := []SegmentFile{
		{Index: 3, StartDecree: 100, Partition: pid},
		{Index: 4, StartDecree: 200, Partition: pid},
		{Index: 5, StartDecree: 150, Partition: other},
		{Index: 6, StartDecree: 300, Partition: pid},
	}

	testCases := []struct {
		name   string
		decree core.Decree
		want   uint64
		found  bool
	}{
		{"before first segment", 99, 0, false},
		{"first start", 100, 3, true},
		{"inside first", 199, 3, true},
		{"second start", 200, 4, true},
		{"inside second", 250, 4, true},
		{"tail start", 300, 6, true},
		{"beyond log", 1_000_000, 6, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seg, ok := FindSegmentContaining(files, pid, tc.decree)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, seg.Index)
		})
	}

	seg, ok := FindSegmentContaining(files, other, 160)
	require.True(t, ok)
	assert.Equal(t, uint64(5), seg.Index)
	_, ok = FindSegmentContaining(nil, pid, 1)
	assert.False(t, ok)
}

func TestReader_AcrossRotations(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 512)
	appendRange(t, w, 1, 60)
	require.Greater(t, len(w.Segments()), 3)

	var got []core.Decree
	require.NoError(t, ReplayAll(dir, pid, 1, func(m *core.Mutation) error {
		got = append(got, m.Decree)
		return nil
	}))
	require.Len(t, got, 60)
	for i, d := range got {
		assert.Equal(t, core.Decree(i+1), d)
	}
}

func TestReader_StartsMidLog(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 512)
	appendRange(t, w, 1, 40)

	r, err := NewReader(dir, pid, 25)
	require.NoError(t, err)
	defer r.Close()

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(25), m.Decree)
	assert.Equal(t, "value-000025", string(m.Updates[0].Payload))
	for d := core.Decree(26); d <= 40; d++ {
		m, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, d, m.Decree)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoNewEntries)
	assert.Equal(t, core.Decree(40), r.LastDecree())
}

func TestReader_TailGrows(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 512)
	appendRange(t, w, 1, 2)

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()

	for d := core.Decree(1); d <= 2; d++ {
		m, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, d, m.Decree)
	}
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoNewEntries)

	appendRange(t, w, 3, 30)
	for d := core.Decree(3); d <= 30; d++ {
		m, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, d, m.Decree)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrNoNewEntries)
}

func TestReader_PartialRecordAtLiveTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := wal.CreateSegment(dir, 1, pid, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	path := filepath.Join(dir, wal.FormatSegmentFileName(1))

	appendRaw(t, path, frame(mutation(1)))
	second := frame(mutation(2))
	appendRaw(t, path, second[:7])

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(1), m.Decree)
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoNewEntries, "a partial record is treated as not yet written")

	appendRaw(t, path, second[7:])
	m, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(2), m.Decree)
}

func TestReader_TruncatedSealedSegmentIsCorruption(t *testing.T) {
	dir := t.TempDir()
	for i, start := range []core.Decree{1, 3} {
		seg, err := wal.CreateSegment(dir, uint64(i+1), pid, start)
		require.NoError(t, err)
		require.NoError(t, seg.Close())
	}
	first := filepath.Join(dir, wal.FormatSegmentFileName(1))
	appendRaw(t, first, frame(mutation(1)))
	appendRaw(t, first, frame(mutation(2))[:5])

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	assert.True(t, core.IsCorruption(err), "got %v", err)
}

func TestReader_Reclaimed(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 64*1024)
	appendRange(t, w, 1, 5)
	require.NoError(t, w.Rotate())
	appendRange(t, w, 6, 10)
	require.NoError(t, w.Purge(1))

	_, err := NewReader(dir, pid, 3)
	assert.ErrorIs(t, err, core.ErrDecreeReclaimed)

	r, err := NewReader(dir, pid, 6)
	require.NoError(t, err)
	defer r.Close()
	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(6), m.Decree)
}

func TestReader_SegmentVanishesBeforeAdvance(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 64*1024)
	appendRange(t, w, 1, 2)
	require.NoError(t, w.Rotate())
	appendRange(t, w, 3, 4)
	require.NoError(t, w.Rotate())
	appendRange(t, w, 5, 6)

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()
	for d := core.Decree(1); d <= 2; d++ {
		_, err := r.Next()
		require.NoError(t, err)
	}
	require.NoError(t, w.Purge(2))

	_, err = r.Next()
	assert.ErrorIs(t, err, core.ErrDecreeReclaimed)
}

func TestReader_SuccessorHeaderNotWrittenYet(t *testing.T) {
	dir := t.TempDir()
	seg, err := wal.CreateSegment(dir, 1, pid, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	first := filepath.Join(dir, wal.FormatSegmentFileName(1))
	appendRaw(t, first, frame(mutation(1)))

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	require.NoError(t, err)

	next := filepath.Join(dir, wal.FormatSegmentFileName(2))
	require.NoError(t, os.WriteFile(next, nil, 0644))
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoNewEntries, "a successor without a header is not there yet")

	require.NoError(t, os.Remove(next))
	seg, err = wal.CreateSegment(dir, 2, pid, 2)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	appendRaw(t, next, frame(mutation(2)))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(2), m.Decree)
}

func TestReader_TailIgnoresUnrelatedSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 64*1024)
	appendRange(t, w, 1, 3)

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()
	for d := core.Decree(1); d <= 3; d++ {
		_, err := r.Next()
		require.NoError(t, err)
	}

	// A stray file far ahead of the tail is neither opened nor taken for a gap
	// while the current segment is still in place.
	require.NoError(t, os.WriteFile(filepath.Join(dir, wal.FormatSegmentFileName(9)), []byte("junk"), 0644))
	_, err = r.Next()
	require.ErrorIs(t, err, ErrNoNewEntries)

	appendRange(t, w, 4, 4)
	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.Decree(4), m.Decree)
}

func TestReader_Follow(t *testing.T) {
	dir := t.TempDir()
	w := openLog(t, dir, 512)
	appendRange(t, w, 1, 1)

	r, err := NewReader(dir, pid, 1)
	require.NoError(t, err)
	defer r.Close()

	m, err := r.Follow(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, core.Decree(1), m.Decree)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = w.AppendSync(context.Background(), mutation(2))
	}()
	m, err = r.Follow(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, core.Decree(2), m.Decree)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Follow(ctx, w)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
