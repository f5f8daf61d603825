package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdup/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileNameFormat(t *testing.T) {
	tests := []struct {
		index    uint64
		expected string
	}{
		{1, "00000001.wal"},
		{12345, "00012345.wal"},
		{99999999, "99999999.wal"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			fileName := FormatSegmentFileName(tt.index)
			assert.Equal(t, tt.expected, fileName)

			parsedIndex, err := ParseSegmentFileName(fileName)
			require.NoError(t, err)
			assert.Equal(t, tt.index, parsedIndex)
		})
	}

	t.Run("ParseError", func(t *testing.T) {
		_, err := ParseSegmentFileName("not_a_segment.log")
		assert.Error(t, err)
		_, err = ParseSegmentFileName("00000001.wal_backup")
		assert.Error(t, err)
		_, err = ParseSegmentFileName("abc.wal")
		assert.Error(t, err)
	})
}

func TestCreateSegment(t *testing.T) {
	tempDir := t.TempDir()

	sw, err := CreateSegment(tempDir, 7, testPartition, 42)
	require.NoError(t, err)
	defer sw.Close()

	stat, err := os.Stat(sw.Path())
	require.NoError(t, err, "Segment file should be created")
	assert.Equal(t, SegmentHeaderSize, stat.Size(), "header is durable before any record")
	assert.Equal(t, SegmentHeaderSize, sw.Size())
	assert.Equal(t, 0, sw.Records())

	f, err := os.Open(sw.Path())
	require.NoError(t, err)
	defer f.Close()
	header, err := ReadSegmentHeader(f)
	require.NoError(t, err)
	assert.Equal(t, core.WALMagicNumber, header.Magic)
	assert.Equal(t, uint64(7), header.Index)
	assert.Equal(t, int64(42), header.StartDecree)
	assert.Equal(t, testPartition, header.Partition())
}

func TestReadSegmentHeader_Invalid(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.wal")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0644))
	f, err := os.Open(short)
	require.NoError(t, err)
	_, err = ReadSegmentHeader(f)
	f.Close()
	assert.ErrorIs(t, err, ErrInvalidSegmentHeader)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	badMagic := filepath.Join(dir, "magic.wal")
	require.NoError(t, os.WriteFile(badMagic, make([]byte, SegmentHeaderSize), 0644))
	f, err = os.Open(badMagic)
	require.NoError(t, err)
	_, err = ReadSegmentHeader(f)
	f.Close()
	assert.ErrorIs(t, err, ErrInvalidSegmentHeader)
	assert.ErrorIs(t, err, core.ErrBadMagic)
}

func TestSegment_WriteAndRead(t *testing.T) {
	tempDir := t.TempDir()
	sw, err := CreateSegment(tempDir, 1, testPartition, 1)
	require.NoError(t, err)

	records := [][]byte{[]byte("first"), {}, []byte("third record")}
	for _, r := range records {
		require.NoError(t, sw.WriteRecord(r))
	}
	assert.Equal(t, 3, sw.Records())
	require.NoError(t, sw.Close())
	assert.ErrorIs(t, sw.WriteRecord([]byte("late")), os.ErrClosed)

	t.Run("Sequential", func(t *testing.T) {
		sr, err := OpenSegmentForRead(sw.Path())
		require.NoError(t, err)
		defer sr.Close()
		for _, want := range records {
			got, err := sr.ReadRecord()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = sr.ReadRecord()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Positional", func(t *testing.T) {
		f, err := os.Open(sw.Path())
		require.NoError(t, err)
		defer f.Close()
		off := SegmentHeaderSize
		for _, want := range records {
			got, n, err := ReadRecordAt(f, sw.Path(), off)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, RecordSize(len(want)), n)
			off += n
		}
		_, _, err = ReadRecordAt(f, sw.Path(), off)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestSegment_ReadDamagedRecords(t *testing.T) {
	tempDir := t.TempDir()
	sw, err := CreateSegment(tempDir, 1, testPartition, 1)
	require.NoError(t, err)
	require.NoError(t, sw.WriteRecord([]byte("hello world")))
	require.NoError(t, sw.Close())

	t.Run("PartialLength", func(t *testing.T) {
		path := copyFile(t, sw.Path())
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.Write([]byte{0x05, 0x00})
		require.NoError(t, err)
		f.Close()

		r, err := os.Open(path)
		require.NoError(t, err)
		defer r.Close()
		_, _, err = ReadRecordAt(r, path, SegmentHeaderSize+RecordSize(11))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("PartialPayload", func(t *testing.T) {
		path := copyFile(t, sw.Path())
		require.NoError(t, os.Truncate(path, SegmentHeaderSize+RecordSize(11)-2))
		sr, err := OpenSegmentForRead(path)
		require.NoError(t, err)
		defer sr.Close()
		_, err = sr.ReadRecord()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Equal(t, SegmentHeaderSize, sr.Offset())
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		path := copyFile(t, sw.Path())
		flipByte(t, path, SegmentHeaderSize+int64(core.RecordLengthSize))
		r, err := os.Open(path)
		require.NoError(t, err)
		defer r.Close()
		_, _, err = ReadRecordAt(r, path, SegmentHeaderSize)
		require.Error(t, err)
		assert.True(t, core.IsCorruption(err))
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("AbsurdLength", func(t *testing.T) {
		path := copyFile(t, sw.Path())
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		require.NoError(t, err)
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], 0xFFFFFFF0)
		_, err = f.WriteAt(prefix[:], SegmentHeaderSize)
		require.NoError(t, err)
		f.Close()

		sr, err := OpenSegmentForRead(path)
		require.NoError(t, err)
		defer sr.Close()
		_, err = sr.ReadRecord()
		assert.True(t, core.IsCorruption(err))
	})
}

func TestMutationCodec(t *testing.T) {
	m := &core.Mutation{
		Ballot:              4,
		Decree:              1 << 40,
		Partition:           core.PartitionID{AppID: 3, PartitionIndex: 15},
		LastCommittedDecree: 1<<40 - 1,
		Timestamp:           1_700_000_000_123_456,
		Updates: []core.MutationUpdate{
			{Code: 12, Payload: []byte("key=value")},
			{Code: core.OpCodeEmpty},
			{Code: 99, Payload: make([]byte, 300)},
		},
	}
	encoded := EncodeMutation(nil, m)
	assert.Len(t, encoded, m.EncodedSize())

	decoded, err := DecodeMutation(encoded)
	require.NoError(t, err)
	assert.Equal(t, m.Ballot, decoded.Ballot)
	assert.Equal(t, m.Decree, decoded.Decree)
	assert.Equal(t, m.Partition, decoded.Partition)
	assert.Equal(t, m.LastCommittedDecree, decoded.LastCommittedDecree)
	assert.Equal(t, m.Timestamp, decoded.Timestamp)
	require.Len(t, decoded.Updates, 3)
	assert.Equal(t, m.Updates[0], decoded.Updates[0])
	assert.Equal(t, core.OpCodeEmpty, decoded.Updates[1].Code)
	assert.Empty(t, decoded.Updates[1].Payload)
	assert.Equal(t, m.Updates[2].Payload, decoded.Updates[2].Payload)

	encoded[len(encoded)-1] ^= 0xFF
	assert.Equal(t, make([]byte, 300), decoded.Updates[2].Payload, "decoded payload must not alias the input")

	t.Run("Malformed", func(t *testing.T) {
		good := EncodeMutation(nil, m)
		_, err := DecodeMutation(good[:10])
		assert.ErrorIs(t, err, ErrMalformedMutation)
		_, err = DecodeMutation(good[:len(good)-5])
		assert.ErrorIs(t, err, ErrMalformedMutation)
		_, err = DecodeMutation(append(good, 0x01))
		assert.ErrorIs(t, err, ErrMalformedMutation)
	})

	t.Run("NoUpdates", func(t *testing.T) {
		empty := &core.Mutation{Decree: 9, Partition: testPartition}
		decoded, err := DecodeMutation(EncodeMutation(nil, empty))
		require.NoError(t, err)
		assert.Equal(t, core.Decree(9), decoded.Decree)
		assert.True(t, decoded.IsEmpty())
	})
}

func copyFile(t *testing.T, src string) string {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	dst := filepath.Join(t.TempDir(), filepath.Base(src))
	require.NoError(t, os.WriteFile(dst, data, 0644))
	return dst
}
