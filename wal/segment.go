package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusdup/core"
)

const (
	// MaxSegmentSize is the default maximum size for a WAL segment file.
	MaxSegmentSize = 128 * 1024 * 1024 // 128 MB
	// maxRecordPayload bounds the length prefix so a damaged prefix is not
	// mistaken for a huge record.
	maxRecordPayload = 1 << 30
)

var (
	// ErrInvalidSegmentHeader is returned when a file does not start with a valid segment header.
	ErrInvalidSegmentHeader = errors.New("invalid WAL segment header")
	// ErrChecksumMismatch is wrapped in a CorruptionError when a record fails its CRC.
	ErrChecksumMismatch = errors.New("record checksum mismatch")
)

// SegmentHeader is written at offset 0 of every segment file.
type SegmentHeader struct {
	core.FileHeader
	AppID          int32
	PartitionIndex int32
	Index          uint64
	// StartDecree is a lower bound of the decrees stored in the segment.
	StartDecree int64
}

// SegmentHeaderSize is the encoded size of a SegmentHeader.
var SegmentHeaderSize = int64(binary.Size(SegmentHeader{}))

// Partition returns the partition the segment belongs to.
func (h SegmentHeader) Partition() core.PartitionID {
	return core.PartitionID{AppID: h.AppID, PartitionIndex: h.PartitionIndex}
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, core.WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, core.WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, core.WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// ReadSegmentHeader reads and validates the header at the start of r.
func ReadSegmentHeader(r io.ReaderAt) (SegmentHeader, error) {
	var header SegmentHeader
	buf := make([]byte, SegmentHeaderSize)
	n, err := r.ReadAt(buf, 0)
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return header, fmt.Errorf("%w: %w", ErrInvalidSegmentHeader, err)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("%w: %w", ErrInvalidSegmentHeader, err)
	}
	if err := header.Check(core.WALMagicNumber); err != nil {
		return header, fmt.Errorf("%w: %w", ErrInvalidSegmentHeader, err)
	}
	return header, nil
}

// SegmentWriter appends records to the active segment file.
type SegmentWriter struct {
	file    *os.File
	writer  *bufio.Writer
	path    string
	header  SegmentHeader
	size    int64
	records int
}

// CreateSegment creates a new segment file in the given directory and
// durably writes its header.
func CreateSegment(dir string, index uint64, pid core.PartitionID, startDecree core.Decree) (*SegmentWriter, error) {
	path := filepath.Join(dir, FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := SegmentHeader{
		FileHeader:     core.NewFileHeader(core.WALMagicNumber, core.CompressionNone),
		AppID:          pid.AppID,
		PartitionIndex: pid.PartitionIndex,
		Index:          index,
		StartDecree:    startDecree,
	}
	writer := bufio.NewWriterSize(file, 64*1024)
	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to flush segment header to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		file:   file,
		writer: writer,
		path:   path,
		header: header,
		size:   SegmentHeaderSize,
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	var frame [core.RecordLengthSize]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	binary.LittleEndian.PutUint32(frame[:], crc32.ChecksumIEEE(data))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += RecordSize(len(data))
	sw.records++
	return nil
}

// Flush hands buffered records to the OS, making them visible to readers.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes, syncs and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

func (sw *SegmentWriter) Index() uint64            { return sw.header.Index }
func (sw *SegmentWriter) Path() string             { return sw.path }
func (sw *SegmentWriter) StartDecree() core.Decree { return sw.header.StartDecree }

// Size returns the logical size of the segment including buffered bytes.
func (sw *SegmentWriter) Size() int64 { return sw.size }

// Records returns the number of records written through this writer.
func (sw *SegmentWriter) Records() int { return sw.records }

// RecordSize is the on-disk size of a record carrying a payload of n bytes.
func RecordSize(n int) int64 {
	return int64(core.RecordLengthSize + n + core.ChecksumSize)
}

// readRecord reads one framed record from r.
// It returns io.EOF at a clean record boundary and io.ErrUnexpectedEOF when
// the record is cut short. A checksum mismatch returns ErrChecksumMismatch.
func readRecord(r io.Reader) ([]byte, error) {
	var frame [core.RecordLengthSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(frame[:])
	if length > maxRecordPayload {
		return nil, fmt.Errorf("%w: record length %d out of range", ErrChecksumMismatch, length)
	}
	data := make([]byte, int(length)+core.ChecksumSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payload := data[:length]
	if binary.LittleEndian.Uint32(data[length:]) != crc32.ChecksumIEEE(payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

// ReadRecordAt reads the record starting at off without moving any file
// offset, so it may be used concurrently with the writer. It returns the
// payload and the number of bytes the record occupies. A checksum failure is
// reported as a *core.CorruptionError naming path.
func ReadRecordAt(r io.ReaderAt, path string, off int64) ([]byte, int64, error) {
	payload, err := readRecord(io.NewSectionReader(r, off, math.MaxInt64-off))
	if err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			return nil, 0, &core.CorruptionError{Path: path, Offset: off, Err: err}
		}
		return nil, 0, err
	}
	return payload, RecordSize(len(payload)), nil
}

// SegmentReader scans a segment file sequentially.
type SegmentReader struct {
	file   *os.File
	reader *bufio.Reader
	path   string
	header SegmentHeader
	offset int64
}

// OpenSegmentForRead opens an existing segment file and validates its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}
	header, err := ReadSegmentHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	if _, err := file.Seek(SegmentHeaderSize, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek past header of %s: %w", path, err)
	}
	return &SegmentReader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
		path:   path,
		header: header,
		offset: SegmentHeaderSize,
	}, nil
}

// ReadRecord reads the next record. After an error Offset still points at the
// start of the record that could not be read.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	payload, err := readRecord(sr.reader)
	if err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			return nil, &core.CorruptionError{Path: sr.path, Offset: sr.offset, Err: err}
		}
		return nil, err
	}
	sr.offset += RecordSize(len(payload))
	return payload, nil
}

// Offset returns the offset just past the last record read successfully.
func (sr *SegmentReader) Offset() int64 { return sr.offset }

func (sr *SegmentReader) Header() SegmentHeader { return sr.header }

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
