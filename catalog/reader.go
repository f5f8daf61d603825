package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/wal"
)

// ErrNoNewEntries is returned by Next at the current end of the log. The log
// may still grow; calling Next again later resumes where it stopped.
var ErrNoNewEntries = errors.New("no new log entries")

// DecreeWaiter is implemented by the live log store.
type DecreeWaiter interface {
	WaitForDecree(ctx context.Context, d core.Decree) error
}

// Reader replays the mutations of one partition in strictly increasing decree
// order. It reads segment files positionally and never blocks the writer.
// A Reader is not safe for concurrent use.
type Reader struct {
	dir  string
	pid  core.PartitionID
	from core.Decree
	last core.Decree

	seg    SegmentFile
	file   *os.File
	offset int64
	// sealed is set once a later segment was seen, so the current one can
	// no longer grow.
	sealed  bool
	nextSeg SegmentFile
}

// NewReader positions a reader at the segment of pid that holds from. It
// returns core.ErrDecreeReclaimed when that segment has already been deleted.
func NewReader(dir string, pid core.PartitionID, from core.Decree) (*Reader, error) {
	files, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	seg, ok := FindSegmentContaining(files, pid, from)
	if !ok {
		return nil, fmt.Errorf("decree %d of partition %s is not in %s: %w", from, pid, dir, core.ErrDecreeReclaimed)
	}
	r := &Reader{
		dir:  dir,
		pid:  pid,
		from: from,
		last: from - 1,
	}
	if err := r.open(seg); err != nil {
		return nil, err
	}
	return r, nil
}

// Next returns the next mutation with a decree not below the start decree.
// It returns ErrNoNewEntries at the current end of the log,
// core.ErrDecreeReclaimed if a segment it needs was deleted, and a
// *core.CorruptionError for damage inside a sealed segment.
func (r *Reader) Next() (*core.Mutation, error) {
	if r.file == nil {
		return nil, os.ErrClosed
	}
	for {
		payload, n, err := wal.ReadRecordAt(r.file, r.seg.Path, r.offset)
		if err == nil {
			m, decErr := wal.DecodeMutation(payload)
			if decErr != nil {
				return nil, &core.CorruptionError{Path: r.seg.Path, Offset: r.offset, Err: decErr}
			}
			if m.Partition != r.pid {
				return nil, &core.CorruptionError{Path: r.seg.Path, Offset: r.offset, Err: core.ErrPartitionMismatch}
			}
			r.offset += n
			if m.Decree < r.from {
				continue
			}
			if m.Decree <= r.last {
				return nil, &core.CorruptionError{Path: r.seg.Path, Offset: r.offset - n, Err: fmt.Errorf("decree %d after %d: %w", m.Decree, r.last, core.ErrDecreeOutOfOrder)}
			}
			r.last = m.Decree
			return m, nil
		}

		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		if !r.sealed {
			next, ok, listErr := r.successor()
			if listErr != nil {
				return nil, listErr
			}
			if !ok {
				// A partial record at the live tail has not been written yet.
				return nil, ErrNoNewEntries
			}
			// The writer seals a segment before creating the next one, so
			// reading once more sees the complete segment.
			r.sealed = true
			r.nextSeg = next
			continue
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &core.CorruptionError{Path: r.seg.Path, Offset: r.offset, Err: err}
		}
		if err := r.open(r.nextSeg); err != nil {
			return nil, err
		}
	}
}

// Follow behaves like Next but blocks on the log store instead of returning
// ErrNoNewEntries.
func (r *Reader) Follow(ctx context.Context, waiter DecreeWaiter) (*core.Mutation, error) {
	for {
		m, err := r.Next()
		if !errors.Is(err, ErrNoNewEntries) {
			return m, err
		}
		if err := waiter.WaitForDecree(ctx, r.last+1); err != nil {
			return nil, err
		}
	}
}

// LastDecree returns the decree of the last mutation returned, or the start
// decree minus one.
func (r *Reader) LastDecree() core.Decree { return r.last }

// Position returns the segment index and byte offset of the next read.
func (r *Reader) Position() (uint64, int64) { return r.seg.Index, r.offset }

// Close releases the open segment file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Reader) open(seg SegmentFile) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("segment %s was removed: %w", seg.Path, core.ErrDecreeReclaimed)
		}
		return fmt.Errorf("failed to open segment %s: %w", seg.Path, err)
	}
	header, err := wal.ReadSegmentHeader(f)
	if err != nil {
		f.Close()
		return &core.CorruptionError{Path: seg.Path, Offset: 0, Err: err}
	}
	if header.Partition() != r.pid {
		f.Close()
		return fmt.Errorf("segment %s belongs to %s: %w", seg.Path, header.Partition(), core.ErrPartitionMismatch)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.seg = seg
	r.offset = wal.SegmentHeaderSize
	r.sealed = false
	r.nextSeg = SegmentFile{}
	return nil
}

// successor looks up the segment following the current one by name, so
// reaching the tail costs one open rather than a read of every header.
// Segments are only deleted from the front of the log: while the current
// file still exists a missing successor means the live tail, otherwise file
// names are scanned for the gap.
func (r *Reader) successor() (SegmentFile, bool, error) {
	index := r.seg.Index + 1
	next, ok, err := describeSegment(filepath.Join(r.dir, wal.FormatSegmentFileName(index)), index)
	if err != nil {
		return SegmentFile{}, false, err
	}
	if ok {
		if next.Partition != r.pid {
			return SegmentFile{}, false, fmt.Errorf("segment %s belongs to %s: %w", next.Path, next.Partition, core.ErrPartitionMismatch)
		}
		return next, true, nil
	}

	if _, err := os.Stat(r.seg.Path); err == nil {
		return SegmentFile{}, false, nil
	} else if !os.IsNotExist(err) {
		return SegmentFile{}, false, fmt.Errorf("failed to stat segment %s: %w", r.seg.Path, err)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return SegmentFile{}, false, fmt.Errorf("failed to list log directory %s: %w", r.dir, err)
	}
	for _, entry := range entries {
		later, err := wal.ParseSegmentFileName(entry.Name())
		if err != nil || later <= r.seg.Index {
			continue
		}
		if later == index {
			// Created but its header is not written yet.
			return SegmentFile{}, false, nil
		}
		return SegmentFile{}, false, fmt.Errorf("segment %d is missing before %s: %w", index, entry.Name(), core.ErrDecreeReclaimed)
	}
	return SegmentFile{}, false, nil
}

// ReplayAll calls fn for every mutation of pid from decree from up to the
// current end of the log.
func ReplayAll(dir string, pid core.PartitionID, from core.Decree, fn func(*core.Mutation) error) error {
	r, err := NewReader(dir, pid, from)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		m, err := r.Next()
		if errors.Is(err, ErrNoNewEntries) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}
