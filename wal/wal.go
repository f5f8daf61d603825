package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/INLOpen/nexusdup/sys"
)

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	SyncAlways   WALSyncMode = "always"   // fsync after every commit group
	SyncDisabled WALSyncMode = "disabled" // flush to the OS only (for testing/benchmarking)
)

const (
	defaultQueueSize      = 1024
	defaultMaxCommitGroup = 256
	defaultLockTimeout    = 5 * time.Second
)

// WAL is the private mutation log of one partition. It manages a directory
// of segment files, appends mutations in decree order through a single
// committer goroutine, and lets readers wait for decrees to become durable or
// committed.
type WAL struct {
	dir         string
	opts        Options
	logger      *slog.Logger
	hookManager hooks.HookManager

	// Owned by the committer goroutine.
	activeSegment *SegmentWriter
	lastWritten   core.Decree
	commitHigh    core.Decree
	writeErr      error
	encodeBuf     []byte

	// Guarded by mu.
	mu          sync.Mutex
	segments    []SegmentInfo
	lastDecree  core.Decree
	maxCommit   core.Decree
	activeIndex uint64
	closed      bool
	changed     chan struct{}

	sendMu    sync.RWMutex
	closing   bool
	queue     chan *appendRequest
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	releaseLock func() error
	recovery    RecoveryInfo

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	Partition      core.PartitionID
	SyncMode       WALSyncMode
	MaxSegmentSize int64
	// QueueSize bounds the number of appends waiting for the committer.
	QueueSize int
	// LockTimeout bounds how long Open waits for the directory lock.
	LockTimeout    time.Duration
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// SegmentInfo describes one retained segment of an open log.
type SegmentInfo struct {
	Index       uint64
	StartDecree core.Decree
	Path        string
}

// RecoveryInfo reports what Open found on disk.
type RecoveryInfo struct {
	Segments        int
	Entries         int
	LastDecree      core.Decree
	MaxCommitDecree core.Decree
	// TruncatedBytes is the size of a damaged tail that was cut from the last segment.
	TruncatedBytes int64
	TruncatedPath  string
}

// Open creates or opens the log directory of a partition. It takes the
// directory lock, recovers the last decree and committed watermark from the
// existing segments, and starts a fresh segment for appending.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "WAL", "partition", opts.Partition.String())
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}
	release, err := sys.LockDir(opts.Dir, core.LockFileName, opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                logger,
		hookManager:           opts.HookManager,
		changed:               make(chan struct{}),
		queue:                 make(chan *appendRequest, opts.QueueSize),
		releaseLock:           release,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}

	if err := w.loadSegments(); err != nil {
		_ = release()
		return nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}
	if err := w.recover(); err != nil {
		_ = release()
		return nil, err
	}
	if err := w.openForAppend(); err != nil {
		_ = release()
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	w.lastDecree = w.lastWritten
	w.maxCommit = w.commitHigh
	w.recovery.Segments = len(w.segments)
	w.recovery.LastDecree = w.lastWritten
	w.recovery.MaxCommitDecree = w.commitHigh

	w.wg.Add(1)
	go w.runCommitter()

	w.logger.Info("WAL opened", "dir", w.dir, "segments", len(w.segments), "last_decree", w.lastDecree, "max_commit_on_disk", w.maxCommit)
	w.trigger(hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
		Partition:       opts.Partition,
		Segments:        w.recovery.Segments,
		LastDecree:      w.recovery.LastDecree,
		MaxCommitDecree: w.recovery.MaxCommitDecree,
		TruncatedBytes:  w.recovery.TruncatedBytes,
		TruncatedPath:   w.recovery.TruncatedPath,
	}))
	return w, nil
}

// loadSegments scans the WAL directory and populates the segment list from
// the segment headers. A last segment whose header was never completely
// written is removed.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	var indexes []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := ParseSegmentFileName(file.Name())
		if err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	w.segments = make([]SegmentInfo, 0, len(indexes))
	for i, index := range indexes {
		path := filepath.Join(w.dir, FormatSegmentFileName(index))
		header, err := readHeaderFile(path)
		if err != nil {
			if i == len(indexes)-1 && errors.Is(err, io.ErrUnexpectedEOF) {
				w.logger.Warn("Removing WAL segment with an incomplete header", "path", path, "error", err)
				if rmErr := os.Remove(path); rmErr != nil {
					return fmt.Errorf("failed to remove incomplete segment %s: %w", path, rmErr)
				}
				continue
			}
			return &core.CorruptionError{Path: path, Offset: 0, Err: err}
		}
		if header.Partition() != w.opts.Partition {
			return fmt.Errorf("segment %s belongs to partition %s, not %s: %w", path, header.Partition(), w.opts.Partition, core.ErrPartitionMismatch)
		}
		w.segments = append(w.segments, SegmentInfo{Index: index, StartDecree: header.StartDecree, Path: path})
	}
	return nil
}

func readHeaderFile(path string) (SegmentHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return SegmentHeader{}, err
	}
	defer f.Close()
	return ReadSegmentHeader(f)
}

// recover reads every record of every segment to find the end of the log and
// the committed watermark. Damage at the tail of the last segment is cut off;
// damage anywhere else fails the recovery.
func (w *WAL) recover() error {
	for i, seg := range w.segments {
		isLast := i == len(w.segments)-1
		validEnd, err := w.recoverSegment(seg)
		if err == nil {
			continue
		}
		if !isLast || !(errors.Is(err, io.ErrUnexpectedEOF) || core.IsCorruption(err)) {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return &core.CorruptionError{Path: seg.Path, Offset: validEnd, Err: err}
			}
			return err
		}

		stat, statErr := os.Stat(seg.Path)
		if statErr != nil {
			return fmt.Errorf("failed to stat damaged segment %s: %w", seg.Path, statErr)
		}
		if truncErr := os.Truncate(seg.Path, validEnd); truncErr != nil {
			return fmt.Errorf("failed to truncate damaged tail of %s: %w", seg.Path, truncErr)
		}
		w.recovery.TruncatedBytes = stat.Size() - validEnd
		w.recovery.TruncatedPath = seg.Path
		w.logger.Warn("Truncated damaged tail of WAL segment", "path", seg.Path, "offset", validEnd, "truncated_bytes", w.recovery.TruncatedBytes, "error", err)
	}
	return nil
}

// recoverSegment scans one segment and returns the offset just past the last
// good record together with the error that stopped the scan, if any.
func (w *WAL) recoverSegment(seg SegmentInfo) (int64, error) {
	reader, err := OpenSegmentForRead(seg.Path)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	for {
		start := reader.Offset()
		payload, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return start, nil
			}
			return start, err
		}
		m, err := DecodeMutation(payload)
		if err != nil {
			return start, &core.CorruptionError{Path: seg.Path, Offset: start, Err: err}
		}
		if m.Decree <= w.lastWritten {
			return start, &core.CorruptionError{Path: seg.Path, Offset: start, Err: fmt.Errorf("decree %d after %d: %w", m.Decree, w.lastWritten, core.ErrDecreeOutOfOrder)}
		}
		w.lastWritten = m.Decree
		w.commitHigh = max(w.commitHigh, min(m.LastCommittedDecree, m.Decree))
		w.recovery.Entries++
	}
}

// openForAppend prepares the active segment. A last segment holding only its
// header is recreated in place; otherwise appending always starts a new file.
func (w *WAL) openForAppend() error {
	nextIndex := uint64(1)
	if n := len(w.segments); n > 0 {
		last := w.segments[n-1]
		stat, err := os.Stat(last.Path)
		if err != nil {
			return fmt.Errorf("failed to stat last segment %s: %w", last.Path, err)
		}
		if stat.Size() > SegmentHeaderSize {
			nextIndex = last.Index + 1
		} else {
			nextIndex = last.Index
			w.segments = w.segments[:n-1]
		}
	}

	seg, err := CreateSegment(w.dir, nextIndex, w.opts.Partition, w.lastWritten+1)
	if err != nil {
		return err
	}
	w.activeSegment = seg
	w.activeIndex = seg.Index()
	w.segments = append(w.segments, SegmentInfo{Index: seg.Index(), StartDecree: seg.StartDecree(), Path: seg.Path()})
	return nil
}

// Append queues m for the log and returns immediately. The future resolves
// once the mutation is durable and visible to readers, or with the reason it
// was rejected.
func (w *WAL) Append(m *core.Mutation) *AppendFuture {
	future := newAppendFuture(m.Decree)
	if w.hookManager != nil {
		if err := w.hookManager.Trigger(context.Background(), hooks.NewPreWALAppendEvent(hooks.PreWALAppendPayload{Mutation: m})); err != nil {
			future.resolve(fmt.Errorf("append rejected by pre-hook: %w", err))
			return future
		}
	}

	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closing {
		future.resolve(core.ErrLogClosed)
		return future
	}
	w.queue <- &appendRequest{op: opAppend, mutation: m, future: future}
	return future
}

// AppendSync appends m and waits for the result.
func (w *WAL) AppendSync(ctx context.Context, m *core.Mutation) error {
	_, err := w.Append(m).Wait(ctx)
	return err
}

// Rotate seals the active segment and opens a new one. It is ordered with
// respect to appends queued before it.
func (w *WAL) Rotate() error {
	return w.control(opRotate)
}

// Sync flushes and fsyncs the active segment.
func (w *WAL) Sync() error {
	return w.control(opSync)
}

func (w *WAL) control(op requestOp) error {
	future := newAppendFuture(core.InvalidDecree)
	w.sendMu.RLock()
	if w.closing {
		w.sendMu.RUnlock()
		return core.ErrLogClosed
	}
	w.queue <- &appendRequest{op: op, future: future}
	w.sendMu.RUnlock()
	<-future.Done()
	return future.Err()
}

// Close stops the committer after it drained every queued append, closes the
// active segment, wakes all waiters with ErrLogClosed and releases the
// directory lock.
func (w *WAL) Close() error {
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		w.closing = true
		close(w.queue)
		w.sendMu.Unlock()
		w.wg.Wait()

		var errs []error
		if w.activeSegment != nil {
			if err := w.activeSegment.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close active segment: %w", err))
			}
			w.activeSegment = nil
		}

		w.mu.Lock()
		w.closed = true
		w.broadcastLocked()
		w.mu.Unlock()

		if w.releaseLock != nil {
			if err := w.releaseLock(); err != nil {
				errs = append(errs, fmt.Errorf("failed to release WAL lock: %w", err))
			}
		}
		w.closeErr = errors.Join(errs...)
		if w.closeErr != nil {
			w.logger.Error("Error during WAL close.", "error", w.closeErr)
		} else {
			w.logger.Info("WAL closed.")
		}
	})
	return w.closeErr
}

// Purge deletes segment files with index less than or equal to upToIndex.
// The active segment is never deleted.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	var remaining []SegmentInfo
	var errs []error
	var purgedCount int
	for _, seg := range w.segments {
		if seg.Index > upToIndex {
			remaining = append(remaining, seg)
			continue
		}
		if seg.Index == w.activeIndex {
			w.logger.Warn("Skipping purge of active WAL segment", "index", seg.Index)
			remaining = append(remaining, seg)
			continue
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			w.logger.Error("Failed to purge WAL segment", "path", seg.Path, "error", err)
			errs = append(errs, err)
			remaining = append(remaining, seg)
			continue
		}
		purgedCount++
	}
	w.segments = remaining
	w.mu.Unlock()

	if purgedCount > 0 {
		w.logger.Info("Purged WAL segments", "count", purgedCount, "up_to_index", upToIndex)
		w.trigger(hooks.NewPostWALPurgeEvent(hooks.PostWALPurgePayload{
			Partition:   w.opts.Partition,
			UpToIndex:   upToIndex,
			PurgedCount: purgedCount,
		}))
	}
	return errors.Join(errs...)
}

// UpdateMaxCommitOnDisk raises the committed watermark. It never lowers it.
func (w *WAL) UpdateMaxCommitOnDisk(d core.Decree) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > w.maxCommit {
		w.maxCommit = d
		w.broadcastLocked()
	}
}

// MaxCommitOnDisk returns the highest decree known to be committed.
func (w *WAL) MaxCommitOnDisk() core.Decree {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCommit
}

// LastDecree returns the decree of the last durable mutation.
func (w *WAL) LastDecree() core.Decree {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDecree
}

// WaitForDecree blocks until decree d has been appended, ctx ends, or the
// log is closed.
func (w *WAL) WaitForDecree(ctx context.Context, d core.Decree) error {
	return w.wait(ctx, func() bool { return w.lastDecree >= d })
}

// WaitForCommitted blocks until the committed watermark reaches d, ctx ends,
// or the log is closed.
func (w *WAL) WaitForCommitted(ctx context.Context, d core.Decree) error {
	return w.wait(ctx, func() bool { return w.maxCommit >= d })
}

func (w *WAL) wait(ctx context.Context, ready func() bool) error {
	for {
		w.mu.Lock()
		if ready() {
			w.mu.Unlock()
			return nil
		}
		if w.closed {
			w.mu.Unlock()
			return core.ErrLogClosed
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// broadcastLocked wakes every waiter. Must be called with mu held.
func (w *WAL) broadcastLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// Segments returns the retained segments in index order.
func (w *WAL) Segments() []SegmentInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SegmentInfo, len(w.segments))
	copy(out, w.segments)
	return out
}

// ActiveSegmentIndex returns the index of the current active segment file.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeIndex
}

// Recovery returns what Open found on disk.
func (w *WAL) Recovery() RecoveryInfo { return w.recovery }

// Dir returns the directory path of the WAL.
func (w *WAL) Dir() string { return w.dir }

// Partition returns the partition this log belongs to.
func (w *WAL) Partition() core.PartitionID { return w.opts.Partition }

func (w *WAL) trigger(event hooks.HookEvent) {
	if w.hookManager == nil {
		return
	}
	// Use background context as this is an internal, non-request-driven event.
	_ = w.hookManager.Trigger(context.Background(), event)
}
