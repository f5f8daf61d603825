package wal

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
)

type requestOp uint8

const (
	opAppend requestOp = iota
	opRotate
	opSync
)

type appendRequest struct {
	op       requestOp
	mutation *core.Mutation
	future   *AppendFuture
	err      error
}

// AppendFuture is the pending result of Append.
type AppendFuture struct {
	decree core.Decree
	done   chan struct{}
	err    error
}

func newAppendFuture(decree core.Decree) *AppendFuture {
	return &AppendFuture{decree: decree, done: make(chan struct{})}
}

func (f *AppendFuture) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the append has been resolved.
func (f *AppendFuture) Done() <-chan struct{} { return f.done }

// Err returns the append result. Only meaningful after Done is closed.
func (f *AppendFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the append is durable and returns its decree.
func (f *AppendFuture) Wait(ctx context.Context) (core.Decree, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return core.InvalidDecree, f.err
		}
		return f.decree, nil
	case <-ctx.Done():
		return core.InvalidDecree, ctx.Err()
	}
}

// runCommitter drains the queue in groups. Every group is written, flushed
// once and published before its futures resolve.
func (w *WAL) runCommitter() {
	defer w.wg.Done()
	group := make([]*appendRequest, 0, defaultMaxCommitGroup)
	for req := range w.queue {
		group = append(group[:0], req)
	drain:
		for len(group) < defaultMaxCommitGroup {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break drain
				}
				group = append(group, next)
			default:
				break drain
			}
		}
		w.commit(group)
	}
}

// commit processes one group of requests in queue order.
func (w *WAL) commit(group []*appendRequest) {
	var events []hooks.HookEvent
	var written []*appendRequest
	var needSync bool
	var bytesWritten int64

	for _, req := range group {
		if w.writeErr != nil {
			req.err = w.writeErr
			continue
		}
		switch req.op {
		case opRotate:
			if err := w.flushWritten(written, needSync); err != nil {
				req.err = err
				continue
			}
			event, err := w.rotate(w.lastWritten + 1)
			req.err = err
			if event != nil {
				events = append(events, event)
			}
		case opSync:
			needSync = true
		case opAppend:
			event, size, err := w.writeMutation(req.mutation)
			if err != nil {
				req.err = err
				continue
			}
			if event != nil {
				events = append(events, event)
			}
			written = append(written, req)
			bytesWritten += size
		}
	}

	if err := w.flushWritten(written, needSync || w.opts.SyncMode == SyncAlways); err != nil {
		for _, req := range written {
			req.err = err
		}
	} else {
		if w.metricsBytesWritten != nil {
			w.metricsBytesWritten.Add(bytesWritten)
		}
		if w.metricsEntriesWritten != nil {
			w.metricsEntriesWritten.Add(int64(len(written)))
		}
	}

	for _, event := range events {
		w.trigger(event)
	}
	for _, req := range group {
		req.future.resolve(req.err)
	}
}

// writeMutation encodes m and writes it to the active segment, rotating first
// when the segment already holds records and m would not fit.
func (w *WAL) writeMutation(m *core.Mutation) (hooks.HookEvent, int64, error) {
	if m.Partition != w.opts.Partition {
		return nil, 0, fmt.Errorf("mutation for %s appended to log of %s: %w", m.Partition, w.opts.Partition, core.ErrPartitionMismatch)
	}
	if m.Decree <= w.lastWritten {
		return nil, 0, fmt.Errorf("decree %d, last appended %d: %w", m.Decree, w.lastWritten, core.ErrDecreeOutOfOrder)
	}

	w.encodeBuf = EncodeMutation(w.encodeBuf[:0], m)
	size := RecordSize(len(w.encodeBuf))
	if SegmentHeaderSize+size > w.opts.MaxSegmentSize {
		return nil, 0, fmt.Errorf("%w: record_size=%d max_segment_size=%d", core.ErrRecordTooLarge, size, w.opts.MaxSegmentSize)
	}

	var event hooks.HookEvent
	if w.activeSegment.Records() > 0 && w.activeSegment.Size()+size > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", w.activeSegment.Size(), "new_record_size", size, "max_size", w.opts.MaxSegmentSize)
		ev, err := w.rotate(m.Decree)
		if err != nil {
			return nil, 0, err
		}
		event = ev
	}

	if err := w.activeSegment.WriteRecord(w.encodeBuf); err != nil {
		w.writeErr = fmt.Errorf("WAL segment %s is unusable after a failed write: %w", w.activeSegment.Path(), err)
		return event, 0, w.writeErr
	}
	w.lastWritten = m.Decree
	w.commitHigh = max(w.commitHigh, min(m.LastCommittedDecree, m.Decree))
	return event, size, nil
}

// flushWritten makes the written records visible and publishes the new end
// of log and committed watermark.
func (w *WAL) flushWritten(written []*appendRequest, sync bool) error {
	var err error
	if sync {
		err = w.activeSegment.Sync()
	} else {
		err = w.activeSegment.Flush()
	}
	if err != nil {
		w.writeErr = fmt.Errorf("failed to flush WAL segment %s: %w", w.activeSegment.Path(), err)
		return w.writeErr
	}
	if len(written) == 0 {
		return nil
	}

	w.mu.Lock()
	if w.lastWritten > w.lastDecree || w.commitHigh > w.maxCommit {
		w.lastDecree = w.lastWritten
		w.maxCommit = max(w.maxCommit, w.commitHigh)
		w.broadcastLocked()
	}
	w.mu.Unlock()
	return nil
}

// rotate seals the active segment and creates the next one. The old segment
// is closed before the new file exists so readers never observe a sealed
// segment with unflushed data.
func (w *WAL) rotate(startDecree core.Decree) (hooks.HookEvent, error) {
	old := w.activeSegment
	if err := old.Close(); err != nil {
		w.logger.Error("failed to close active segment during rotation", "path", old.Path(), "error", err)
		w.writeErr = fmt.Errorf("failed to seal WAL segment %s: %w", old.Path(), err)
		return nil, w.writeErr
	}

	newSegment, err := CreateSegment(w.dir, old.Index()+1, w.opts.Partition, startDecree)
	if err != nil {
		w.writeErr = err
		return nil, err
	}
	w.activeSegment = newSegment

	w.mu.Lock()
	w.activeIndex = newSegment.Index()
	w.segments = append(w.segments, SegmentInfo{Index: newSegment.Index(), StartDecree: startDecree, Path: newSegment.Path()})
	w.mu.Unlock()

	w.logger.Info("Rotated to new WAL segment", "index", newSegment.Index(), "path", newSegment.Path(), "start_decree", startDecree)
	return hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
		Partition:       w.opts.Partition,
		OldSegmentIndex: old.Index(),
		NewSegmentIndex: newSegment.Index(),
		NewSegmentPath:  newSegment.Path(),
		StartDecree:     startDecree,
	}), nil
}
