package testutil

import (
	"context"
	"sync"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
)

// RecordingSink is a duplication.BacklogSink that keeps every successfully
// shipped batch in memory. ErrorHook, when set, is consulted before each
// call; a non-nil error fails that call without recording the batch.
type RecordingSink struct {
	mu        sync.Mutex
	calls     int
	batches   []duplication.Batch
	closed    bool
	errorHook func(call int, batch duplication.Batch) error
	shipHook  func(ctx context.Context, call int, batch duplication.Batch)
	notify    chan struct{}
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

// SetErrorHook installs fn. call counts every Ship invocation starting at 1.
func (s *RecordingSink) SetErrorHook(fn func(call int, batch duplication.Batch) error) {
	s.mu.Lock()
	s.errorHook = fn
	s.mu.Unlock()
}

// SetShipHook installs fn, called at the start of every Ship without the lock
// held. It may block on ctx to simulate a slow remote.
func (s *RecordingSink) SetShipHook(fn func(ctx context.Context, call int, batch duplication.Batch)) {
	s.mu.Lock()
	s.shipHook = fn
	s.mu.Unlock()
}

func (s *RecordingSink) Ship(ctx context.Context, batch duplication.Batch) (duplication.Ack, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	shipHook := s.shipHook
	errorHook := s.errorHook
	s.mu.Unlock()

	if shipHook != nil {
		shipHook(ctx, call, batch)
	}
	if err := ctx.Err(); err != nil {
		return duplication.Ack{}, duplication.Transient(err)
	}
	if errorHook != nil {
		if err := errorHook(call, batch); err != nil {
			return duplication.Ack{}, err
		}
	}

	s.mu.Lock()
	copied := duplication.Batch{Partition: batch.Partition, Mutations: append([]*core.Mutation(nil), batch.Mutations...)}
	s.batches = append(s.batches, copied)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return duplication.Ack{LastDecree: batch.LastDecree()}, nil
}

func (s *RecordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Calls returns the number of Ship invocations, failed ones included.
func (s *RecordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Batches returns the recorded batches in shipping order.
func (s *RecordingSink) Batches() []duplication.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]duplication.Batch(nil), s.batches...)
}

// Decrees returns the decrees of every recorded mutation in shipping order.
func (s *RecordingSink) Decrees() []core.Decree {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Decree
	for _, b := range s.batches {
		for _, m := range b.Mutations {
			out = append(out, m.Decree)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (s *RecordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shipped returns a channel that receives after a batch is recorded. Signals
// are coalesced.
func (s *RecordingSink) Shipped() <-chan struct{} {
	return s.notify
}
