package duplication

import (
	"context"
	"errors"

	"github.com/INLOpen/nexusdup/core"
	"github.com/cenkalti/backoff/v5"
)

// Batch is a run of committed, non-empty mutations of one partition in
// strictly increasing decree order.
type Batch struct {
	Partition core.PartitionID
	Mutations []*core.Mutation
}

// FirstDecree returns the decree of the first mutation, or InvalidDecree.
func (b Batch) FirstDecree() core.Decree {
	if len(b.Mutations) == 0 {
		return core.InvalidDecree
	}
	return b.Mutations[0].Decree
}

// LastDecree returns the decree of the last mutation, or InvalidDecree.
func (b Batch) LastDecree() core.Decree {
	if len(b.Mutations) == 0 {
		return core.InvalidDecree
	}
	return b.Mutations[len(b.Mutations)-1].Decree
}

// Size returns the encoded size of all mutations.
func (b Batch) Size() int {
	n := 0
	for _, m := range b.Mutations {
		n += m.EncodedSize()
	}
	return n
}

// Ack is the sink's acknowledgement of a shipped batch.
type Ack struct {
	// LastDecree is the highest decree the remote side holds after the batch.
	LastDecree core.Decree
}

// BacklogSink delivers batches to a remote cluster. Ship must return an
// error produced by Permanent for failures that retrying cannot fix; every
// other error is retried with the same batch.
type BacklogSink interface {
	Ship(ctx context.Context, batch Batch) (Ack, error)
	Close() error
}

// TransientError marks a failure that is expected to go away on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient tags err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent tags err as not retryable. The duplicator stops and reports it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err (or an error it wraps) was tagged with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// IsTransient reports whether err is a failure the duplicator retries. Untagged
// errors count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
