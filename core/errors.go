package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDecreeReclaimed means the log segment holding a required decree has
	// already been deleted. Continuing would silently drop data.
	ErrDecreeReclaimed = errors.New("decree already reclaimed from the log")
	// ErrDecreeOutOfOrder is returned when a mutation does not carry a decree
	// greater than the last one appended.
	ErrDecreeOutOfOrder = errors.New("mutation decree is not greater than the last appended decree")
	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("log is closed")
	// ErrRecordTooLarge is returned when a single record can never fit in a segment.
	ErrRecordTooLarge = errors.New("record exceeds the maximum segment size")
	// ErrPartitionMismatch is returned when a mutation or segment belongs to another partition.
	ErrPartitionMismatch = errors.New("partition mismatch")
)

// CorruptionError reports a record that cannot be decoded from a segment file.
type CorruptionError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted log record in %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// IsCorruption checks if an error is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var corruptionError *CorruptionError
	return errors.As(err, &corruptionError)
}
