package grpcsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/wal"
)

// ErrUnknownPartition is returned for batches of a partition the receiver
// does not host.
var ErrUnknownPartition = errors.New("partition is not hosted by this receiver")

// LogOpener opens the log of a partition on first use.
type LogOpener func(pid core.PartitionID) (*wal.WAL, error)

// PartitionDir returns the log directory of pid below root.
func PartitionDir(root string, pid core.PartitionID) string {
	return filepath.Join(root, pid.String())
}

type partitionLog struct {
	mu    sync.Mutex
	log   *wal.WAL
	owned bool
}

// WALIngestor appends received mutations to per-partition logs. Mutations
// the log already holds are skipped, which makes redelivered batches
// harmless.
type WALIngestor struct {
	open   LogOpener
	logger *slog.Logger

	mu   sync.Mutex
	logs map[core.PartitionID]*partitionLog
}

var _ Ingestor = (*WALIngestor)(nil)

// NewWALIngestor creates an ingestor. open may be nil, in which case only
// logs added with AddLog are accepted.
func NewWALIngestor(open LogOpener, logger *slog.Logger) *WALIngestor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WALIngestor{
		open:   open,
		logger: logger.With("component", "WALIngestor"),
		logs:   make(map[core.PartitionID]*partitionLog),
	}
}

// AddLog hosts an already open log. The caller keeps ownership.
func (i *WALIngestor) AddLog(w *wal.WAL) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.logs[w.Partition()] = &partitionLog{log: w}
}

func (i *WALIngestor) partition(pid core.PartitionID) (*partitionLog, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.logs[pid]; ok {
		return p, nil
	}
	if i.open == nil {
		return nil, fmt.Errorf("%s: %w", pid, ErrUnknownPartition)
	}
	w, err := i.open(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open log of partition %s: %w", pid, err)
	}
	p := &partitionLog{log: w, owned: true}
	i.logs[pid] = p
	i.logger.Info("Opened partition log", "partition", pid.String(), "dir", w.Dir(), "last_decree", w.LastDecree())
	return p, nil
}

// Ingest appends the mutations of batch that the partition log does not hold
// yet and marks them committed.
func (i *WALIngestor) Ingest(ctx context.Context, batch duplication.Batch) (core.Decree, error) {
	if err := ctx.Err(); err != nil {
		return core.InvalidDecree, err
	}
	p, err := i.partition(batch.Partition)
	if err != nil {
		return core.InvalidDecree, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last := p.log.LastDecree()
	futures := make([]*wal.AppendFuture, 0, len(batch.Mutations))
	skipped := 0
	for _, m := range batch.Mutations {
		if m.Decree <= last {
			skipped++
			continue
		}
		futures = append(futures, p.log.Append(m))
	}
	// Queued appends complete regardless of ctx, so always wait for them.
	for _, f := range futures {
		<-f.Done()
		if err := f.Err(); err != nil {
			return core.InvalidDecree, fmt.Errorf("failed to append duplicated mutation: %w", err)
		}
	}
	if skipped > 0 {
		i.logger.Debug("Skipped mutations already held", "partition", batch.Partition.String(), "skipped", skipped)
	}
	if len(futures) > 0 {
		p.log.UpdateMaxCommitOnDisk(batch.LastDecree())
	}
	return p.log.LastDecree(), nil
}

// Close closes the logs the ingestor opened itself.
func (i *WALIngestor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	for pid, p := range i.logs {
		if !p.owned {
			continue
		}
		if err := p.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log of partition %s: %w", pid, err))
		}
		delete(i.logs, pid)
	}
	return errors.Join(errs...)
}
