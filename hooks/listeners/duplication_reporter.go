package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
)

// DuplicationProgress is the last progress a DuplicationReporter saw for one
// duplication of one partition.
type DuplicationProgress struct {
	Status          core.DuplicationStatus
	ConfirmedDecree core.Decree
	Batches         int64
	Mutations       int64
	Retries         int64
}

type progressKey struct {
	dupID     core.DupID
	partition core.PartitionID
}

// DuplicationReporter logs duplication status changes and keeps the latest
// shipping progress per duplication.
type DuplicationReporter struct {
	logger *slog.Logger

	mu       sync.Mutex
	progress map[progressKey]DuplicationProgress
}

// NewDuplicationReporter creates a reporter. Register it for
// hooks.EventPostDuplicationShip and hooks.EventDuplicationStatus.
func NewDuplicationReporter(logger *slog.Logger) *DuplicationReporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DuplicationReporter{
		logger:   logger.With("component", "DuplicationReporter"),
		progress: make(map[progressKey]DuplicationProgress),
	}
}

// Register subscribes the reporter to the events it understands.
func (r *DuplicationReporter) Register(hm hooks.HookManager) {
	hm.Register(hooks.EventPostDuplicationShip, r)
	hm.Register(hooks.EventDuplicationStatus, r)
}

// OnEvent handles ship and status events.
func (r *DuplicationReporter) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostDuplicationShip:
		payload, ok := event.Payload().(hooks.DuplicationShipPayload)
		if !ok {
			r.logger.Error("Received PostDuplicationShip event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		r.mu.Lock()
		key := progressKey{dupID: payload.DupID, partition: payload.Partition}
		p := r.progress[key]
		p.ConfirmedDecree = max(p.ConfirmedDecree, payload.ConfirmedDecree)
		p.Batches++
		p.Mutations += int64(payload.Mutations)
		if payload.Attempts > 1 {
			p.Retries += int64(payload.Attempts - 1)
		}
		r.progress[key] = p
		r.mu.Unlock()

		r.logger.Debug("Batch duplicated",
			"dup_id", payload.DupID,
			"partition", payload.Partition.String(),
			"first_decree", payload.FirstDecree,
			"last_decree", payload.LastDecree,
			"attempts", payload.Attempts,
		)
	case hooks.EventDuplicationStatus:
		payload, ok := event.Payload().(hooks.DuplicationStatusPayload)
		if !ok {
			r.logger.Error("Received DuplicationStatusChanged event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		r.mu.Lock()
		key := progressKey{dupID: payload.DupID, partition: payload.Partition}
		p := r.progress[key]
		p.Status = payload.To
		r.progress[key] = p
		r.mu.Unlock()

		r.logger.Info("Duplication status changed",
			"dup_id", payload.DupID,
			"partition", payload.Partition.String(),
			"from", payload.From.String(),
			"to", payload.To.String(),
		)
	}
	return nil
}

// Progress returns what the reporter has seen for one duplication.
func (r *DuplicationReporter) Progress(dupID core.DupID, partition core.PartitionID) (DuplicationProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[progressKey{dupID: dupID, partition: partition}]
	return p, ok
}

// Priority defines the execution order.
func (r *DuplicationReporter) Priority() int { return 100 }

// IsAsync is false so progress is visible as soon as Trigger returns.
func (r *DuplicationReporter) IsAsync() bool { return false }
