package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdup/hooks"
)

// RecoveryAlerterListener warns when opening a log had to cut away a damaged
// tail.
type RecoveryAlerterListener struct {
	logger *slog.Logger
}

// NewRecoveryAlerterListener creates a new listener for log recovery events.
func NewRecoveryAlerterListener(logger *slog.Logger) *RecoveryAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecoveryAlerterListener{
		logger: logger.With("component", "RecoveryAlerterListener"),
	}
}

// OnEvent handles the PostWALRecovery event.
func (l *RecoveryAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostWALRecovery {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostWALRecoveryPayload)
	if !ok {
		l.logger.Error("Received PostWALRecovery event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.TruncatedBytes == 0 {
		return nil
	}

	l.logger.Warn("Log tail was truncated during recovery",
		"partition", payload.Partition.String(),
		"path", payload.TruncatedPath,
		"truncated_bytes", payload.TruncatedBytes,
		"last_decree", payload.LastDecree,
	)
	return nil
}

// Priority defines the execution order.
func (l *RecoveryAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *RecoveryAlerterListener) IsAsync() bool { return true }
