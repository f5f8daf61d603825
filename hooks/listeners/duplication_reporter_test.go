package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicationReporter_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	pid := core.PartitionID{AppID: 3, PartitionIndex: 7}

	reporter := NewDuplicationReporter(logger)
	hm := hooks.NewHookManager(nil)
	reporter.Register(hm)

	_, ok := reporter.Progress(1, pid)
	assert.False(t, ok)

	t.Run("Tracks status changes", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, hm.Trigger(context.Background(), hooks.NewDuplicationStatusEvent(hooks.DuplicationStatusPayload{
			DupID: 1, Partition: pid, From: core.DuplicationStarting, To: core.DuplicationRunning,
		})))

		p, ok := reporter.Progress(1, pid)
		require.True(t, ok)
		assert.Equal(t, core.DuplicationRunning, p.Status)
		assert.Contains(t, logBuf.String(), "Duplication status changed")
		assert.Contains(t, logBuf.String(), `"to":"running"`)
	})

	t.Run("Accumulates shipped batches", func(t *testing.T) {
		for i, attempts := range []int{1, 3} {
			require.NoError(t, hm.Trigger(context.Background(), hooks.NewPostDuplicationShipEvent(hooks.DuplicationShipPayload{
				DupID:           1,
				Partition:       pid,
				FirstDecree:     int64(i*10 + 1),
				LastDecree:      int64(i*10 + 10),
				Mutations:       10,
				Attempts:        attempts,
				ConfirmedDecree: int64(i*10 + 10),
			})))
		}

		p, ok := reporter.Progress(1, pid)
		require.True(t, ok)
		assert.Equal(t, core.DuplicationRunning, p.Status)
		assert.Equal(t, int64(20), p.ConfirmedDecree)
		assert.Equal(t, int64(2), p.Batches)
		assert.Equal(t, int64(20), p.Mutations)
		assert.Equal(t, int64(2), p.Retries)
	})

	t.Run("Keeps duplications apart", func(t *testing.T) {
		_, ok := reporter.Progress(2, pid)
		assert.False(t, ok)
		_, ok = reporter.Progress(1, core.PartitionID{AppID: 3, PartitionIndex: 8})
		assert.False(t, ok)
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, reporter.OnEvent(context.Background(), hooks.NewPostWALPurgeEvent(hooks.PostWALPurgePayload{})))
		assert.Empty(t, logBuf.String())
	})
}
