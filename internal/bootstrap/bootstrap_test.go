package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/internal/testutil"
	"github.com/INLOpen/nexusdup/sink/grpcsink"
	"github.com/INLOpen/nexusdup/sink/kafkasink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger(t *testing.T) {
	t.Run("Stdout", func(t *testing.T) {
		logger, closer, err := CreateLogger(config.LoggingConfig{Level: "info", Output: "stdout"})
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Nil(t, closer)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.log")
		logger, closer, err := CreateLogger(config.LoggingConfig{Level: "debug", Output: "file", File: path})
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Info("hello", "k", "v")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"hello"`)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, _, err := CreateLogger(config.LoggingConfig{Level: "loud", Output: "stdout"})
		require.Error(t, err)
		_, _, err = CreateLogger(config.LoggingConfig{Level: "info", Output: "syslog"})
		require.Error(t, err)
		_, _, err = CreateLogger(config.LoggingConfig{Level: "info", Output: "file"})
		require.Error(t, err)
	})
}

func TestInitTracerProvider_Disabled(t *testing.T) {
	tp, cleanup, err := InitTracerProvider(config.TracingConfig{}, "nexusdup-test", testutil.DiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, tp)
	cleanup()

	_, _, err = InitTracerProvider(config.TracingConfig{Enabled: true, Protocol: "carrier"}, "nexusdup-test", testutil.DiscardLogger())
	require.Error(t, err)
}

func TestOpenPartitionLog(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	root := t.TempDir()
	pid := core.PartitionID{AppID: 5, PartitionIndex: 2}

	w, err := OpenPartitionLog(cfg.Log, root, pid, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, grpcsink.PartitionDir(root, pid), w.Dir())
	assert.Equal(t, pid, w.Partition())
}

func TestDuplicationOptions(t *testing.T) {
	opts := DuplicationOptions(config.DuplicationConfig{
		MaxBatchMutations: 32,
		ShipTimeout:       "3s",
		Backoff:           config.BackoffConfig{InitialInterval: "20ms", Multiplier: 1.5},
	}, testutil.DiscardLogger())
	assert.Equal(t, 32, opts.MaxBatchMutations)
	assert.Equal(t, 3*time.Second, opts.ShipTimeout)
	assert.Equal(t, 20*time.Millisecond, opts.Backoff.InitialInterval)
	assert.Equal(t, 5*time.Second, opts.Backoff.MaxInterval)
	assert.Equal(t, 1.5, opts.Backoff.Multiplier)
}

func TestNewSink(t *testing.T) {
	logger := testutil.DiscardLogger()

	s, err := NewSink(config.SinkConfig{Type: "grpc", Address: "localhost:1", Compression: "snappy"}, "", logger)
	require.NoError(t, err)
	assert.IsType(t, &grpcsink.Sink{}, s)
	require.NoError(t, s.Close())

	s, err = NewSink(config.SinkConfig{
		Type:  "kafka",
		Kafka: config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "dup", Compression: "lz4"},
	}, "", logger)
	require.NoError(t, err)
	assert.IsType(t, &kafkasink.Sink{}, s)
	require.NoError(t, s.Close())

	_, err = NewSink(config.SinkConfig{Type: "grpc", Address: "localhost:1", Compression: "brotli"}, "", logger)
	require.Error(t, err)
	_, err = NewSink(config.SinkConfig{Type: "pigeon"}, "", logger)
	require.Error(t, err)
}
