package server

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/internal/testutil"
	"github.com/INLOpen/nexusdup/sink/grpcsink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var testPID = core.PartitionID{AppID: 1, PartitionIndex: 3}

func quietConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Debug.Enabled = false
	cfg.SelfMonitoring.Enabled = false
	return cfg
}

func TestAppServer_ServesBacklogOverBufconn(t *testing.T) {
	logger := testutil.DiscardLogger()
	w := testutil.OpenLog(t, t.TempDir(), testPID, 64*1024)
	ingestor := grpcsink.NewWALIngestor(nil, logger)
	ingestor.AddLog(w)

	lis := testutil.NewBufconnListener(0)
	app, err := NewAppServer(quietConfig(t), AppServerOptions{
		Backlog:          grpcsink.NewServer(ingestor, logger),
		ReceiverListener: lis,
	}, logger)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := testutil.DialBufconn(t, lis)
	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx,
		&grpc_health_v1.HealthCheckRequest{Service: grpcsink.ServiceName}, grpc.WaitForReady(true))
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, health.GetStatus())

	sink, err := grpcsink.New(grpcsink.Options{
		Address:     testutil.BufconnTarget,
		CallTimeout: 5 * time.Second,
		DialOptions: testutil.BufconnDialOptions(lis),
		Logger:      logger,
	})
	require.NoError(t, err)
	defer sink.Close()

	batch := duplication.Batch{Partition: testPID}
	for d := core.Decree(1); d <= 20; d++ {
		batch.Mutations = append(batch.Mutations, testutil.Mutation(testPID, d, 16))
	}
	ack, err := sink.Ship(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, core.Decree(20), ack.LastDecree)
	assert.Equal(t, core.Decree(20), w.LastDecree())

	app.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app server did not stop")
	}
}

func TestAppServer_NothingToStart(t *testing.T) {
	app, err := NewAppServer(quietConfig(t), AppServerOptions{}, testutil.DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	app.Stop()
}

func TestAppServer_CollectorOnly(t *testing.T) {
	cfg := quietConfig(t)
	cfg.SelfMonitoring.Enabled = true
	cfg.SelfMonitoring.Interval = "1h"
	app, err := NewAppServer(cfg, AppServerOptions{DiskPath: t.TempDir()}, testutil.DiscardLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start() }()
	app.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app server did not stop")
	}
}
