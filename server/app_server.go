package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/sink/grpcsink"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// AppServerOptions selects the servers an AppServer runs.
type AppServerOptions struct {
	// Backlog enables the gRPC receiver. Nil on a duplicating node.
	Backlog *grpcsink.Server
	// ReceiverListener overrides cfg.Receiver.ListenAddress.
	ReceiverListener net.Listener
	// Reporter backs the /duplications endpoint of the metrics server.
	Reporter DuplicationReporter
	// DiskPath is the directory whose disk the system collector watches.
	DiskPath string
}

// AppServer manages all network-facing servers and background collectors.
type AppServer struct {
	receiverLis   net.Listener
	receiver      *ReceiverServer
	metricsServer *MetricsServer
	collector     *SystemCollector
	logger        *slog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewAppServer creates and initializes a new application server.
func NewAppServer(cfg *config.Config, opts AppServerOptions, logger *slog.Logger) (*AppServer, error) {
	appSrv := &AppServer{
		logger: logger.With("component", "AppServer"),
	}
	appSrv.ctx, appSrv.cancel = context.WithCancel(context.Background())

	if opts.Backlog != nil {
		tlsConfig, err := cfg.Receiver.TLS.ServerTLS()
		if err != nil {
			return nil, fmt.Errorf("could not load TLS credentials: %w", err)
		}
		lis := opts.ReceiverListener
		if lis == nil {
			lis, err = net.Listen("tcp", cfg.Receiver.ListenAddress)
			if err != nil {
				return nil, fmt.Errorf("failed to listen on receiver address %s: %w", cfg.Receiver.ListenAddress, err)
			}
		}
		appSrv.receiver = NewReceiverServer(opts.Backlog, tlsConfig, logger)
		appSrv.receiverLis = lis
		logger.Info("gRPC receiver will listen on", "address", lis.Addr().String())
	}

	if cfg.Debug.Enabled {
		appSrv.metricsServer = NewMetricsServer(&cfg.Debug, opts.Reporter, logger)
	}
	if cfg.SelfMonitoring.Enabled && opts.DiskPath != "" {
		interval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
		appSrv.collector = NewSystemCollector(opts.DiskPath, interval, logger)
	}
	return appSrv, nil
}

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start() error {
	if s.receiver == nil && s.metricsServer == nil && s.collector == nil {
		s.logger.Error("No servers to start.")
		return nil
	}

	g, ctx := errgroup.WithContext(s.ctx)

	if s.collector != nil {
		s.collector.Start()
		defer s.collector.Stop()
	}

	if s.receiver != nil {
		g.Go(func() error {
			// This goroutine waits for the shutdown signal and stops the gRPC server.
			go func() {
				<-ctx.Done()
				s.logger.Info("Context cancelled, stopping gRPC server...")
				s.receiver.Stop()
			}()
			s.logger.Info("Starting gRPC server...")
			return s.receiver.Start(s.receiverLis)
		})
	}

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start()
		})
	}

	if s.receiver == nil && s.metricsServer == nil {
		<-ctx.Done()
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()

	// Differentiate between a graceful shutdown and an actual error.
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}

	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	s.cancel()
}
