package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/INLOpen/nexusdup/hooks/listeners"
	"github.com/INLOpen/nexusdup/internal/bootstrap"
	"github.com/INLOpen/nexusdup/server"
	"github.com/INLOpen/nexusdup/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := bootstrap.CreateLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Node exited with an error", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	tp, tracerCleanup, err := bootstrap.InitTracerProvider(cfg.Tracing, "nexusdup-node", logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer tracerCleanup()

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPostWALRecovery, listeners.NewRecoveryAlerterListener(logger))
	progress := listeners.NewDuplicationReporter(logger)
	progress.Register(hookManager)

	logs := make(map[core.PartitionID]*wal.WAL, len(cfg.Partitions))
	defer func() {
		for pid, w := range logs {
			if err := w.Close(); err != nil {
				logger.Error("Failed to close log", "partition", pid.String(), "error", err)
			}
		}
	}()
	for _, p := range cfg.Partitions {
		w, err := bootstrap.OpenPartitionLog(cfg.Log, cfg.Log.Dir, p.ID(), hookManager, logger)
		if err != nil {
			return err
		}
		logs[p.ID()] = w
		logger.Info("Opened partition log", "partition", p.ID().String(), "last_decree", w.LastDecree(), "max_commit_decree", w.MaxCommitOnDisk())
	}

	opts := bootstrap.DuplicationOptions(cfg.Duplication, logger)
	opts.HookManager = hookManager
	opts.TracerProvider = tp
	opts.Metrics = duplication.NewMetrics(cfg.Duplication.MetricsPrefix)
	manager := duplication.NewManager(opts)
	// Duplicators must stop before the logs they read are closed.
	defer func() {
		if err := manager.StopAll(); err != nil {
			logger.Error("Failed to stop duplications", "error", err)
		}
	}()

	for _, dup := range cfg.Duplications {
		partitions := dup.Partitions
		if len(partitions) == 0 {
			partitions = cfg.Partitions
		}
		for _, p := range partitions {
			sink, err := bootstrap.NewSink(cfg.Sink, dup.RemoteAddress, logger)
			if err != nil {
				return fmt.Errorf("failed to create sink for duplication %d: %w", dup.DupID, err)
			}
			if _, err := manager.Add(dup.DuplicationEntry, logs[p.ID()], sink); err != nil {
				_ = sink.Close()
				return err
			}
		}
	}
	if err := manager.StartAll(); err != nil {
		// Failed duplicators are paused and reported; the rest keep running.
		logger.Error("Some duplications failed to start", "error", err)
	}

	appServer, err := server.NewAppServer(cfg, server.AppServerOptions{
		Reporter: manager,
		DiskPath: cfg.Log.Dir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create application server: %w", err)
	}

	logger.Info("Node running. Press Ctrl+C to exit.", "partitions", len(logs), "duplications", len(cfg.Duplications))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()

	select {
	case err := <-serverErrChan:
		if err != nil {
			return err
		}
		// Nothing to serve; keep duplicating until asked to stop.
		<-quit
	case <-quit:
		logger.Info("Shutdown signal received. Stopping node...")
		appServer.Stop()
		<-serverErrChan
	}
	logger.Info("Node exited gracefully.")
	return nil
}
