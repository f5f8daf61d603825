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
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/INLOpen/nexusdup/hooks/listeners"
	"github.com/INLOpen/nexusdup/internal/bootstrap"
	"github.com/INLOpen/nexusdup/server"
	"github.com/INLOpen/nexusdup/sink/grpcsink"
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

	logger, logCloser, err := bootstrap.CreateLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Receiver exited with an error", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Receiver.DataDir == "" {
		return fmt.Errorf("receiver data_dir must be specified in the configuration file")
	}
	logger.Info("Using data directory", "path", cfg.Receiver.DataDir)

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPostWALRecovery, listeners.NewRecoveryAlerterListener(logger))

	ingestor := grpcsink.NewWALIngestor(func(pid core.PartitionID) (*wal.WAL, error) {
		return bootstrap.OpenPartitionLog(cfg.Log, cfg.Receiver.DataDir, pid, hookManager, logger)
	}, logger)
	defer func() {
		if err := ingestor.Close(); err != nil {
			logger.Error("Failed to close partition logs", "error", err)
		}
	}()

	appServer, err := server.NewAppServer(cfg, server.AppServerOptions{
		Backlog:  grpcsink.NewServer(ingestor, logger),
		DiskPath: cfg.Receiver.DataDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create application server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-quit:
		logger.Info("Shutdown signal received. Stopping receiver...")
		appServer.Stop()
		<-serverErrChan
	}
	logger.Info("Receiver exited gracefully.")
	return nil
}
