// Package bootstrap holds the process wiring shared by the binaries: logger
// and tracer construction, partition logs and sinks built from config.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/nexusdup/compressors"
	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/hooks"
	"github.com/INLOpen/nexusdup/sink/amqpsink"
	"github.com/INLOpen/nexusdup/sink/grpcsink"
	"github.com/INLOpen/nexusdup/sink/kafkasink"
	"github.com/INLOpen/nexusdup/wal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// CreateLogger creates a slog.Logger based on the provided configuration.
func CreateLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// InitTracerProvider creates and configures an OpenTelemetry TracerProvider
// exporting to an OTLP collector. With tracing disabled it returns a provider
// without exporters.
func InitTracerProvider(cfg config.TracingConfig, serviceName string, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// OpenPartitionLog opens the log of pid under root, laid out the same way
// the receiver lays out the logs it ingests into.
func OpenPartitionLog(cfg config.LogConfig, root string, pid core.PartitionID, hm hooks.HookManager, logger *slog.Logger) (*wal.WAL, error) {
	w, err := wal.Open(wal.Options{
		Dir:            grpcsink.PartitionDir(root, pid),
		Partition:      pid,
		SyncMode:       wal.WALSyncMode(cfg.SyncMode),
		MaxSegmentSize: cfg.MaxSegmentSizeBytes,
		QueueSize:      cfg.QueueSize,
		LockTimeout:    config.ParseDuration(cfg.LockTimeout, 5*time.Second, logger),
		Logger:         logger,
		HookManager:    hm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log of partition %s: %w", pid, err)
	}
	return w, nil
}

// DuplicationOptions turns the duplication section into duplicator options.
// Metrics are not set.
func DuplicationOptions(cfg config.DuplicationConfig, logger *slog.Logger) duplication.Options {
	def := duplication.DefaultBackoff
	backoff := duplication.BackoffConfig{
		InitialInterval:     config.ParseDuration(cfg.Backoff.InitialInterval, def.InitialInterval, logger),
		MaxInterval:         config.ParseDuration(cfg.Backoff.MaxInterval, def.MaxInterval, logger),
		Multiplier:          cfg.Backoff.Multiplier,
		RandomizationFactor: cfg.Backoff.RandomizationFactor,
	}
	return duplication.Options{
		MaxBatchMutations: cfg.MaxBatchMutations,
		MaxBatchBytes:     cfg.MaxBatchBytes,
		ShipTimeout:       config.ParseDuration(cfg.ShipTimeout, 10*time.Second, logger),
		Backoff:           backoff,
		Logger:            logger,
	}
}

// NewSink builds the configured sink. remoteAddress overrides the gRPC
// target when set.
func NewSink(cfg config.SinkConfig, remoteAddress string, logger *slog.Logger) (duplication.BacklogSink, error) {
	switch strings.ToLower(cfg.Type) {
	case config.SinkGRPC:
		tlsConfig, err := cfg.TLS.ClientTLS()
		if err != nil {
			return nil, err
		}
		compressor, err := compressors.Parse(cfg.Compression)
		if err != nil {
			return nil, err
		}
		address := cfg.Address
		if remoteAddress != "" {
			address = remoteAddress
		}
		s, err := grpcsink.New(grpcsink.Options{
			Address:     address,
			TLS:         tlsConfig,
			Compressor:  compressor,
			CallTimeout: config.ParseDuration(cfg.CallTimeout, 10*time.Second, logger),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.SinkKafka:
		tlsConfig, err := cfg.TLS.ClientTLS()
		if err != nil {
			return nil, err
		}
		kcfg := kafkasink.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			ClientID:        cfg.Kafka.ClientID,
			Compression:     cfg.Kafka.Compression,
			DeliveryTimeout: config.ParseDuration(cfg.Kafka.DeliveryTimeout, 30*time.Second, logger),
			TLS:             tlsConfig,
		}
		client, err := kafkasink.NewClient(kcfg)
		if err != nil {
			return nil, err
		}
		return kafkasink.New(client, kcfg.Topic, logger), nil

	case config.SinkAMQP:
		tlsConfig, err := cfg.TLS.ClientTLS()
		if err != nil {
			return nil, err
		}
		compressor, err := compressors.Parse(cfg.Compression)
		if err != nil {
			return nil, err
		}
		acfg := amqpsink.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Username:   cfg.AMQP.Username,
			Password:   cfg.AMQP.Password,
			TLS:        tlsConfig,
		}
		publisher, err := amqpsink.Dial(acfg, logger)
		if err != nil {
			return nil, err
		}
		return amqpsink.New(publisher, acfg, compressor, logger), nil

	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
