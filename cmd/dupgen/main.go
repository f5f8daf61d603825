package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/internal/bootstrap"
	"github.com/INLOpen/nexusdup/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	appID := flag.Int("app", 1, "App id of the partition")
	partitionIndex := flag.Int("partition", 0, "Partition index")
	count := flag.Int("count", 10000, "Number of mutations to append")
	payloadSize := flag.Int("payload", 128, "Payload bytes per mutation")
	ballot := flag.Int64("ballot", 1, "Ballot written into every mutation")
	commitTail := flag.Bool("commit", true, "Append an empty mutation so every generated mutation is committed")
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

	pid := core.PartitionID{AppID: int32(*appID), PartitionIndex: int32(*partitionIndex)}
	w, err := bootstrap.OpenPartitionLog(cfg.Log, cfg.Log.Dir, pid, nil, logger)
	if err != nil {
		logger.Error("Failed to open log", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	last, err := generate(w, *count, *payloadSize, *ballot, *commitTail)
	closeErr := w.Close()
	if err != nil {
		logger.Error("Failed to generate mutations", "error", err)
		os.Exit(1)
	}
	if closeErr != nil {
		logger.Error("Failed to close log", "error", closeErr)
		os.Exit(1)
	}
	logger.Info("Generated mutations", "partition", pid.String(), "count", *count, "last_decree", last, "elapsed", time.Since(start))
}

// generate appends count mutations after the last decree of w and returns the
// last decree written.
func generate(w *wal.WAL, count, payloadSize int, ballot core.Ballot, commitTail bool) (core.Decree, error) {
	clock := core.NewUniqTimestamp()
	payload := make([]byte, payloadSize)
	decree := w.LastDecree()

	const window = 256
	futures := make([]*wal.AppendFuture, 0, window)
	flush := func() error {
		for _, f := range futures {
			<-f.Done()
			if err := f.Err(); err != nil {
				return err
			}
		}
		futures = futures[:0]
		return nil
	}

	for i := 0; i < count; i++ {
		decree++
		for j := range payload {
			payload[j] = byte('a' + (int(decree)+j)%26)
		}
		m := &core.Mutation{
			Ballot:              ballot,
			Decree:              decree,
			Partition:           w.Partition(),
			LastCommittedDecree: decree - 1,
			Timestamp:           clock.Next(),
			Updates:             []core.MutationUpdate{{Code: 1, Payload: append([]byte(nil), payload...)}},
		}
		futures = append(futures, w.Append(m))
		if len(futures) == window {
			if err := flush(); err != nil {
				return decree, fmt.Errorf("append decree %d: %w", decree, err)
			}
		}
	}
	if err := flush(); err != nil {
		return decree, err
	}

	if commitTail && count > 0 {
		decree++
		commit := &core.Mutation{
			Ballot:              ballot,
			Decree:              decree,
			Partition:           w.Partition(),
			LastCommittedDecree: decree - 1,
			Timestamp:           clock.Next(),
		}
		if err := w.AppendSync(context.Background(), commit); err != nil {
			return decree, fmt.Errorf("append commit point: %w", err)
		}
	}
	return decree, nil
}
