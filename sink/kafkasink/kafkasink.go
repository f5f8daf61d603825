// Package kafkasink ships duplication batches to a Kafka topic. Each mutation
// becomes one record keyed by its partition, so a topic partition receives
// the mutations of a source partition in decree order.
package kafkasink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/wal"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record header keys.
const (
	HeaderDecree    = "nexusdup-decree"
	HeaderBallot    = "nexusdup-ballot"
	HeaderPartition = "nexusdup-partition"
)

// Producer is the part of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config configures the Kafka producer.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Compression is one of none, snappy, lz4, zstd.
	Compression     string
	DeliveryTimeout time.Duration
	TLS             *tls.Config
}

// Validate checks the fields New and NewClient need.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic is required")
	}
	if _, err := compressionCodec(c.Compression); err != nil {
		return err
	}
	return nil
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return kgo.NoCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("unknown kafka compression %q", name)
	}
}

// NewClient creates a franz-go client producing to cfg.Topic with all
// in-sync replica acks.
func NewClient(cfg Config, opts ...kgo.Opt) (*kgo.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, _ := compressionCodec(cfg.Compression)
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(codec),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.DeliveryTimeout > 0 {
		kopts = append(kopts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}
	if cfg.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(cfg.TLS))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return cl, nil
}

// Sink is a duplication.BacklogSink producing to Kafka.
type Sink struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

var _ duplication.BacklogSink = (*Sink)(nil)

// New wraps producer. The sink owns it and closes it on Close.
func New(producer Producer, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "KafkaBacklogSink", "topic", topic),
	}
}

// Ship produces one record per mutation and waits for every record to be
// acknowledged.
func (s *Sink) Ship(ctx context.Context, batch duplication.Batch) (duplication.Ack, error) {
	key := []byte(batch.Partition.String())
	records := make([]*kgo.Record, 0, len(batch.Mutations))
	for _, m := range batch.Mutations {
		records = append(records, &kgo.Record{
			Topic:     s.topic,
			Key:       key,
			Value:     wal.EncodeMutation(make([]byte, 0, m.EncodedSize()), m),
			Timestamp: time.UnixMicro(int64(m.Timestamp)),
			Headers: []kgo.RecordHeader{
				{Key: HeaderDecree, Value: []byte(strconv.FormatInt(m.Decree, 10))},
				{Key: HeaderBallot, Value: []byte(strconv.FormatInt(m.Ballot, 10))},
				{Key: HeaderPartition, Value: key},
			},
		})
	}

	results := s.producer.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		s.logger.Debug("Produce failed", "first_decree", batch.FirstDecree(), "last_decree", batch.LastDecree(), "error", err)
		return duplication.Ack{}, Classify(err)
	}
	return duplication.Ack{LastDecree: batch.LastDecree()}, nil
}

// Close closes the producer.
func (s *Sink) Close() error {
	s.producer.Close()
	return nil
}

// Classify tags a produce error. Kafka errors the broker marks as
// retriable, client side timeouts and connectivity errors are transient;
// every other Kafka error code is permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, kgo.ErrRecordTimeout), errors.Is(err, kgo.ErrRecordRetries),
		errors.Is(err, kgo.ErrMaxBuffered), kerr.IsRetriable(err):
		return duplication.Transient(err)
	}
	var kafkaErr *kerr.Error
	if errors.As(err, &kafkaErr) {
		return duplication.Permanent(err)
	}
	return duplication.Transient(err)
}

// DecodeRecord turns a record written by Sink back into a mutation.
func DecodeRecord(r *kgo.Record) (*core.Mutation, error) {
	m, err := wal.DecodeMutation(r.Value)
	if err != nil {
		return nil, fmt.Errorf("record at %s/%d/%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	return m, nil
}
