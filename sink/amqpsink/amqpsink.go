// Package amqpsink ships duplication batches to a RabbitMQ exchange with
// publisher confirms. Every batch is one message whose body is a batch frame.
package amqpsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/sink"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Message header keys.
const (
	HeaderPartition   = "nexusdup-partition"
	HeaderFirstDecree = "nexusdup-first-decree"
	HeaderLastDecree  = "nexusdup-last-decree"
)

// ContentType of every published message.
const ContentType = "application/vnd.nexusdup.batch"

// ErrNacked is returned when the broker negatively acknowledges a message.
var ErrNacked = errors.New("message nacked by broker")

// Config configures the RabbitMQ connection and target exchange.
type Config struct {
	URL      string
	Exchange string
	// RoutingKey defaults to the partition id of each batch.
	RoutingKey string
	Username   string
	Password   string
	TLS        *tls.Config
}

// Validate checks the fields Dial needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if strings.TrimSpace(c.Exchange) == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// Publisher publishes one message and reports whether the broker acked it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) (bool, error)
	Close() error
}

// ChannelPublisher publishes on a confirm-mode channel. A closed connection
// or channel is replaced on the next Publish.
type ChannelPublisher struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// Dial connects to the broker and puts a channel in confirm mode.
func Dial(cfg Config, logger *slog.Logger) (*ChannelPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &ChannelPublisher{cfg: cfg, logger: logger.With("component", "AMQPPublisher")}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ChannelPublisher) connectLocked() error {
	dialCfg := amqp091.Config{TLSClientConfig: p.cfg.TLS}
	if p.cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: p.cfg.Username, Password: p.cfg.Password}}
	}
	conn, err := amqp091.DialConfig(p.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("Connected to rabbitmq", "exchange", p.cfg.Exchange)
	return nil
}

func (p *ChannelPublisher) channel() (*amqp091.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() && !p.conn.IsClosed() {
		return p.ch, nil
	}
	_ = p.closeLocked()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p.ch, nil
}

// Publish sends msg and waits for the broker's confirm.
func (p *ChannelPublisher) Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) (bool, error) {
	ch, err := p.channel()
	if err != nil {
		return false, err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return false, err
	}
	return confirm.WaitContext(ctx)
}

// Close closes the channel and the connection.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *ChannelPublisher) closeLocked() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}

// Sink is a duplication.BacklogSink publishing to RabbitMQ.
type Sink struct {
	publisher  Publisher
	exchange   string
	routingKey string
	compressor core.Compressor
	logger     *slog.Logger
}

var _ duplication.BacklogSink = (*Sink)(nil)

// New wraps publisher. The sink owns it and closes it on Close. A nil
// compressor ships uncompressed frames.
func New(publisher Publisher, cfg Config, compressor core.Compressor, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{
		publisher:  publisher,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		compressor: compressor,
		logger:     logger.With("component", "AMQPBacklogSink", "exchange", cfg.Exchange),
	}
}

// Ship publishes the batch as one persistent message.
func (s *Sink) Ship(ctx context.Context, batch duplication.Batch) (duplication.Ack, error) {
	frame, err := sink.EncodeBatch(batch, s.compressor)
	if err != nil {
		return duplication.Ack{}, duplication.Permanent(err)
	}
	key := s.routingKey
	if key == "" {
		key = batch.Partition.String()
	}
	msg := amqp091.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		MessageId:    fmt.Sprintf("%s-%d-%d", batch.Partition, batch.FirstDecree(), batch.LastDecree()),
		Headers: amqp091.Table{
			HeaderPartition:   batch.Partition.String(),
			HeaderFirstDecree: strconv.FormatInt(batch.FirstDecree(), 10),
			HeaderLastDecree:  strconv.FormatInt(batch.LastDecree(), 10),
		},
		Body: frame,
	}

	acked, err := s.publisher.Publish(ctx, s.exchange, key, msg)
	if err != nil {
		s.logger.Debug("Publish failed", "routing_key", key, "last_decree", batch.LastDecree(), "error", err)
		return duplication.Ack{}, Classify(err)
	}
	if !acked {
		return duplication.Ack{}, duplication.Transient(ErrNacked)
	}
	return duplication.Ack{LastDecree: batch.LastDecree()}, nil
}

// Close closes the publisher.
func (s *Sink) Close() error {
	return s.publisher.Close()
}

// Classify tags a publish error. Broker replies that name a problem with the
// request itself (missing exchange, refused access, oversized content) are
// permanent; closed connections, network errors and everything else are
// transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return duplication.Transient(err)
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp091.ContentTooLarge, amqp091.AccessRefused, amqp091.NotFound,
			amqp091.PreconditionFailed, amqp091.NotAllowed, amqp091.NotImplemented:
			return duplication.Permanent(err)
		}
		return duplication.Transient(err)
	}
	return duplication.Transient(err)
}
