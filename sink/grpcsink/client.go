package grpcsink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/sink"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Options configures a Sink.
type Options struct {
	// Address is a gRPC target, e.g. "dr-cluster:34601".
	Address string
	// TLS enables transport security. Nil means plaintext.
	TLS *tls.Config
	// Compressor is applied to every batch. Nil means no compression.
	Compressor core.Compressor
	// CallTimeout bounds one Ship call on top of the caller's context.
	CallTimeout time.Duration
	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

// Sink is a duplication.BacklogSink talking to a remote Backlog service.
type Sink struct {
	conn       *grpc.ClientConn
	compressor core.Compressor
	timeout    time.Duration
	logger     *slog.Logger
}

var _ duplication.BacklogSink = (*Sink)(nil)

// New creates a sink. The connection is established lazily on the first Ship.
func New(opts Options) (*Sink, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts.DialOptions...)
	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog client for %s: %w", opts.Address, err)
	}
	return &Sink{
		conn:       conn,
		compressor: opts.Compressor,
		timeout:    opts.CallTimeout,
		logger:     opts.Logger.With("component", "GRPCBacklogSink", "remote", opts.Address),
	}, nil
}

// Ship sends batch and returns the remote side's acknowledgement.
func (s *Sink) Ship(ctx context.Context, batch duplication.Batch) (duplication.Ack, error) {
	frame, err := sink.EncodeBatch(batch, s.compressor)
	if err != nil {
		return duplication.Ack{}, duplication.Permanent(err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := new(wrapperspb.Int64Value)
	if err := s.conn.Invoke(ctx, shipMethod, wrapperspb.Bytes(frame), out); err != nil {
		s.logger.Debug("Ship call failed", "first_decree", batch.FirstDecree(), "last_decree", batch.LastDecree(), "error", err)
		return duplication.Ack{}, Classify(err)
	}
	return duplication.Ack{LastDecree: out.GetValue()}, nil
}

// Close closes the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}

// Classify tags a gRPC error as transient or permanent. Codes that describe
// the remote's or the network's condition are transient; codes that describe
// the request are permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return duplication.Transient(err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return duplication.Transient(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Canceled, codes.Internal, codes.Unknown:
		return duplication.Transient(err)
	default:
		return duplication.Permanent(err)
	}
}
