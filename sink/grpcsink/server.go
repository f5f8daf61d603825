package grpcsink

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/INLOpen/nexusdup/sink"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Ingestor applies a received batch on the remote cluster and returns the
// highest decree the partition holds afterwards. Batches may arrive more
// than once.
type Ingestor interface {
	Ingest(ctx context.Context, batch duplication.Batch) (core.Decree, error)
}

// Server implements BacklogServer on top of an Ingestor.
type Server struct {
	ingestor Ingestor
	logger   *slog.Logger
}

var _ BacklogServer = (*Server)(nil)

// NewServer creates a backlog server.
func NewServer(ingestor Ingestor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		ingestor: ingestor,
		logger:   logger.With("component", "BacklogServer"),
	}
}

// Register adds the backlog service to reg.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	RegisterBacklogServer(reg, s)
}

// Ship decodes and ingests one batch.
func (s *Server) Ship(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	batch, err := sink.DecodeBatch(req.GetValue())
	if err != nil {
		s.logger.Warn("Rejected malformed batch", "bytes", len(req.GetValue()), "error", err)
		return nil, status.Errorf(codes.InvalidArgument, "malformed batch: %v", err)
	}

	last, err := s.ingestor.Ingest(ctx, batch)
	if err != nil {
		s.logger.Error("Failed to ingest batch", "partition", batch.Partition.String(), "first_decree", batch.FirstDecree(), "last_decree", batch.LastDecree(), "error", err)
		return nil, toStatus(err)
	}
	s.logger.Debug("Ingested batch", "partition", batch.Partition.String(), "mutations", len(batch.Mutations), "last_decree", last)
	return wrapperspb.Int64(last), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, ErrUnknownPartition):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, core.ErrRecordTooLarge), errors.Is(err, core.ErrPartitionMismatch):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, core.ErrLogClosed):
		return status.Errorf(codes.Unavailable, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
