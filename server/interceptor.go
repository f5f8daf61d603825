package server

import (
	"context"
	"expvar"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RequestInterceptor logs and counts the unary calls of the receiver.
type RequestInterceptor struct {
	logger   *slog.Logger
	requests *expvar.Int
	failures *expvar.Int
}

// NewRequestInterceptor creates a new RequestInterceptor.
func NewRequestInterceptor(logger *slog.Logger) *RequestInterceptor {
	return &RequestInterceptor{
		logger:   logger.With("component", "RequestInterceptor"),
		requests: publishExpvarInt("receiver_requests_total"),
		failures: publishExpvarInt("receiver_request_failures_total"),
	}
}

// Unary returns a gRPC unary server interceptor.
func (i *RequestInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		i.requests.Add(1)
		resp, err := handler(ctx, req)
		if err != nil {
			i.failures.Add(1)
			code := status.Code(err)
			level := slog.LevelWarn
			if code == codes.Internal || code == codes.Unknown {
				level = slog.LevelError
			}
			i.logger.Log(ctx, level, "Request failed", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start), "error", err)
			return resp, err
		}
		i.logger.Debug("Request served", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}
