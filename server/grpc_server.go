package server

import (
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/INLOpen/nexusdup/sink/grpcsink"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ReceiverServer serves the Backlog service of a remote cluster over gRPC.
type ReceiverServer struct {
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

// NewReceiverServer creates a gRPC server exposing backlog, the health
// service and reflection. A nil tlsConfig serves plaintext.
func NewReceiverServer(backlog *grpcsink.Server, tlsConfig *tls.Config, logger *slog.Logger) *ReceiverServer {
	s := &ReceiverServer{
		logger:    logger.With("component", "ReceiverServer"),
		healthSrv: health.NewServer(),
	}

	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		s.logger.Info("gRPC server initialized with TLS.")
	} else {
		s.logger.Info("gRPC server initialized without TLS (insecure).")
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(NewRequestInterceptor(logger).Unary()))

	s.server = grpc.NewServer(opts...)
	backlog.Register(s.server)
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	s.healthSrv.SetServingStatus(grpcsink.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(s.server)

	return s
}

// Start begins listening for gRPC requests.
func (s *ReceiverServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *ReceiverServer) Stop() {
	s.logger.Info("Stopping gRPC server...")
	s.healthSrv.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("gRPC server stopped.")
}
