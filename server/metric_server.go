package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nexusdup/config"
	"github.com/INLOpen/nexusdup/duplication"
	"github.com/arl/statsviz"
)

// DuplicationReporter lists the duplicators of a node.
type DuplicationReporter interface {
	Views() []duplication.Report
}

// DuplicationStatus is the JSON form of one duplicator served on /duplications.
type DuplicationStatus struct {
	DupID           int32  `json:"dup_id"`
	Partition       string `json:"partition"`
	RemoteAddress   string `json:"remote_address"`
	Status          string `json:"status"`
	ConfirmedDecree int64  `json:"confirmed_decree"`
	LastDecree      int64  `json:"last_decree"`
	Failure         string `json:"failure,omitempty"`
}

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewMetricsServer creates and configures a new HTTP server. reporter may be
// nil, in which case /duplications is not served.
func NewMetricsServer(cfg *config.DebugConfig, reporter DuplicationReporter, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	// Register expvar handler for metrics under /metrics
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				logger.Warn("Failed to register statsviz", "error", err)
			} else {
				logger.Info("Monitoring UI is available at /viz")
			}
		}
	}
	if reporter != nil {
		mux.HandleFunc("/duplications", handleDuplications(reporter, logger))
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":6060"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func handleDuplications(reporter DuplicationReporter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reports := reporter.Views()
		out := make([]DuplicationStatus, 0, len(reports))
		for _, rep := range reports {
			st := DuplicationStatus{
				DupID:           int32(rep.Key.DupID),
				Partition:       rep.Key.Partition.String(),
				RemoteAddress:   rep.RemoteAddress,
				Status:          rep.View.Status.String(),
				ConfirmedDecree: rep.View.ConfirmedDecree,
				LastDecree:      rep.View.LastDecree,
			}
			if rep.View.Failure != nil {
				st.Failure = rep.View.Failure.Error()
			}
			out = append(out, st)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn("Failed to write duplication status", "error", err)
		}
	}
}

// Handler returns the server's HTTP handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves. It's a blocking call.
func (s *MetricsServer) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *MetricsServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		_ = lis.Close()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Metrics server for metrics and pprof listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("failed to start Metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Metrics server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping Metrics server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
	} else {
		s.logger.Info("Metrics server stopped gracefully.")
	}
}
