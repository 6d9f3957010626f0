package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/pulse/internal/api"
	"github.com/matheus3301/pulse/internal/hub"
	"github.com/matheus3301/pulse/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket
// and serving the hub's feed.
func NewServer(p Params, logger *zap.Logger, h *hub.Hub) (*Server, error) {
	socketPath := p.socket()

	// Clean stale socket if it exists. The profile lock is already held.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(api.LoggingInterceptor(logger.Named("api"))))
	api.Register(srv, h)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls and removes the socket file. Open streams
// keep GracefulStop waiting, so they are cut once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

// MetricsServer exposes Prometheus metrics over HTTP. It is inert when no
// address is configured.
type MetricsServer struct {
	http   *http.Server
	logger *zap.Logger
}

func NewMetricsServer(p Params, logger *zap.Logger) *MetricsServer {
	addr := p.config().MetricsAddr
	if addr == "" {
		return &MetricsServer{logger: logger}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsServer{
		http:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func (m *MetricsServer) Start() {
	if m.http == nil {
		return
	}
	m.logger.Info("metrics server starting", zap.String("addr", m.http.Addr))
	go func() {
		if err := m.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if m.http == nil {
		return
	}
	_ = m.http.Shutdown(ctx)
}
