package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	reelfarmv1 "github.com/jamesainslie/reelfarm/pkg/api/reelfarm/v1"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/logging"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/tracing"
)

// Config holds daemon configuration.
type Config struct {
	SocketPath string
	DataDir    string
}

// Server is the reelfarmd gRPC server.
type Server struct {
	cfg      Config
	grpc     *grpc.Server
	listener net.Listener
}

// NewServer listens on the unix socket and registers svc.
func NewServer(cfg Config, svc reelfarmv1.RenderFarmServer) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	// Remove stale socket if exists
	if err := os.RemoveAll(cfg.SocketPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		grpc:     grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary)),
		listener: listener,
	}
	reelfarmv1.RegisterRenderFarmServer(srv.grpc, svc)

	return srv, nil
}

// logUnary traces each call and logs its outcome.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, info.FullMethod)
	resp, err := handler(ctx, req)
	tracing.End(span, err)

	log := logging.Get("rpc")
	if err != nil {
		log.Warn("call failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		log.Debug("call", "method", info.FullMethod, "took", time.Since(start))
	}
	return resp, err
}

// Serve starts the gRPC server. Blocks until stopped.
func (s *Server) Serve() error {
	return s.grpc.Serve(s.listener)
}

// Close stops the server and cleans up.
func (s *Server) Close() error {
	s.grpc.GracefulStop()
	return os.RemoveAll(s.cfg.SocketPath)
}
