package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"replicated-log/internal/replog"
)

// Server exposes an AppendEntriesHandler as ReplicationService over gRPC
type Server struct {
	handler    replog.AppendEntriesHandler
	grpcServer *grpc.Server
	logger     *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

func NewServer(handler replog.AppendEntriesHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		handler:    handler,
		grpcServer: grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second)),
		logger:     logger.Named("transport"),
	}
	s.grpcServer.RegisterService(&replicationServiceDesc, s)
	return s
}

// AppendEntries implements replicationServer. Handler errors reach the caller as gRPC statuses.
func (s *Server) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	res, err := s.handler.HandleAppendEntries(ctx, req)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, replog.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, replog.ErrManagerStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	default:
		s.logger.Warn("[TRANSPORT] AppendEntries handler failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// Listen binds addr ("host:port", port 0 picks a free one) and returns the bound listener.
func (s *Server) Listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()
	return lis, nil
}

// Serve blocks serving lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	s.logger.Info("[TRANSPORT] replication service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the bound address, nil before Listen or Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// GracefulShutdown stops accepting new requests and waits for pending ones to finish
func (s *Server) GracefulShutdown() {
	s.grpcServer.GracefulStop()
}

// ForceShutdown closes all connections immediately
func (s *Server) ForceShutdown() {
	s.grpcServer.Stop()
}
