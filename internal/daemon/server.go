package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/campus/internal/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	limiter *api.LimiterStore,
	sessionSvc *api.SessionService,
	chatSvc *api.ChatService,
	notifySvc *api.NotificationService,
	requestSvc *api.RequestService,
) (*Server, error) {
	socketPath := p.socket()

	// Clean stale socket if it exists. The session lock is held, so no
	// live daemon owns it.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			api.LoggingUnaryInterceptor(logger),
			api.RateLimitUnaryInterceptor(limiter, api.LimitedMethods),
		),
		grpc.ChainStreamInterceptor(api.LoggingStreamInterceptor(logger)),
	)
	api.Register(srv, sessionSvc, chatSvc, notifySvc, requestSvc)

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

// Stop shuts down gracefully, cutting open watch streams when ctx ends
// first, and removes the socket file.
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
