package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/control"
	"github.com/nestly/inbox/internal/session"
	"github.com/nestly/inbox/internal/status"
)

// Server manages the control socket of a running client.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	events <-chan bus.Event
	unsub  func()
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
// The control service reports SERVING while the event stream is connected.
func NewServer(p Params, logger *zap.Logger, b *bus.Bus, svc *control.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
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

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(control.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	svc.Register(srv)

	events, unsub := b.Subscribe("transport.", 16)
	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		events:     events,
		unsub:      unsub,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	go s.watch()
	s.logger.Info("control socket listening", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) watch() {
	for evt := range s.events {
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			continue
		}
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if change.To == status.Connected {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(control.ServiceName, st)
		s.logger.Debug("transport state", zap.String("from", string(change.From)), zap.String("to", string(change.To)))
	}
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("control socket closing")
	s.unsub()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
