package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server owns the daemon's listeners: gRPC on the profile's Unix socket and,
// when configured, the Prometheus endpoint on TCP.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	metrics    *http.Server
	metricsLis net.Listener
	logger     *zap.Logger
	done       chan error
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	messageSvc *api.MessageService,
	sessionSvc *api.SessionService,
	pinSvc *api.PinService,
	receiptSvc *api.ReceiptService,
	eventSvc *api.EventService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
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
	srv.RegisterService(messageSvc.Desc(), messageSvc)
	srv.RegisterService(sessionSvc.Desc(), sessionSvc)
	srv.RegisterService(pinSvc.Desc(), pinSvc)
	srv.RegisterService(receiptSvc.Desc(), receiptSvc)
	srv.RegisterService(eventSvc.Desc(), eventSvc)

	s := &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}

	if p.Config.Metrics.Enabled() {
		lis, err := net.Listen("tcp", p.Config.Metrics.Addr)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.metricsLis = lis
	}
	return s, nil
}

// Start serves every listener in the background. The first listener to fail
// stops the others; its error is returned by Stop.
func (s *Server) Start() {
	s.done = make(chan error, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
		err := s.grpcServer.Serve(s.listener)
		if err != nil && s.metrics != nil {
			_ = s.metrics.Close()
		}
		return err
	})
	if s.metrics != nil {
		eg.Go(func() error {
			s.logger.Info("metrics server starting", zap.String("addr", s.metricsLis.Addr().String()))
			err := s.metrics.Serve(s.metricsLis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			s.grpcServer.Stop()
			return err
		})
	}
	go func() { s.done <- eg.Wait() }()
}

// Stop performs a graceful shutdown and removes the socket file. Streams
// still open when ctx expires are cut off.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("servers stopping")
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown", zap.Error(err))
			_ = s.metrics.Close()
		}
	}

	graceful := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(graceful)
	}()
	var forced error
	select {
	case <-graceful:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing open streams")
		forced = ctx.Err()
		s.grpcServer.Stop()
		<-graceful
	}
	_ = os.Remove(s.socketPath)

	if s.done == nil {
		_ = s.listener.Close()
		if s.metricsLis != nil {
			_ = s.metricsLis.Close()
		}
		return forced
	}
	if err := <-s.done; err != nil {
		return err
	}
	return forced
}
