package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the Intelligence service next to the standard health and reflection services.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer binds address and registers service. Extra options are appended after the
// tracing and Prometheus instrumentation.
func NewServer(address string, service IntelligenceServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	if service == nil {
		return nil, errors.New("intelligence service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	gs := grpc.NewServer(append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, opts...)...)

	RegisterIntelligenceServer(gs, service)
	grpc_prometheus.Register(gs)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{grpc: gs, health: hs, listener: lis, logger: logger}
	s.SetServing(true)
	return s, nil
}

// SetServing flips the reported health of the server and the Intelligence service.
func (s *Server) SetServing(serving bool) {
	state := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		state = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", state)
	s.health.SetServingStatus(IntelligenceServiceName, state)
}

// Serve blocks until the server stops. A graceful stop is not reported as an error.
func (s *Server) Serve() error {
	s.logger.Info("gRPC server listening", slog.String("address", s.Address()))
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown reports NOT_SERVING, drains in-flight calls and hard-stops once ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("gRPC drain timed out, forcing stop")
		s.grpc.Stop()
	}
}

// Address is the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}
