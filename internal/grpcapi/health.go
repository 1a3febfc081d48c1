// Package grpcapi serves the standard grpc.health.v1 service, answering from
// the same readiness probe as /readyz.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"emconnect.org/internal/obs"
)

// ServiceName is the name clients may pass in HealthCheckRequest.Service.
const ServiceName = "emconnect.v1.API"

// Probe reports readiness.
type Probe interface {
	Ping(ctx context.Context) error
}

// HealthServer implements grpc.health.v1.Health over a Probe.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	probe Probe
}

func NewHealthServer(p Probe) *HealthServer {
	return &HealthServer{probe: p}
}

// Check returns SERVING when the probe succeeds and NOT_SERVING otherwise.
// Unknown service names are NotFound, per the health protocol.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	if s.probe != nil {
		if err := s.probe.Ping(ctx); err != nil {
			obs.SetReady(false)
			obs.Warn("grpc_health_not_serving", map[string]any{"error": err.Error()})
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// NewServer builds a grpc.Server with the health service registered.
func NewServer(p Probe, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, NewHealthServer(p))
	return srv
}
