// Package handler implements the standard gRPC health service for the control plane.
package handler

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name of the control plane; "" also checks it.
const ServiceName = "beamline.control.v1.ControlService"

const checkTimeout = 2 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the admission policy engine can evaluate (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadyFunc reports whether the control service finished restoring its sessions.
type ReadyFunc func() bool

// Server implements grpc_health_v1.HealthServer for readiness and liveness.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger Pinger
	policy PolicyChecker
	ready  ReadyFunc
}

// NewServer returns a health server. Any dependency may be nil and is then skipped.
func NewServer(pinger Pinger, policy PolicyChecker, ready ReadyFunc) *Server {
	return &Server{pinger: pinger, policy: policy, ready: ready}
}

// Check reports NOT_SERVING when any dependency fails. Dependency failures are not RPC errors.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

func (s *Server) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if s.ready != nil && !s.ready() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			log.Printf("health: database ping failed: %v", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			log.Printf("health: policy engine check failed: %v", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}
