// Package server registers the control plane's gRPC services.
package server

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "beamline-control-plane/backend/internal/health/handler"
)

// Deps holds optional dependencies for the gRPC services.
type Deps struct {
	// HealthPinger is used for readiness (e.g. *sql.DB). If nil, the database is not pinged.
	HealthPinger healthhandler.Pinger
	// HealthPolicyChecker is used for readiness (e.g. the OPA evaluator). If nil, it is skipped.
	HealthPolicyChecker healthhandler.PolicyChecker
	// Ready reports whether persisted sessions have been restored.
	Ready healthhandler.ReadyFunc
}

// RegisterServices registers the gRPC services with s.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.HealthPinger, deps.HealthPolicyChecker, deps.Ready))
}
