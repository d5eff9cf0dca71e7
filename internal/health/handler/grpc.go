package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.health.v1.HealthService"

// ServingStatus is the readiness reported by HealthCheck.
type ServingStatus string

const (
	ServingStatusServing    ServingStatus = "SERVING"
	ServingStatusNotServing ServingStatus = "NOT_SERVING"
)

const checkTimeout = 2 * time.Second

// Pinger checks that the database is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the admission policy engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// PolicyCheckFunc adapts a function to PolicyChecker.
type PolicyCheckFunc func(ctx context.Context) error

func (f PolicyCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Status ServingStatus `json:"status"`
}

// GetStatus returns the serving status; nil responses are NOT_SERVING.
func (r *HealthCheckResponse) GetStatus() ServingStatus {
	if r == nil {
		return ServingStatusNotServing
	}
	return r.Status
}

// HealthServiceServer is the server API for HealthService.
type HealthServiceServer interface {
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// Server implements HealthService for readiness and liveness probes.
type Server struct {
	pinger Pinger
	policy PolicyChecker
}

var _ HealthServiceServer = (*Server)(nil)

// NewServer returns a new Health gRPC server. Nil checkers are skipped.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{pinger: pinger, policy: policy}
}

// ServiceDesc describes HealthService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HealthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "HealthCheck", HealthServiceServer.HealthCheck),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv HealthServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// PublicMethods need no bearer token.
var PublicMethods = []string{rpc.FullMethod(ServiceName, "HealthCheck")}

// HealthCheck returns service health status for Kubernetes, load balancers, and CI.
// A failing dependency is reported as NOT_SERVING, never as a gRPC error.
func (s *Server) HealthCheck(ctx context.Context, _ *HealthCheckRequest) (*HealthCheckResponse, error) {
	return &HealthCheckResponse{Status: s.check(ctx)}, nil
}

func (s *Server) check(ctx context.Context) ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			slog.Warn("health check: database ping failed", "error", err)
			return ServingStatusNotServing
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			slog.Warn("health check: policy engine failed", "error", err)
			return ServingStatusNotServing
		}
	}
	return ServingStatusServing
}

// ServeHTTP answers /healthz with the same checks, 503 when not serving.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := s.check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if st != ServingStatusServing {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(HealthCheckResponse{Status: st})
}
