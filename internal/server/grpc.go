package server

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/audit"
	audithandler "github.com/SOG-web/reauth-sub001/internal/audit/handler"
	auditrepo "github.com/SOG-web/reauth-sub001/internal/audit/repository"
	federationhandler "github.com/SOG-web/reauth-sub001/internal/federation/handler"
	federationservice "github.com/SOG-web/reauth-sub001/internal/federation/service"
	healthhandler "github.com/SOG-web/reauth-sub001/internal/health/handler"
	identityhandler "github.com/SOG-web/reauth-sub001/internal/identity/handler"
	identityservice "github.com/SOG-web/reauth-sub001/internal/identity/service"
	oauthhandler "github.com/SOG-web/reauth-sub001/internal/oauth/handler"
	oauthservice "github.com/SOG-web/reauth-sub001/internal/oauth/service"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	sessionhandler "github.com/SOG-web/reauth-sub001/internal/session/handler"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	"github.com/SOG-web/reauth-sub001/internal/telemetry"
	userhandler "github.com/SOG-web/reauth-sub001/internal/user/handler"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

// Deps holds optional service dependencies for gRPC handlers. A nil
// dependency leaves its service registered but answering Unimplemented.
type Deps struct {
	// Sessions is the session manager. It also verifies bearer tokens in the auth interceptor.
	Sessions *sessionservice.Manager
	// Auth is the password sign-in service.
	Auth *identityservice.AuthService
	// Users backs UserService.
	Users userrepo.Repository
	// OAuth is the OAuth flow controller.
	OAuth *oauthservice.Controller
	// Federation is the SSO federation bridge.
	Federation *federationservice.Bridge
	// AuditRepo backs AuditService.
	AuditRepo auditrepo.Repository
	// HealthPinger is used by HealthService for readiness (e.g. *sql.DB). If nil, HealthCheck skips DB ping.
	HealthPinger healthhandler.Pinger
	// HealthPolicyChecker is used by HealthService for readiness (e.g. OPA evaluator). If nil, HealthCheck skips policy check.
	HealthPolicyChecker healthhandler.PolicyChecker
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - SessionService    → internal/session/handler
//   - AuthService       → internal/identity/handler
//   - UserService       → internal/user/handler
//   - AuditService      → internal/audit/handler
//   - HealthService     → internal/health/handler
//   - OAuthService      → internal/oauth/handler
//   - FederationService → internal/federation/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	sessionhandler.Register(s, sessionhandler.NewServer(deps.Sessions))
	identityhandler.Register(s, identityhandler.NewAuthServer(deps.Auth))
	userhandler.Register(s, userhandler.NewServer(deps.Users))
	audithandler.Register(s, audithandler.NewServer(deps.AuditRepo))
	healthhandler.Register(s, healthhandler.NewServer(deps.HealthPinger, deps.HealthPolicyChecker))
	oauthhandler.Register(s, oauthhandler.NewServer(deps.OAuth))
	federationhandler.Register(s, federationhandler.NewServer(deps.Federation))
}

// PublicMethods returns the full method names served without a session token.
func PublicMethods() map[string]bool {
	out := make(map[string]bool)
	for _, list := range [][]string{
		sessionhandler.PublicMethods,
		identityhandler.PublicMethods,
		healthhandler.PublicMethods,
		oauthhandler.PublicMethods,
		federationhandler.PublicMethods,
	} {
		for _, m := range list {
			out[m] = true
		}
	}
	return out
}

// quietMethods are not audited or emitted as telemetry.
func quietMethods() map[string]bool {
	out := make(map[string]bool)
	for _, m := range healthhandler.PublicMethods {
		out[m] = true
	}
	out[healthpb.Health_Check_FullMethodName] = true
	out[healthpb.Health_Watch_FullMethodName] = true
	return out
}

// Observers are the cross-cutting sinks of the interceptor chain. Nil fields
// disable the matching interceptor.
type Observers struct {
	Audit     audit.Recorder
	Telemetry telemetry.EventEmitter
}

// NewGRPCServer builds a gRPC server with the interceptor chain (auth, then
// audit, then telemetry), OpenTelemetry instrumentation, the standard health
// service and every service in deps registered.
func NewGRPCServer(deps Deps, obs Observers, opts ...grpc.ServerOption) *grpc.Server {
	quiet := quietMethods()
	var verifier interceptors.SessionVerifier
	if deps.Sessions != nil {
		verifier = deps.Sessions
	} else {
		verifier = noSessions{}
	}
	chain := []grpc.UnaryServerInterceptor{interceptors.AuthUnary(verifier, withHealth(PublicMethods()))}
	if obs.Audit != nil {
		chain = append(chain, interceptors.AuditUnary(obs.Audit, quiet))
	}
	chain = append(chain, interceptors.TelemetryUnary(obs.Telemetry, quiet))

	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

func withHealth(public map[string]bool) map[string]bool {
	public[healthpb.Health_Check_FullMethodName] = true
	public[healthpb.Health_Watch_FullMethodName] = true
	return public
}

// noSessions rejects every token; public methods still serve anonymously.
type noSessions struct{}

func (noSessions) Verify(context.Context, string, sessionservice.VerifyOptions) (*sessionservice.VerifiedSession, error) {
	return nil, apperror.AuthenticationRequired("session_store_unavailable", "sessions are not configured")
}
