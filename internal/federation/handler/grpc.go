// Package handler exposes SSO sign-in and federated session checks over gRPC.
package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/federation/service"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.federation.v1.FederationService"

// FederationServiceServer is the server API for FederationService.
type FederationServiceServer interface {
	ListProviders(context.Context, *ListProvidersRequest) (*ListProvidersResponse, error)
	Begin(context.Context, *BeginRequest) (*BeginResponse, error)
	ProcessAssertion(context.Context, *ProcessAssertionRequest) (*ProcessAssertionResponse, error)
	ValidateFederatedSession(context.Context, *ValidateRequest) (*ValidateResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
}

// Server implements FederationService over the bridge.
type Server struct {
	bridge *service.Bridge
}

var _ FederationServiceServer = (*Server)(nil)

// NewServer returns a new federation gRPC server. If bridge is nil, all RPCs return Unimplemented.
func NewServer(bridge *service.Bridge) *Server {
	return &Server{bridge: bridge}
}

// ServiceDesc describes FederationService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FederationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListProviders", FederationServiceServer.ListProviders),
		rpc.Unary(ServiceName, "Begin", FederationServiceServer.Begin),
		rpc.Unary(ServiceName, "ProcessAssertion", FederationServiceServer.ProcessAssertion),
		rpc.Unary(ServiceName, "ValidateFederatedSession", FederationServiceServer.ValidateFederatedSession),
		rpc.Unary(ServiceName, "Logout", FederationServiceServer.Logout),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv FederationServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// PublicMethods need no bearer token. ValidateFederatedSession is called by
// relying domains holding only the federated token.
var PublicMethods = []string{
	rpc.FullMethod(ServiceName, "ListProviders"),
	rpc.FullMethod(ServiceName, "Begin"),
	rpc.FullMethod(ServiceName, "ProcessAssertion"),
	rpc.FullMethod(ServiceName, "ValidateFederatedSession"),
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// ListProviders returns the configured identity providers.
func (s *Server) ListProviders(_ context.Context, _ *ListProvidersRequest) (*ListProvidersResponse, error) {
	if s.bridge == nil {
		return nil, unimplemented("ListProviders")
	}
	return &ListProvidersResponse{Result: apperror.OK(""), Enabled: s.bridge.Enabled(), Providers: s.bridge.Providers()}, nil
}

// Begin returns the identity provider sign-in URL.
func (s *Server) Begin(ctx context.Context, req *BeginRequest) (*BeginResponse, error) {
	if s.bridge == nil {
		return nil, unimplemented("Begin")
	}
	res, err := s.bridge.BeginFederatedAuth(ctx, req.ProviderID, service.BeginOptions{RedirectURI: req.RedirectURI, Domains: req.Domains})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &BeginResponse{Result: apperror.OK(""), RedirectURL: res.RedirectURL, State: res.State}, nil
}

// ProcessAssertion completes an SSO sign-in.
func (s *Server) ProcessAssertion(ctx context.Context, req *ProcessAssertionRequest) (*ProcessAssertionResponse, error) {
	if s.bridge == nil {
		return nil, unimplemented("ProcessAssertion")
	}
	if req.Assertion == "" || req.State == "" {
		return nil, apperror.GRPCError(apperror.Validation(apperror.StatusInvalidInput, "assertion and state are required"))
	}
	res, err := s.bridge.ProcessAssertion(ctx, req.ProviderID, req.Assertion, service.ProcessOptions{
		State:          req.State,
		Domains:        req.Domains,
		FederatedToken: req.FederatedToken,
		Device:         interceptors.DeviceFromContext(ctx),
	})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return toProcessResponse(res), nil
}

// ValidateFederatedSession checks a federated token for a domain. Invalid
// tokens are reported in the response, not as an RPC error.
func (s *Server) ValidateFederatedSession(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	if s.bridge == nil {
		return nil, unimplemented("ValidateFederatedSession")
	}
	f, err := s.bridge.ValidateFederatedSession(ctx, req.Token, req.Domain)
	if err != nil {
		ae := apperror.From(err)
		if ae.Kind == apperror.KindInternal {
			return nil, apperror.GRPCError(err)
		}
		return &ValidateResponse{Result: apperror.ResultOf(err)}, nil
	}
	return &ValidateResponse{Result: apperror.OK(""), Valid: true, Federated: toFederatedSession(f, false)}, nil
}

// Logout ends one of the caller's SSO sessions.
func (s *Server) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	if s.bridge == nil {
		return nil, unimplemented("Logout")
	}
	subjectID, ok := interceptors.GetSubjectID(ctx)
	if !ok {
		return nil, apperror.GRPCError(apperror.AuthenticationRequired(apperror.StatusUnauthenticated, "authentication required"))
	}
	sso, err := s.bridge.SSOSession(ctx, req.SSOSessionID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	if sso.SubjectID != subjectID {
		return nil, apperror.GRPCError(apperror.NotFound(apperror.StatusSessionNotFound, "sso session not found"))
	}
	if err := s.bridge.Logout(ctx, sso.ID); err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &LogoutResponse{Result: apperror.OK("logged out")}, nil
}
