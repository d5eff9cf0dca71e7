// Package handler exposes the OAuth flows over gRPC and over the browser
// redirect endpoints.
package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/oauth/service"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.oauth.v1.OAuthService"

// OAuthServiceServer is the server API for OAuthService.
type OAuthServiceServer interface {
	ListProviders(context.Context, *ListProvidersRequest) (*ListProvidersResponse, error)
	Initiate(context.Context, *InitiateRequest) (*InitiateResponse, error)
	Callback(context.Context, *CallbackRequest) (*CallbackResponse, error)
	Link(context.Context, *LinkRequest) (*ProfileResponse, error)
	Unlink(context.Context, *ProfileRequest) (*UnlinkResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	GetProfile(context.Context, *ProfileRequest) (*ProfileResponse, error)
	ListLinked(context.Context, *ListLinkedRequest) (*ListLinkedResponse, error)
}

// Server implements OAuthService over the flow controller.
type Server struct {
	oauth *service.Controller
}

var _ OAuthServiceServer = (*Server)(nil)

// NewServer returns a new OAuth gRPC server. If ctl is nil, all RPCs return Unimplemented.
func NewServer(ctl *service.Controller) *Server {
	return &Server{oauth: ctl}
}

// ServiceDesc describes OAuthService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OAuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListProviders", OAuthServiceServer.ListProviders),
		rpc.Unary(ServiceName, "Initiate", OAuthServiceServer.Initiate),
		rpc.Unary(ServiceName, "Callback", OAuthServiceServer.Callback),
		rpc.Unary(ServiceName, "Link", OAuthServiceServer.Link),
		rpc.Unary(ServiceName, "Unlink", OAuthServiceServer.Unlink),
		rpc.Unary(ServiceName, "Refresh", OAuthServiceServer.Refresh),
		rpc.Unary(ServiceName, "GetProfile", OAuthServiceServer.GetProfile),
		rpc.Unary(ServiceName, "ListLinked", OAuthServiceServer.ListLinked),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv OAuthServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// PublicMethods need no bearer token: they start or finish a sign-in.
var PublicMethods = []string{
	rpc.FullMethod(ServiceName, "ListProviders"),
	rpc.FullMethod(ServiceName, "Initiate"),
	rpc.FullMethod(ServiceName, "Callback"),
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func caller(ctx context.Context) (string, error) {
	id, ok := interceptors.GetSubjectID(ctx)
	if !ok {
		return "", apperror.GRPCError(apperror.AuthenticationRequired(apperror.StatusUnauthenticated, "authentication required"))
	}
	return id, nil
}

// ListProviders returns the names of the active providers.
func (s *Server) ListProviders(_ context.Context, _ *ListProvidersRequest) (*ListProvidersResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("ListProviders")
	}
	return &ListProvidersResponse{Result: apperror.OK(""), Providers: s.oauth.Providers().Names()}, nil
}

// Initiate returns the provider authorization URL and its signed state.
func (s *Server) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("Initiate")
	}
	res, err := s.oauth.Initiate(ctx, req.Provider, service.InitiateOptions{RedirectURI: req.RedirectURI, Scopes: req.Scopes})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &InitiateResponse{Result: apperror.OK(""), AuthorizationURL: res.AuthorizationURL, State: res.State}, nil
}

// Callback completes a provider sign-in and returns a new session.
func (s *Server) Callback(ctx context.Context, req *CallbackRequest) (*CallbackResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("Callback")
	}
	if req.TTLSeconds < 0 {
		return nil, apperror.GRPCError(apperror.Validation(apperror.StatusInvalidInput, "ttl_seconds must not be negative"))
	}
	opts := service.CallbackOptions{Device: interceptors.DeviceFromContext(ctx)}
	if req.TTLSeconds > 0 {
		ttl := time.Duration(req.TTLSeconds) * time.Second
		opts.TTL = &ttl
	}
	res, err := s.oauth.Callback(ctx, req.Provider, req.Code, req.State, opts)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return toCallbackResponse(res), nil
}

// Link attaches a provider account to the caller.
func (s *Server) Link(ctx context.Context, req *LinkRequest) (*ProfileResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("Link")
	}
	subjectID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.oauth.Link(ctx, subjectID, req.Provider, req.Code, req.State)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &ProfileResponse{Result: apperror.OK("linked"), Profile: toProfile(p)}, nil
}

// Unlink detaches a provider account from the caller.
func (s *Server) Unlink(ctx context.Context, req *ProfileRequest) (*UnlinkResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("Unlink")
	}
	subjectID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.oauth.Unlink(ctx, subjectID, req.Provider); err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &UnlinkResponse{Result: apperror.OK("unlinked")}, nil
}

// Refresh renews the caller's provider tokens.
func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("Refresh")
	}
	subjectID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.oauth.Refresh(ctx, subjectID, req.Provider, service.RefreshInput{RefreshToken: req.RefreshToken})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &RefreshResponse{
		Result:       apperror.OK(""),
		Refreshed:    res.Refreshed,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
	}, nil
}

// GetProfile returns the caller's profile for one provider.
func (s *Server) GetProfile(ctx context.Context, req *ProfileRequest) (*ProfileResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("GetProfile")
	}
	subjectID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.oauth.GetProfile(ctx, subjectID, req.Provider)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &ProfileResponse{Result: apperror.OK(""), Profile: toProfile(p)}, nil
}

// ListLinked returns every provider account linked to the caller.
func (s *Server) ListLinked(ctx context.Context, _ *ListLinkedRequest) (*ListLinkedResponse, error) {
	if s.oauth == nil {
		return nil, unimplemented("ListLinked")
	}
	subjectID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := s.oauth.ListLinked(ctx, subjectID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	resp := &ListLinkedResponse{Result: apperror.OK(""), Profiles: make([]*Profile, 0, len(profiles))}
	for _, p := range profiles {
		resp.Profiles = append(resp.Profiles, toProfile(p))
	}
	return resp, nil
}
