package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/identity/service"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
)

// ServiceName is the gRPC service implemented by AuthServer.
const ServiceName = "reauth.auth.v1.AuthService"

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type RegisterResponse struct {
	apperror.Result
	UserID string `json:"user_id,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	apperror.Result
	UserID    string     `json:"user_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type LogoutRequest struct{}

type LogoutResponse struct {
	apperror.Result
}

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
}

// AuthServer implements AuthService for password registration, login and logout.
type AuthServer struct {
	auth *service.AuthService
}

var _ AuthServiceServer = (*AuthServer)(nil)

// NewAuthServer returns a new Auth gRPC server. If auth is nil, all RPCs return Unimplemented.
func NewAuthServer(auth *service.AuthService) *AuthServer {
	return &AuthServer{auth: auth}
}

// ServiceDesc describes AuthService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Register", AuthServiceServer.Register),
		rpc.Unary(ServiceName, "Login", AuthServiceServer.Login),
		rpc.Unary(ServiceName, "Logout", AuthServiceServer.Logout),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv AuthServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// PublicMethods need no bearer token.
var PublicMethods = []string{
	rpc.FullMethod(ServiceName, "Register"),
	rpc.FullMethod(ServiceName, "Login"),
}

// Register creates a user with a local password credential.
func (s *AuthServer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Register not implemented")
	}
	res, err := s.auth.Register(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &RegisterResponse{Result: apperror.OK("registered"), UserID: res.UserID}, nil
}

// Login signs in with email and password and returns a new session token.
func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	res, err := s.auth.Login(ctx, service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Device:   interceptors.DeviceFromContext(ctx),
	})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &LoginResponse{
		Result:    apperror.OK("signed in"),
		UserID:    res.UserID,
		SessionID: res.Session.ID,
		Token:     res.Session.Token,
		ExpiresAt: res.Session.ExpiresAt,
	}, nil
}

// Logout revokes the caller's current session.
func (s *AuthServer) Logout(ctx context.Context, _ *LogoutRequest) (*LogoutResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	sessionID, ok := interceptors.GetSessionID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated: authentication required")
	}
	if err := s.auth.Logout(ctx, sessionID); err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &LogoutResponse{Result: apperror.OK("signed out")}, nil
}
