package handler

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
	"github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.user.v1.UserService"

// User is the wire view of a user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type GetMeRequest struct{}

type GetUserRequest struct {
	UserID string `json:"user_id"`
}

type UpdateMeRequest struct {
	Name string `json:"name"`
}

type UserResponse struct {
	apperror.Result
	User *User `json:"user,omitempty"`
}

// UserServiceServer is the server API for UserService.
type UserServiceServer interface {
	GetMe(context.Context, *GetMeRequest) (*UserResponse, error)
	GetUser(context.Context, *GetUserRequest) (*UserResponse, error)
	UpdateMe(context.Context, *UpdateMeRequest) (*UserResponse, error)
}

// Server implements UserService over the user repository.
type Server struct {
	userRepo userrepo.Repository
}

var _ UserServiceServer = (*Server)(nil)

// NewServer returns a new User gRPC server. userRepo may be nil; then all RPCs return Unimplemented.
func NewServer(userRepo userrepo.Repository) *Server {
	return &Server{userRepo: userRepo}
}

// ServiceDesc describes UserService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UserServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetMe", UserServiceServer.GetMe),
		rpc.Unary(ServiceName, "GetUser", UserServiceServer.GetUser),
		rpc.Unary(ServiceName, "UpdateMe", UserServiceServer.UpdateMe),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv UserServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// GetMe returns the signed-in user.
func (s *Server) GetMe(ctx context.Context, _ *GetMeRequest) (*UserResponse, error) {
	if s.userRepo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetMe not implemented")
	}
	userID, ok := interceptors.GetSubjectID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated: authentication required")
	}
	return s.lookup(ctx, userID)
}

// GetUser returns a user by ID. Caller must be authenticated.
func (s *Server) GetUser(ctx context.Context, req *GetUserRequest) (*UserResponse, error) {
	if s.userRepo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetUser not implemented")
	}
	if _, ok := interceptors.GetSubjectID(ctx); !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated: authentication required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id required")
	}
	return s.lookup(ctx, userID)
}

// UpdateMe changes the signed-in user's display name.
func (s *Server) UpdateMe(ctx context.Context, req *UpdateMeRequest) (*UserResponse, error) {
	if s.userRepo == nil {
		return nil, status.Error(codes.Unimplemented, "method UpdateMe not implemented")
	}
	userID, ok := interceptors.GetSubjectID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated: authentication required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to look up user")
	}
	if u == nil {
		return nil, status.Error(codes.NotFound, "user not found")
	}
	u.Name = name
	u.UpdatedAt = time.Now().UTC()
	if err := s.userRepo.Update(ctx, u); err != nil {
		return nil, status.Error(codes.Internal, "failed to update user")
	}
	return &UserResponse{Result: apperror.OK("updated"), User: toWire(u)}, nil
}

func (s *Server) lookup(ctx context.Context, userID string) (*UserResponse, error) {
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to look up user")
	}
	if u == nil {
		return nil, status.Error(codes.NotFound, "user not found")
	}
	return &UserResponse{Result: apperror.OK(""), User: toWire(u)}, nil
}

func toWire(u *domain.User) *User {
	return &User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
