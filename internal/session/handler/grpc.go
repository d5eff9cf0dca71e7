package handler

import (
	"context"
	"strings"

	"google.golang.org/grpc"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
	"github.com/SOG-web/reauth-sub001/internal/session/service"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.session.v1.SessionService"

// Server implements SessionService for the caller's own sessions. Every RPC
// except Verify runs as the authenticated caller.
type Server struct {
	sessions *service.Manager
}

// NewServer returns a Session gRPC server.
func NewServer(sessions *service.Manager) *Server {
	return &Server{sessions: sessions}
}

// SessionServiceServer is the server API for SessionService.
type SessionServiceServer interface {
	Verify(context.Context, *VerifyRequest) (*VerifyResponse, error)
	Rotate(context.Context, *RotateRequest) (*RotateResponse, error)
	Revoke(context.Context, *RevokeRequest) (*RevokeResponse, error)
	RevokeAll(context.Context, *RevokeAllRequest) (*RevokeAllResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	GetMetadata(context.Context, *GetMetadataRequest) (*GetMetadataResponse, error)
	SetMetadata(context.Context, *SetMetadataRequest) (*SetMetadataResponse, error)
	TrustDevice(context.Context, *TrustDeviceRequest) (*TrustDeviceResponse, error)
}

var _ SessionServiceServer = (*Server)(nil)

// ServiceDesc describes SessionService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Verify", SessionServiceServer.Verify),
		rpc.Unary(ServiceName, "Rotate", SessionServiceServer.Rotate),
		rpc.Unary(ServiceName, "Revoke", SessionServiceServer.Revoke),
		rpc.Unary(ServiceName, "RevokeAll", SessionServiceServer.RevokeAll),
		rpc.Unary(ServiceName, "List", SessionServiceServer.List),
		rpc.Unary(ServiceName, "GetMetadata", SessionServiceServer.GetMetadata),
		rpc.Unary(ServiceName, "SetMetadata", SessionServiceServer.SetMetadata),
		rpc.Unary(ServiceName, "TrustDevice", SessionServiceServer.TrustDevice),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv SessionServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// PublicMethods need no bearer token.
var PublicMethods = []string{rpc.FullMethod(ServiceName, "Verify")}

func caller(ctx context.Context) (interceptors.Identity, error) {
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok || id.SubjectID == "" {
		return interceptors.Identity{}, apperror.GRPCError(apperror.AuthenticationRequired(apperror.StatusUnauthenticated, "authentication required"))
	}
	return id, nil
}

// owned loads sessionID and hides sessions of other subjects as not found.
func (s *Server) owned(ctx context.Context, id interceptors.Identity, sessionID string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.SubjectType != id.SubjectType || sess.SubjectID != id.SubjectID {
		return nil, apperror.NotFound(apperror.StatusSessionNotFound, "session not found")
	}
	return sess, nil
}

// Verify checks a session token and returns the session and its sanitized subject.
func (s *Server) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	v, err := s.sessions.Verify(ctx, strings.TrimSpace(req.Token), service.VerifyOptions{Device: interceptors.DeviceFromContext(ctx)})
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	subject := map[string]any{"type": v.Subject.Type, "id": v.Subject.ID}
	for k, val := range v.Subject.Attributes {
		subject[k] = val
	}
	return &VerifyResponse{Result: apperror.OK("session is valid"), Session: toView(v.Session, v.Session.ID), Subject: subject}, nil
}

// Rotate replaces the caller's session token. The old token stops working.
func (s *Server) Rotate(ctx context.Context, _ *RotateRequest) (*RotateResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Rotate(ctx, id.SessionID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &RotateResponse{Result: apperror.OK("session rotated"), Session: toView(sess, id.SessionID), Token: sess.Token}, nil
}

// Revoke ends one of the caller's sessions.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (*RevokeResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = id.SessionID
	}
	if _, err := s.owned(ctx, id, sessionID); err != nil {
		return nil, apperror.GRPCError(err)
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &RevokeResponse{Result: apperror.OK("session revoked")}, nil
}

// RevokeAll ends every session of the caller, optionally keeping the current one.
func (s *Server) RevokeAll(ctx context.Context, req *RevokeAllRequest) (*RevokeAllResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	keep := ""
	if req.KeepCurrent {
		keep = id.SessionID
	}
	res, err := s.sessions.RevokeAll(ctx, id.SubjectType, id.SubjectID, keep)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &RevokeAllResponse{Result: apperror.OK("sessions revoked"), Revoked: res.Revoked, CurrentRevoked: res.CurrentRevoked}, nil
}

// List returns the caller's live sessions, oldest first.
func (s *Server) List(ctx context.Context, _ *ListRequest) (*ListResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.sessions.List(ctx, id.SubjectType, id.SubjectID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	out := make([]*SessionView, 0, len(list))
	for _, sess := range list {
		out = append(out, toView(sess, id.SessionID))
	}
	return &ListResponse{Result: apperror.OK("ok"), Sessions: out}, nil
}

// GetMetadata returns the metadata of the caller's current session.
func (s *Server) GetMetadata(ctx context.Context, _ *GetMetadataRequest) (*GetMetadataResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	md, err := s.sessions.GetMetadata(ctx, id.SessionID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	if md == nil {
		md = domain.Metadata{}
	}
	return &GetMetadataResponse{Result: apperror.OK("ok"), Metadata: md}, nil
}

// SetMetadata merges keys into the caller's current session metadata.
func (s *Server) SetMetadata(ctx context.Context, req *SetMetadataRequest) (*SetMetadataResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Metadata) == 0 {
		return nil, apperror.GRPCError(apperror.Validation(apperror.StatusInvalidInput, "metadata is required"))
	}
	if err := s.sessions.SetMetadata(ctx, id.SessionID, req.Metadata); err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &SetMetadataResponse{Result: apperror.OK("metadata updated")}, nil
}

// TrustDevice marks the device of one of the caller's sessions as trusted.
func (s *Server) TrustDevice(ctx context.Context, req *TrustDeviceRequest) (*TrustDeviceResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = id.SessionID
	}
	if _, err := s.owned(ctx, id, sessionID); err != nil {
		return nil, apperror.GRPCError(err)
	}
	d, err := s.sessions.TrustDevice(ctx, sessionID)
	if err != nil {
		return nil, apperror.GRPCError(err)
	}
	return &TrustDeviceResponse{Result: apperror.OK("device trusted"), Fingerprint: d.Fingerprint, Trusted: d.IsTrusted}, nil
}
