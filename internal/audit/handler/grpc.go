package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/audit/domain"
	auditrepo "github.com/SOG-web/reauth-sub001/internal/audit/repository"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/server/rpc"
)

// ServiceName is the gRPC service implemented by Server.
const ServiceName = "reauth.audit.v1.AuditService"

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ListEventsRequest struct {
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// Event is the wire view of an audit entry.
type Event struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	SessionID  string          `json:"session_id,omitempty"`
	Resource   string          `json:"resource,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Status     string          `json:"status"`
	IP         string          `json:"ip,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ListEventsResponse struct {
	apperror.Result
	Events     []Event `json:"events"`
	NextOffset int     `json:"next_offset,omitempty"`
}

// AuditServiceServer is the server API for AuditService.
type AuditServiceServer interface {
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
}

// Server lets a subject page through its own audit trail.
type Server struct {
	repo auditrepo.Repository
}

var _ AuditServiceServer = (*Server)(nil)

// NewServer returns a new Audit gRPC server. repo may be nil; then all RPCs return Unimplemented.
func NewServer(repo auditrepo.Repository) *Server {
	return &Server{repo: repo}
}

// ServiceDesc describes AuditService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListEvents", AuditServiceServer.ListEvents),
	},
	Streams: []grpc.StreamDesc{},
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv AuditServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// ListEvents returns the caller's audit entries, newest first.
func (s *Server) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListEvents not implemented")
	}
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated: authentication required")
	}
	if req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset must not be negative")
	}
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	entries, err := s.repo.ListBySubject(ctx, id.SubjectType, id.SubjectID, size+1, req.Offset)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list audit events")
	}
	resp := &ListEventsResponse{Result: apperror.OK(""), Events: make([]Event, 0, len(entries))}
	if len(entries) > size {
		entries = entries[:size]
		resp.NextOffset = req.Offset + size
	}
	for _, e := range entries {
		resp.Events = append(resp.Events, toWire(e))
	}
	return resp, nil
}

func toWire(e *domain.Entry) Event {
	ev := Event{
		ID:         e.ID,
		Action:     e.Action,
		SessionID:  e.SessionID,
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Status:     e.Status,
		IP:         e.IP,
		CreatedAt:  e.CreatedAt,
	}
	if e.Metadata != "" {
		ev.Metadata = json.RawMessage(e.Metadata)
	}
	return ev
}
