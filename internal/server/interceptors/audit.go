package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/audit"
)

// AuditUnary returns a unary server interceptor that records an audit event
// after each authenticated RPC. skipMethods is the set of full method names
// not to audit (health checks, audit listing). Recording is best-effort and
// never fails the RPC.
func AuditUnary(recorder audit.Recorder, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if recorder == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		id, ok := IdentityFrom(ctx)
		if !ok {
			return resp, err
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		ev := audit.Event{
			Action:      "rpc." + ar.Action,
			SubjectType: id.SubjectType,
			SubjectID:   id.SubjectID,
			SessionID:   id.SessionID,
			Resource:    ar.Resource,
			Metadata:    map[string]any{"full_method": info.FullMethod},
		}
		if err != nil {
			ev.Status = strings.ToLower(status.Code(err).String())
		}
		recorder.LogEvent(ctx, ev)
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
