package interceptors

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/telemetry"
	"github.com/SOG-web/reauth-sub001/internal/telemetry/domain"
)

// EventTypeGRPCRequest is the telemetry event type emitted per RPC.
const EventTypeGRPCRequest = "grpc_request"

// grpcRequestMetadata is the JSON shape stored in Event.Metadata for grpc_request events.
type grpcRequestMetadata struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// TelemetryUnary returns a unary server interceptor that emits a telemetry event after each RPC.
// Best-effort: the emit runs asynchronously and never fails the RPC. If emitter is nil, the interceptor no-ops.
// skipMethods is the set of full method names to not emit (e.g. health checks).
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		metaJSON, _ := json.Marshal(grpcRequestMetadata{
			FullMethod: info.FullMethod,
			StatusCode: code.String(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   ClientIP(ctx),
		})
		id, _ := IdentityFrom(ctx)
		telemetry.EmitAsync(emitter, ctx, &domain.Event{
			ID:          security.NewID(),
			Type:        EventTypeGRPCRequest,
			SubjectType: id.SubjectType,
			SubjectID:   id.SubjectID,
			SessionID:   id.SessionID,
			Source:      "grpc_interceptor",
			Status:      code.String(),
			Metadata:    metaJSON,
			CreatedAt:   start.UTC(),
		})
		return resp, err
	}
}
