package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
)

const bearerPrefix = "bearer "

// SessionVerifier is the part of the session manager the interceptor needs.
type SessionVerifier interface {
	Verify(ctx context.Context, token string, opts sessionservice.VerifyOptions) (*sessionservice.VerifiedSession, error)
}

// AuthUnary returns a unary server interceptor that verifies the bearer
// session token from gRPC metadata and puts the caller identity in context.
// publicMethods is the set of full method names that do not require a token
// (sign-in, OAuth callback, health). A public method with an invalid token is
// served anonymously.
func AuthUnary(verifier SessionVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		v, err := verifier.Verify(ctx, token, sessionservice.VerifyOptions{Device: DeviceFromContext(ctx)})
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		ctx = WithIdentity(ctx, Identity{
			SubjectType: v.Session.SubjectType,
			SubjectID:   v.Session.SubjectID,
			SessionID:   v.Session.ID,
		})
		return handler(ctx, req)
	}
}

// DeviceFromContext describes the client from request metadata. The
// fingerprint is taken from x-device-fingerprint when the client sends one.
func DeviceFromContext(ctx context.Context) *sessiondomain.DeviceInfo {
	info := &sessiondomain.DeviceInfo{IPAddress: ClientIP(ctx)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("user-agent"); len(vals) > 0 {
			info.UserAgent = vals[0]
		}
		if vals := md.Get("x-device-fingerprint"); len(vals) > 0 {
			info.Fingerprint = strings.TrimSpace(vals[0])
		}
	}
	return info
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
