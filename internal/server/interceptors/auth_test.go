package interceptors

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
)

// mockVerifier accepts exactly one token.
type mockVerifier struct {
	token   string
	session *sessiondomain.Session
	gotOpts sessionservice.VerifyOptions
}

func (m *mockVerifier) Verify(ctx context.Context, token string, opts sessionservice.VerifyOptions) (*sessionservice.VerifiedSession, error) {
	m.gotOpts = opts
	if token != m.token {
		return nil, apperror.AuthenticationRequired(apperror.StatusSessionInvalid, "session is invalid or has expired")
	}
	return &sessionservice.VerifiedSession{
		Session: m.session,
		Subject: &sessiondomain.Subject{Type: m.session.SubjectType, ID: m.session.SubjectID},
	}, nil
}

func newMockVerifier() *mockVerifier {
	return &mockVerifier{
		token:   "good-token",
		session: &sessiondomain.Session{ID: "session-1", SubjectType: "user", SubjectID: "user-1"},
	}
}

func okHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "success", nil
}

func withAuth(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization":        value,
		"user-agent":           "test-agent/1.0",
		"x-forwarded-for":      "203.0.113.7, 10.0.0.1",
		"x-device-fingerprint": "fp-1",
	}))
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	interceptor := AuthUnary(newMockVerifier(), map[string]bool{"/test.Service/PublicMethod": true})

	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, okHandler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
}

func TestAuthUnary_ProtectedMethod_NoToken(t *testing.T) {
	interceptor := AuthUnary(newMockVerifier(), map[string]bool{})

	_, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, okHandler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestAuthUnary_ProtectedMethod_ValidToken(t *testing.T) {
	v := newMockVerifier()
	interceptor := AuthUnary(v, map[string]bool{})

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		id, ok := IdentityFrom(ctx)
		if !ok || id.SubjectType != "user" || id.SubjectID != "user-1" || id.SessionID != "session-1" {
			t.Errorf("identity = %+v, ok = %v", id, ok)
		}
		return "success", nil
	}
	resp, err := interceptor(withAuth("Bearer good-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, handler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}
	d := v.gotOpts.Device
	if d == nil || d.IPAddress != "203.0.113.7" || d.UserAgent != "test-agent/1.0" || d.Fingerprint != "fp-1" {
		t.Errorf("device passed to verify = %+v", d)
	}
}

func TestAuthUnary_BearerIsCaseInsensitive(t *testing.T) {
	interceptor := AuthUnary(newMockVerifier(), map[string]bool{})
	if _, err := interceptor(withAuth("bEaReR good-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
}

func TestAuthUnary_ProtectedMethod_InvalidToken(t *testing.T) {
	interceptor := AuthUnary(newMockVerifier(), map[string]bool{})

	for _, header := range []string{"Bearer expired-token", "Basic good-token", "Bearer"} {
		_, err := interceptor(withAuth(header), "request", &grpc.UnaryServerInfo{
			FullMethod: "/test.Service/ProtectedMethod",
		}, okHandler)
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("%q: status code = %v, want %v", header, status.Code(err), codes.Unauthenticated)
		}
	}
}

func TestAuthUnary_PublicMethod_InvalidTokenServedAnonymously(t *testing.T) {
	interceptor := AuthUnary(newMockVerifier(), map[string]bool{"/test.Service/PublicMethod": true})

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		if _, ok := IdentityFrom(ctx); ok {
			t.Error("identity set for rejected token")
		}
		return "success", nil
	}
	if _, err := interceptor(withAuth("Bearer stale"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
}
