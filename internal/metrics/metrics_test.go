package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_SessionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionCreated("user")
	c.SessionCreated("user")
	c.SessionVerified("ok")
	c.SessionVerified("invalid")
	c.SessionRotated()
	c.SessionsRevoked(3)
	c.SessionsEvicted(1)

	if got := testutil.ToFloat64(c.sessionsCreated.WithLabelValues("user")); got != 2 {
		t.Errorf("sessions_created{user} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.sessionsVerified.WithLabelValues("invalid")); got != 1 {
		t.Errorf("sessions_verified{invalid} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.sessionsRevoked); got != 3 {
		t.Errorf("sessions_revoked = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.sessionsEvicted); got != 1 {
		t.Errorf("sessions_evicted = %v, want 1", got)
	}
}

func TestCollector_CleanupRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.CleanupRun("expired_sessions", 120, 0, 40*time.Millisecond)
	c.CleanupRun("expired_sessions", 5, 1, 10*time.Millisecond)

	if got := testutil.ToFloat64(c.cleanupRuns.WithLabelValues("expired_sessions")); got != 2 {
		t.Errorf("runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.cleanupCleaned.WithLabelValues("expired_sessions")); got != 125 {
		t.Errorf("cleaned = %v, want 125", got)
	}
	if got := testutil.ToFloat64(c.cleanupErrors.WithLabelValues("expired_sessions")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestNewCollector_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	NewCollector(reg)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.OAuthCallback("github", "ok")

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `reauth_oauth_callbacks_total{outcome="ok",provider="github"} 1`) {
		t.Errorf("body missing oauth callback counter:\n%s", body)
	}
}

func TestNop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.SessionCreated("user")
	r.CleanupRun("x", 1, 0, time.Second)
}
