// Package audit records session lifecycle events to the audit log and the
// telemetry sinks.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/SOG-web/reauth-sub001/internal/audit/domain"
	auditrepo "github.com/SOG-web/reauth-sub001/internal/audit/repository"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/telemetry"
	telemetrydomain "github.com/SOG-web/reauth-sub001/internal/telemetry/domain"
)

// Lifecycle actions.
const (
	ActionSessionCreated     = "session.created"
	ActionSessionRotated     = "session.rotated"
	ActionSessionRevoked     = "session.revoked"
	ActionSessionsRevokedAll = "session.revoked_all"
	ActionSessionEvicted     = "session.evicted"
	ActionDeviceTrusted      = "session.device_trusted"
	ActionOAuthCallback      = "oauth.callback"
	ActionOAuthLinked        = "oauth.linked"
	ActionOAuthLinkConflict  = "oauth.link_conflict"
	ActionOAuthUnlinked      = "oauth.unlinked"
	ActionOAuthRefreshFailed = "oauth.refresh_failed"
	ActionSSOSessionCreated  = "federation.sso_session_created"
	ActionFederatedCreated   = "federation.federated_session_created"
	ActionFederatedCollapsed = "federation.federated_session_collapsed"
	ActionFederatedDenied    = "federation.domain_denied"
	ActionSSOLogout          = "federation.logout"
)

// StatusOK marks a successful operation.
const StatusOK = "ok"

// Event is what callers report; the logger fills in id, time and client IP.
type Event struct {
	Action      string
	SubjectType string
	SubjectID   string
	SessionID   string
	Resource    string
	ResourceID  string
	Status      string
	Metadata    map[string]any
}

// Recorder is implemented by Logger. Services depend on it so tests can pass Nop.
type Recorder interface {
	LogEvent(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(context.Context, Event) {}

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Logger persists events to the audit repository and emits them to telemetry.
// Both sinks are optional and best-effort: failures are logged, never returned.
type Logger struct {
	repo        auditrepo.Repository
	emitter     telemetry.EventEmitter
	ipExtractor IPExtractor
	clock       clock.Clock
}

var _ Recorder = (*Logger)(nil)

// NewLogger returns a Logger. repo, emitter and ipExtractor may be nil.
func NewLogger(repo auditrepo.Repository, emitter telemetry.EventEmitter, ipExtractor IPExtractor, clk clock.Clock) *Logger {
	return &Logger{repo: repo, emitter: emitter, ipExtractor: ipExtractor, clock: clock.OrReal(clk)}
}

// LogEvent records ev. The repository write happens inline; telemetry is async.
func (l *Logger) LogEvent(ctx context.Context, ev Event) {
	if ev.Status == "" {
		ev.Status = StatusOK
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	var meta []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			slog.Warn("audit metadata not serializable", "component", "audit", "action", ev.Action, "error", err)
		} else {
			meta = b
		}
	}
	id := security.NewID()
	now := l.clock.Now()

	if l.repo != nil {
		entry := &domain.Entry{
			ID:          id,
			Action:      ev.Action,
			SubjectType: ev.SubjectType,
			SubjectID:   ev.SubjectID,
			SessionID:   ev.SessionID,
			Resource:    ev.Resource,
			ResourceID:  ev.ResourceID,
			Status:      ev.Status,
			IP:          ip,
			Metadata:    string(meta),
			CreatedAt:   now,
		}
		if err := l.repo.Create(ctx, entry); err != nil {
			slog.Warn("failed to persist audit event", "component", "audit", "action", ev.Action, "error", err)
		}
	}
	telemetry.EmitAsync(l.emitter, ctx, &telemetrydomain.Event{
		ID:          id,
		Type:        ev.Action,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		SessionID:   ev.SessionID,
		Source:      ev.Resource,
		Status:      ev.Status,
		Metadata:    meta,
		CreatedAt:   now,
	})
}
