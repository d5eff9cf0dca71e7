// Package service issues, verifies, rotates and revokes sessions on top of a
// session store.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/audit"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
	"github.com/SOG-web/reauth-sub001/internal/policy/engine"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
	"github.com/SOG-web/reauth-sub001/internal/session/repository"
)

// maxTokenAttempts bounds retries when a generated token collides.
const maxTokenAttempts = 3

const invalidSessionMessage = "session is invalid or has expired"

// CreateInput describes a new session.
type CreateInput struct {
	Subject domain.Subject
	// TTL overrides Config.DefaultTTL. A zero TTL means the session never expires.
	TTL      *time.Duration
	Device   *domain.DeviceInfo
	Metadata domain.Metadata
}

// VerifyOptions carries what the caller observed about the client.
type VerifyOptions struct {
	Device *domain.DeviceInfo
}

// VerifiedSession is the result of a successful Verify.
type VerifiedSession struct {
	Session *domain.Session
	Subject *domain.Subject
}

// RevokeAllResult reports a bulk revocation. CurrentRevoked tells the caller
// its own session went with the rest and its token must be dropped.
type RevokeAllResult struct {
	Revoked        int
	CurrentRevoked bool
}

// Manager implements the session lifecycle. All methods return *apperror.Error
// on failure.
type Manager struct {
	cfg       Config
	repo      repository.Repository
	resolvers *ResolverRegistry
	admission engine.AdmissionEvaluator
	audit     audit.Recorder
	metrics   metrics.Recorder
	clock     clock.Clock
	newToken  func() (string, error)
}

// NewManager validates cfg and returns a Manager. admission, recorder, m and
// clk may be nil; the built-in limit policy, no-op sinks and the real clock
// are used instead.
func NewManager(
	cfg Config,
	repo repository.Repository,
	resolvers *ResolverRegistry,
	admission engine.AdmissionEvaluator,
	recorder audit.Recorder,
	m metrics.Recorder,
	clk clock.Clock,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New("session repository is required")
	}
	if resolvers == nil {
		resolvers = NewResolverRegistry()
	}
	if admission == nil {
		admission = engine.LimitEvaluator{}
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		resolvers: resolvers,
		admission: admission,
		audit:     recorder,
		metrics:   m,
		clock:     clock.OrReal(clk),
		newToken:  security.GenerateToken,
	}, nil
}

// Config returns the validated configuration.
func (m *Manager) Config() Config { return m.cfg }

// Resolvers returns the registry consulted by Verify.
func (m *Manager) Resolvers() *ResolverRegistry { return m.resolvers }

// Create issues a new session for in.Subject. The returned session carries
// the bearer token; it is the only time the token is handed out.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*domain.Session, error) {
	if in.Subject.Type == "" || in.Subject.ID == "" {
		return nil, apperror.Validation(apperror.StatusInvalidInput, "subject type and id are required")
	}
	ttl := m.cfg.DefaultTTL
	if in.TTL != nil {
		ttl = *in.TTL
		if ttl != 0 && ttl < m.cfg.MinTTL {
			return nil, apperror.Validation(apperror.StatusInvalidTTL, "session TTL must be at least "+m.cfg.MinTTL.String())
		}
	}
	if err := m.admit(ctx, in.Subject, in.Device); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	s := &domain.Session{
		ID:          security.NewID(),
		SubjectType: in.Subject.Type,
		SubjectID:   in.Subject.ID,
		LastSeenAt:  &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		s.ExpiresAt = &exp
	}
	if in.Device != nil {
		s.IPAddress = in.Device.IPAddress
		s.UserAgent = in.Device.UserAgent
	}
	if err := m.persistNew(ctx, s); err != nil {
		return nil, err
	}

	if err := m.attachChildren(ctx, s.ID, in.Device, in.Metadata, now); err != nil {
		if _, derr := m.repo.Delete(ctx, s.ID); derr != nil {
			slog.Error("failed to roll back session", "component", "session", "session_id", s.ID, "error", derr)
		}
		return nil, apperror.Internal("failed to create session", err)
	}

	m.metrics.SessionCreated(s.SubjectType)
	m.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionSessionCreated,
		SubjectType: s.SubjectType,
		SubjectID:   s.SubjectID,
		SessionID:   s.ID,
		Resource:    "session",
		ResourceID:  s.ID,
	})
	return s, nil
}

func (m *Manager) persistNew(ctx context.Context, s *domain.Session) error {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		tok, err := m.newToken()
		if err != nil {
			return apperror.Internal("failed to generate session token", err)
		}
		s.Token = tok
		err = m.repo.Create(ctx, s)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateToken) {
			return apperror.Internal("failed to create session", err)
		}
		slog.Warn("session token collision, regenerating", "component", "session", "attempt", attempt+1)
	}
	return apperror.Internal("failed to create session", repository.ErrDuplicateToken)
}

func (m *Manager) attachChildren(ctx context.Context, sessionID string, info *domain.DeviceInfo, md domain.Metadata, now time.Time) error {
	if m.cfg.TrackDevices && info != nil {
		d := (*domain.Device)(nil).Observe(sessionID, *info, now)
		if err := m.repo.UpsertDevice(ctx, d); err != nil {
			return err
		}
	}
	if len(md) > 0 {
		if err := m.repo.SetMetadata(ctx, sessionID, md); err != nil {
			return err
		}
	}
	return nil
}

// admit applies the concurrency limit before a new session is created.
func (m *Manager) admit(ctx context.Context, subject domain.Subject, info *domain.DeviceInfo) error {
	if m.cfg.MaxConcurrentSessions <= 0 {
		return nil
	}
	live, err := m.repo.ListForSubject(ctx, subject.Type, subject.ID)
	if err != nil {
		return apperror.Internal("failed to check session limit", err)
	}
	if len(live) < m.cfg.MaxConcurrentSessions {
		return nil
	}
	trusted, err := m.deviceTrusted(ctx, live, info)
	if err != nil {
		return apperror.Internal("failed to check session limit", err)
	}
	action, err := m.admission.EvaluateAdmission(ctx, engine.AdmissionInput{
		SubjectType:    subject.Type,
		SubjectID:      subject.ID,
		ActiveSessions: len(live),
		MaxSessions:    m.cfg.MaxConcurrentSessions,
		OnLimit:        m.cfg.OnLimit,
		DeviceTrusted:  trusted,
	})
	if err != nil {
		return apperror.Internal("failed to evaluate session admission", err)
	}

	switch action {
	case engine.ActionAllow:
		return nil
	case engine.ActionReject:
		return apperror.Conflict(apperror.StatusSessionLimitReached, "maximum number of concurrent sessions reached")
	}

	excess := len(live) - m.cfg.MaxConcurrentSessions + 1
	evicted := 0
	for _, s := range live[:excess] {
		ok, err := m.repo.Delete(ctx, s.ID)
		if err != nil {
			return apperror.Internal("failed to evict session", err)
		}
		if !ok {
			continue
		}
		evicted++
		m.audit.LogEvent(ctx, audit.Event{
			Action:      audit.ActionSessionEvicted,
			SubjectType: s.SubjectType,
			SubjectID:   s.SubjectID,
			SessionID:   s.ID,
			Resource:    "session",
			ResourceID:  s.ID,
		})
	}
	m.metrics.SessionsEvicted(evicted)
	return nil
}

// deviceTrusted reports whether the requesting device matches a trusted
// device of one of the subject's live sessions.
func (m *Manager) deviceTrusted(ctx context.Context, live []*domain.Session, info *domain.DeviceInfo) (bool, error) {
	if info == nil || info.Fingerprint == "" {
		return false, nil
	}
	for _, s := range live {
		d, err := m.repo.GetDevice(ctx, s.ID)
		if err != nil {
			return false, err
		}
		if d != nil && d.IsTrusted && d.Fingerprint == info.Fingerprint {
			return true, nil
		}
	}
	return false, nil
}

// Verify resolves token to its session and subject. Missing, expired and
// unresolvable sessions produce the same error.
func (m *Manager) Verify(ctx context.Context, token string, opts VerifyOptions) (*VerifiedSession, error) {
	invalid := apperror.AuthenticationRequired(apperror.StatusSessionInvalid, invalidSessionMessage)
	if token == "" {
		m.metrics.SessionVerified("invalid")
		return nil, invalid
	}
	s, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, apperror.Internal("failed to verify session", err)
	}
	if s == nil {
		m.metrics.SessionVerified("invalid")
		return nil, invalid
	}

	resolver, ok := m.resolvers.Lookup(s.SubjectType)
	if !ok {
		slog.Warn("no resolver for subject type", "component", "session", "subject_type", s.SubjectType, "session_id", s.ID)
		m.metrics.SessionVerified("unresolved")
		return nil, invalid
	}
	subject, err := resolver.GetByID(ctx, s.SubjectID)
	if err != nil {
		return nil, apperror.Internal("failed to resolve session subject", err)
	}
	if subject == nil {
		m.metrics.SessionVerified("unresolved")
		return nil, invalid
	}
	subject = resolver.Sanitize(subject)

	if err := m.touch(ctx, s, opts.Device); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			m.metrics.SessionVerified("invalid")
			return nil, invalid
		}
		slog.Warn("failed to record session activity", "component", "session", "session_id", s.ID, "error", err)
	}
	m.metrics.SessionVerified("valid")
	return &VerifiedSession{Session: s, Subject: subject}, nil
}

// touch records activity on s, at most once per UpdateAge.
func (m *Manager) touch(ctx context.Context, s *domain.Session, info *domain.DeviceInfo) error {
	now := m.clock.Now()
	if s.LastSeenAt != nil && now.Sub(*s.LastSeenAt) < m.cfg.UpdateAge {
		return nil
	}
	s.LastSeenAt = &now
	s.UpdatedAt = now
	if info != nil {
		if info.IPAddress != "" {
			s.IPAddress = info.IPAddress
		}
		if info.UserAgent != "" {
			s.UserAgent = info.UserAgent
		}
	}
	if err := m.repo.Update(ctx, s); err != nil {
		return err
	}
	if !m.cfg.TrackDevices || info == nil {
		return nil
	}
	d, err := m.repo.GetDevice(ctx, s.ID)
	if err != nil {
		return err
	}
	return m.repo.UpsertDevice(ctx, d.Observe(s.ID, *info, now))
}

// Rotate issues a new token for the session. The previous token stops
// verifying before Rotate returns.
func (m *Manager) Rotate(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.lookupForRotation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tok, err := m.newToken()
	if err != nil {
		return nil, apperror.Internal("failed to generate session token", err)
	}
	now := m.clock.Now()
	ok, err := m.repo.RotateToken(ctx, s.ID, tok, s.RotationCount, now)
	if err != nil {
		return nil, apperror.Internal("failed to rotate session", err)
	}
	if !ok {
		// Lost a race with another rotation, a revocation or expiry.
		if _, err := m.lookupForRotation(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, apperror.Conflict(apperror.StatusRotationConflict, "session was rotated concurrently")
	}

	s.Token = tok
	s.RotationCount++
	s.UpdatedAt = now
	m.metrics.SessionRotated()
	m.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionSessionRotated,
		SubjectType: s.SubjectType,
		SubjectID:   s.SubjectID,
		SessionID:   s.ID,
		Resource:    "session",
		ResourceID:  s.ID,
		Metadata:    map[string]any{"rotation_count": s.RotationCount},
	})
	return s, nil
}

func (m *Manager) lookupForRotation(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.repo.GetByIDIncludingExpired(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to load session", err)
	}
	if s == nil {
		return nil, apperror.NotFound(apperror.StatusSessionNotFound, "session not found")
	}
	if s.Expired(m.clock.Now()) {
		return nil, apperror.AuthenticationRequired(apperror.StatusSessionExpired, "session has expired")
	}
	return s, nil
}

// Get returns the live session with its token cleared.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Token = ""
	return s, nil
}

// Revoke deletes one session with its device and metadata.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	s, err := m.repo.GetByIDIncludingExpired(ctx, sessionID)
	if err != nil {
		return apperror.Internal("failed to load session", err)
	}
	ok, err := m.repo.Delete(ctx, sessionID)
	if err != nil {
		return apperror.Internal("failed to revoke session", err)
	}
	if !ok {
		return apperror.NotFound(apperror.StatusSessionNotFound, "session not found")
	}
	m.metrics.SessionsRevoked(1)
	ev := audit.Event{Action: audit.ActionSessionRevoked, SessionID: sessionID, Resource: "session", ResourceID: sessionID}
	if s != nil {
		ev.SubjectType, ev.SubjectID = s.SubjectType, s.SubjectID
	}
	m.audit.LogEvent(ctx, ev)
	return nil
}

// RevokeAll deletes every session of the subject except keepSessionID. An
// empty keepSessionID revokes the caller's own session too.
func (m *Manager) RevokeAll(ctx context.Context, subjectType, subjectID, keepSessionID string) (RevokeAllResult, error) {
	if subjectType == "" || subjectID == "" {
		return RevokeAllResult{}, apperror.Validation(apperror.StatusInvalidInput, "subject type and id are required")
	}
	n, err := m.repo.DeleteAllForSubject(ctx, subjectType, subjectID, keepSessionID)
	if err != nil {
		return RevokeAllResult{}, apperror.Internal("failed to revoke sessions", err)
	}
	res := RevokeAllResult{Revoked: n, CurrentRevoked: keepSessionID == "" && n > 0}
	m.metrics.SessionsRevoked(n)
	m.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionSessionsRevokedAll,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		SessionID:   keepSessionID,
		Resource:    "session",
		Metadata:    map[string]any{"revoked": n, "current_revoked": res.CurrentRevoked},
	})
	return res, nil
}

// List returns the subject's live sessions, oldest first, with tokens cleared.
func (m *Manager) List(ctx context.Context, subjectType, subjectID string) ([]*domain.Session, error) {
	list, err := m.repo.ListForSubject(ctx, subjectType, subjectID)
	if err != nil {
		return nil, apperror.Internal("failed to list sessions", err)
	}
	for _, s := range list {
		s.Token = ""
	}
	return list, nil
}

// SetMetadata writes keys on a live session.
func (m *Manager) SetMetadata(ctx context.Context, sessionID string, md domain.Metadata) error {
	if _, err := m.live(ctx, sessionID); err != nil {
		return err
	}
	if len(md) == 0 {
		return nil
	}
	if err := m.repo.SetMetadata(ctx, sessionID, md); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return apperror.NotFound(apperror.StatusSessionNotFound, "session not found")
		}
		return apperror.Internal("failed to set session metadata", err)
	}
	return nil
}

// GetMetadata returns all metadata of a live session.
func (m *Manager) GetMetadata(ctx context.Context, sessionID string) (domain.Metadata, error) {
	if _, err := m.live(ctx, sessionID); err != nil {
		return nil, err
	}
	md, err := m.repo.GetMetadata(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to read session metadata", err)
	}
	if md == nil {
		md = domain.Metadata{}
	}
	return md, nil
}

// DeleteMetadata removes keys, or all metadata when none are given.
func (m *Manager) DeleteMetadata(ctx context.Context, sessionID string, keys ...string) error {
	if _, err := m.live(ctx, sessionID); err != nil {
		return err
	}
	if err := m.repo.DeleteMetadata(ctx, sessionID, keys...); err != nil {
		return apperror.Internal("failed to delete session metadata", err)
	}
	return nil
}

// TrustDevice marks the device of a live session as trusted.
func (m *Manager) TrustDevice(ctx context.Context, sessionID string) (*domain.Device, error) {
	s, err := m.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	d, err := m.repo.GetDevice(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to load device", err)
	}
	if d == nil {
		return nil, apperror.NotFound(apperror.StatusDeviceNotFound, "session has no recorded device")
	}
	if d.IsTrusted {
		return d, nil
	}
	d.IsTrusted = true
	if err := m.repo.UpsertDevice(ctx, d); err != nil {
		return nil, apperror.Internal("failed to trust device", err)
	}
	m.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionDeviceTrusted,
		SubjectType: s.SubjectType,
		SubjectID:   s.SubjectID,
		SessionID:   s.ID,
		Resource:    "device",
		ResourceID:  s.ID,
	})
	return d, nil
}

func (m *Manager) live(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperror.Internal("failed to load session", err)
	}
	if s == nil {
		return nil, apperror.NotFound(apperror.StatusSessionNotFound, "session not found")
	}
	return s, nil
}
