// Package service implements the federation bridge: SSO sessions created from
// validated provider assertions and the federated sessions that aggregate them
// across trusted domains.
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/audit"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
	"github.com/SOG-web/reauth-sub001/internal/federation/repository"
	"github.com/SOG-web/reauth-sub001/internal/federation/validator"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
	"github.com/SOG-web/reauth-sub001/internal/security"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	userdomain "github.com/SOG-web/reauth-sub001/internal/user/domain"
)

// AuthMethodFederated is stored in session metadata for SSO sign-ins.
const AuthMethodFederated = "federated"

// Config controls the bridge. It is validated once by NewBridge.
type Config struct {
	// Enabled turns on federated sessions. SSO sign-in works either way.
	Enabled bool
	// SessionTTL caps SSO sessions and the local sessions created from them.
	SessionTTL time.Duration
	// FederatedTTL is the lifetime of a federated session from its last merge.
	FederatedTTL time.Duration
	// TrustedDomains limits the domains a federated session may span. Empty
	// allows any domain.
	TrustedDomains []string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{SessionTTL: 8 * time.Hour, FederatedTTL: 8 * time.Hour}
}

// Validate rejects settings that cannot be honored.
func (c *Config) Validate() error {
	if c.SessionTTL < sessionservice.MinTTL {
		return errors.New("federation session TTL must be at least the minimum session TTL")
	}
	if c.FederatedTTL <= 0 {
		c.FederatedTTL = c.SessionTTL
	}
	return nil
}

// SubjectMapper finds or creates the local subject for a validated assertion.
type SubjectMapper interface {
	ResolveByEmail(ctx context.Context, email, name string) (*sessiondomain.Subject, error)
}

// SessionIssuer is the part of the session manager the bridge uses.
type SessionIssuer interface {
	Create(ctx context.Context, in sessionservice.CreateInput) (*sessiondomain.Session, error)
	Revoke(ctx context.Context, sessionID string) error
}

// BeginOptions describe where the provider returns the user agent.
type BeginOptions struct {
	RedirectURI string
	Domains     []string
}

// BeginResult is where to send the user agent and what to remember.
type BeginResult struct {
	RedirectURL string
	State       string
	Nonce       string
}

// ProcessOptions carry what the caller kept from BeginFederatedAuth. When
// State is set the nonce is taken from it and Nonce is ignored.
type ProcessOptions struct {
	State          string
	Nonce          string
	Domains        []string
	FederatedToken string
	Device         *sessiondomain.DeviceInfo
}

// ProcessResult is a completed SSO sign-in. Federated is nil when federation
// is disabled.
type ProcessResult struct {
	Subject    *sessiondomain.Subject
	Session    *sessiondomain.Session
	SSOSession *domain.SSOSession
	Federated  *domain.FederatedSession
}

// Bridge runs SSO sign-in and federated session validation. Errors are *apperror.Error.
type Bridge struct {
	cfg        Config
	validators map[string]validator.AssertionValidator
	repo       repository.Repository
	subjects   SubjectMapper
	sessions   SessionIssuer
	state      *security.StateCodec
	audit      audit.Recorder
	metrics    metrics.Recorder
	clock      clock.Clock
	newToken   func() (string, error)
}

// NewBridge validates cfg and returns a Bridge. recorder, m and clk may be nil.
func NewBridge(
	cfg Config,
	validators map[string]validator.AssertionValidator,
	repo repository.Repository,
	subjects SubjectMapper,
	sessions SessionIssuer,
	state *security.StateCodec,
	recorder audit.Recorder,
	m metrics.Recorder,
	clk clock.Clock,
) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || sessions == nil || state == nil {
		return nil, errors.New("federation bridge needs a repository, a session issuer and a state codec")
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	vs := make(map[string]validator.AssertionValidator, len(validators))
	for id, v := range validators {
		vs[id] = v
	}
	return &Bridge{
		cfg:        cfg,
		validators: vs,
		repo:       repo,
		subjects:   subjects,
		sessions:   sessions,
		state:      state,
		audit:      recorder,
		metrics:    m,
		clock:      clock.OrReal(clk),
		newToken:   security.GenerateToken,
	}, nil
}

// Enabled reports whether federated sessions are issued.
func (b *Bridge) Enabled() bool { return b.cfg.Enabled }

// Providers returns the configured provider ids, sorted.
func (b *Bridge) Providers() []string {
	ids := make([]string, 0, len(b.validators))
	for id := range b.validators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (b *Bridge) validator(providerID string) (validator.AssertionValidator, error) {
	v, ok := b.validators[providerID]
	if !ok {
		return nil, apperror.NotFound(apperror.StatusProviderNotFound, "federation provider not found")
	}
	return v, nil
}

// BeginFederatedAuth returns the provider sign-in URL with a signed state
// carrying a fresh nonce.
func (b *Bridge) BeginFederatedAuth(ctx context.Context, providerID string, opts BeginOptions) (*BeginResult, error) {
	v, err := b.validator(providerID)
	if err != nil {
		return nil, err
	}
	if err := b.checkDomains(opts.Domains); err != nil {
		return nil, err
	}
	state, claims, err := b.state.Encode(security.StateClaims{Provider: providerID, Redirect: opts.RedirectURI})
	if err != nil {
		return nil, apperror.Internal("failed to create federation state", err)
	}
	u, err := v.AuthURL(ctx, validator.AuthRequest{RedirectURI: opts.RedirectURI, State: state, Nonce: claims.Nonce})
	if err != nil {
		return nil, apperror.Internal("failed to build federation sign-in url", err)
	}
	return &BeginResult{RedirectURL: u, State: state, Nonce: claims.Nonce}, nil
}

// ProcessAssertion validates raw, records an SSO session, issues a local
// session and, when federation is enabled, creates or extends the subject's
// federated session.
func (b *Bridge) ProcessAssertion(ctx context.Context, providerID, raw string, opts ProcessOptions) (*ProcessResult, error) {
	v, err := b.validator(providerID)
	if err != nil {
		return nil, err
	}
	nonce := opts.Nonce
	if opts.State != "" {
		claims, err := b.state.Decode(opts.State, providerID)
		if err != nil {
			slog.Warn("federation state rejected", "provider", providerID, "error", err)
			return nil, apperror.Security(apperror.StatusInvalidState, "invalid federation state", err)
		}
		nonce = claims.Nonce
	}
	if b.cfg.Enabled {
		if err := b.checkDomains(opts.Domains); err != nil {
			return nil, err
		}
	}

	assertion, err := v.Validate(ctx, raw, nonce)
	if err != nil {
		slog.Warn("federation assertion rejected", "provider", providerID, "error", err)
		b.audit.LogEvent(ctx, audit.Event{
			Action:     audit.ActionSSOSessionCreated,
			Resource:   "sso_session",
			ResourceID: providerID,
			Status:     apperror.StatusAssertionInvalid,
		})
		return nil, apperror.Security(apperror.StatusAssertionInvalid, "assertion could not be validated", err)
	}

	now := b.clock.Now()
	expires := now.Add(b.cfg.SessionTTL)
	if !assertion.NotOnOrAfter.IsZero() && assertion.NotOnOrAfter.Before(expires) {
		expires = assertion.NotOnOrAfter
	}
	if !expires.After(now) {
		return nil, apperror.Security(apperror.StatusAssertionInvalid, "assertion has expired", nil)
	}
	// The local session never outlives the SSO session it came from.
	if expires.Sub(now) < sessionservice.MinTTL {
		return nil, apperror.Security(apperror.StatusAssertionInvalid, "assertion expires too soon", nil)
	}

	subject, err := b.resolveSubject(ctx, assertion)
	if err != nil {
		return nil, err
	}

	authInstant := assertion.AuthInstant
	if authInstant.IsZero() {
		authInstant = now
	}
	sso := &domain.SSOSession{
		ID:           security.NewID(),
		SubjectID:    subject.ID,
		ProviderID:   providerID,
		Protocol:     v.Protocol(),
		SessionIndex: assertion.SessionIndex,
		NameID:       assertion.NameID,
		Attributes:   assertion.Attributes,
		AuthInstant:  authInstant,
		ExpiresAt:    expires,
		CreatedAt:    now,
	}
	if err := b.repo.CreateSSOSession(ctx, sso); err != nil {
		return nil, apperror.Internal("failed to record sso session", err)
	}

	ttl := expires.Sub(now)
	sess, err := b.sessions.Create(ctx, sessionservice.CreateInput{
		Subject: *subject,
		TTL:     &ttl,
		Device:  opts.Device,
		Metadata: sessiondomain.Metadata{
			"auth_method":    AuthMethodFederated,
			"provider":       providerID,
			"sso_session_id": sso.ID,
		},
	})
	if err != nil {
		b.abandonSSO(ctx, sso.ID)
		return nil, err
	}
	b.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionSSOSessionCreated,
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		SessionID:   sess.ID,
		Resource:    "sso_session",
		ResourceID:  sso.ID,
		Status:      apperror.StatusOK,
		Metadata:    map[string]any{"provider": providerID, "protocol": string(sso.Protocol)},
	})

	res := &ProcessResult{Subject: subject, Session: sess, SSOSession: sso.Clone()}
	if !b.cfg.Enabled {
		return res, nil
	}
	fed, err := b.CreateFederatedSession(ctx, subject.ID, sso, opts.Domains, opts.FederatedToken)
	if err != nil {
		if rerr := b.sessions.Revoke(ctx, sess.ID); rerr != nil {
			slog.Error("federation: revoke session after failed federated sign-in", "session_id", sess.ID, "error", rerr)
		}
		b.abandonSSO(ctx, sso.ID)
		return nil, err
	}
	res.Federated = fed
	return res, nil
}

func (b *Bridge) resolveSubject(ctx context.Context, a *validator.ValidatedAssertion) (*sessiondomain.Subject, error) {
	if a.SubjectID != "" {
		return &sessiondomain.Subject{Type: userdomain.SubjectType, ID: a.SubjectID}, nil
	}
	if b.subjects == nil {
		return nil, apperror.Internal("no subject mapper configured for federation", nil)
	}
	if a.Email != "" && !a.EmailVerified {
		slog.Warn("federation assertion email not verified", "name_id", a.NameID)
		return nil, apperror.Security(apperror.StatusAssertionInvalid, "assertion email is not verified", nil)
	}
	s, err := b.subjects.ResolveByEmail(ctx, a.Email, a.Name)
	if err != nil {
		if a.Email == "" {
			return nil, apperror.Validation(apperror.StatusAssertionInvalid, "assertion carries no email to map a subject")
		}
		return nil, apperror.Internal("failed to resolve federated subject", err)
	}
	if s == nil {
		return nil, apperror.AuthenticationRequired(apperror.StatusUnauthenticated, "account is disabled")
	}
	return s, nil
}

// abandonSSO logs out an SSO session whose sign-in failed after it was stored.
func (b *Bridge) abandonSSO(ctx context.Context, id string) {
	if _, err := b.repo.MarkSSOLogout(ctx, id); err != nil {
		slog.Error("federation: abandon sso session", "sso_session_id", id, "error", err)
	}
}

// checkDomains rejects domains outside TrustedDomains when that list is set.
func (b *Bridge) checkDomains(domains []string) error {
	if len(b.cfg.TrustedDomains) == 0 {
		return nil
	}
	for _, d := range domains {
		if !slices.Contains(b.cfg.TrustedDomains, d) {
			return apperror.Validation(apperror.StatusUntrustedDomain, "domain is not trusted for federation: "+d)
		}
	}
	return nil
}

// CreateFederatedSession adds sso to the subject's federated session named by
// existingToken, or starts a new one. Merging unions the domain lists and the
// provider session maps; the newer entry wins for a provider.
func (b *Bridge) CreateFederatedSession(ctx context.Context, subjectID string, sso *domain.SSOSession, domains []string, existingToken string) (*domain.FederatedSession, error) {
	if !b.cfg.Enabled {
		return nil, apperror.Validation(apperror.StatusFederationDisabled, "federation is disabled")
	}
	if subjectID == "" || sso == nil {
		return nil, apperror.Validation(apperror.StatusInvalidInput, "subject and sso session are required")
	}
	if err := b.checkDomains(domains); err != nil {
		return nil, err
	}
	now := b.clock.Now()
	added := map[string]string{sso.ProviderID: sso.ID}

	if existingToken != "" {
		cur, err := b.repo.GetFederatedSessionByToken(ctx, existingToken)
		if err != nil {
			return nil, apperror.Internal("failed to load federated session", err)
		}
		switch {
		case cur == nil || cur.Expired(now):
		case cur.SubjectID != subjectID:
			slog.Warn("federation: token of another subject presented for merge", "subject_id", subjectID)
		default:
			cur.Domains = domain.MergeDomains(cur.Domains, domains)
			cur.ProviderSessions = domain.MergeProviderSessions(cur.ProviderSessions, added)
			cur.ExpiresAt = now.Add(b.cfg.FederatedTTL)
			cur.LastActivity = now
			if err := b.repo.UpdateFederatedSession(ctx, cur); err != nil {
				return nil, apperror.Internal("failed to update federated session", err)
			}
			cur.Token = existingToken
			return cur, nil
		}
	}

	f := &domain.FederatedSession{
		ID:               security.NewID(),
		SubjectID:        subjectID,
		Domains:          domain.MergeDomains(nil, domains),
		ProviderSessions: added,
		ExpiresAt:        now.Add(b.cfg.FederatedTTL),
		LastActivity:     now,
		CreatedAt:        now,
	}
	for attempt := 0; ; attempt++ {
		tok, err := b.newToken()
		if err != nil {
			return nil, apperror.Internal("failed to generate federated token", err)
		}
		f.Token = tok
		err = b.repo.CreateFederatedSession(ctx, f)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicateToken) || attempt > 0 {
			return nil, apperror.Internal("failed to create federated session", err)
		}
	}
	b.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionFederatedCreated,
		SubjectID:  subjectID,
		Resource:   "federated_session",
		ResourceID: f.ID,
		Status:     apperror.StatusOK,
		Metadata:   map[string]any{"domains": f.Domains},
	})
	return f.Clone(), nil
}

func federatedInvalid() error {
	return apperror.AuthenticationRequired(apperror.StatusFederatedInvalid, "federated session is invalid")
}

// ValidateFederatedSession checks token for domain (empty skips the domain
// check), drops provider sessions that are no longer active and deletes the
// federated session once none remain.
func (b *Bridge) ValidateFederatedSession(ctx context.Context, token, domainName string) (res *domain.FederatedSession, err error) {
	defer func() {
		b.metrics.FederatedValidation(apperror.StatusOf(err))
	}()
	if token == "" {
		return nil, federatedInvalid()
	}
	f, err := b.repo.GetFederatedSessionByToken(ctx, token)
	if err != nil {
		return nil, apperror.Internal("failed to load federated session", err)
	}
	if f == nil {
		return nil, federatedInvalid()
	}
	now := b.clock.Now()
	if f.Expired(now) {
		b.drop(ctx, f, "expired")
		return nil, federatedInvalid()
	}
	if domainName != "" && !f.AllowsDomain(domainName) {
		b.audit.LogEvent(ctx, audit.Event{
			Action:     audit.ActionFederatedDenied,
			SubjectID:  f.SubjectID,
			Resource:   "federated_session",
			ResourceID: f.ID,
			Status:     apperror.StatusDomainNotAllowed,
			Metadata:   map[string]any{"domain": domainName},
		})
		return nil, apperror.Security(apperror.StatusDomainNotAllowed, "domain is not part of this federated session", nil)
	}

	active := make(map[string]string, len(f.ProviderSessions))
	for providerID, ssoID := range f.ProviderSessions {
		sso, err := b.repo.GetSSOSession(ctx, ssoID)
		if err != nil {
			return nil, apperror.Internal("failed to load sso session", err)
		}
		if sso.Active(now) {
			active[providerID] = ssoID
		}
	}
	if len(active) == 0 {
		b.drop(ctx, f, "no_active_provider_sessions")
		return nil, federatedInvalid()
	}
	f.ProviderSessions = active
	f.LastActivity = now
	if err := b.repo.UpdateFederatedSession(ctx, f); err != nil {
		return nil, apperror.Internal("failed to update federated session", err)
	}
	return f, nil
}

// drop deletes a federated session that can no longer be used.
func (b *Bridge) drop(ctx context.Context, f *domain.FederatedSession, reason string) {
	if _, err := b.repo.DeleteFederatedSession(ctx, f.ID); err != nil {
		slog.Error("federation: delete federated session", "federated_session_id", f.ID, "error", err)
		return
	}
	b.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionFederatedCollapsed,
		SubjectID:  f.SubjectID,
		Resource:   "federated_session",
		ResourceID: f.ID,
		Status:     apperror.StatusFederatedInvalid,
		Metadata:   map[string]any{"reason": reason},
	})
}

// SSOSession returns the SSO session with id, or NotFound.
func (b *Bridge) SSOSession(ctx context.Context, id string) (*domain.SSOSession, error) {
	sso, err := b.repo.GetSSOSession(ctx, id)
	if err != nil {
		return nil, apperror.Internal("failed to load sso session", err)
	}
	if sso == nil {
		return nil, apperror.NotFound(apperror.StatusSessionNotFound, "sso session not found")
	}
	return sso, nil
}

// Logout marks an SSO session as logged out. Federated sessions that depend
// on it alone collapse on their next validation.
func (b *Bridge) Logout(ctx context.Context, ssoSessionID string) error {
	ok, err := b.repo.MarkSSOLogout(ctx, ssoSessionID)
	if err != nil {
		return apperror.Internal("failed to log out sso session", err)
	}
	if !ok {
		return apperror.NotFound(apperror.StatusSessionNotFound, "sso session not found")
	}
	b.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionSSOLogout,
		Resource:   "sso_session",
		ResourceID: ssoSessionID,
		Status:     apperror.StatusOK,
	})
	return nil
}
