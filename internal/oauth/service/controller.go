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
	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
	"github.com/SOG-web/reauth-sub001/internal/oauth/provider"
	"github.com/SOG-web/reauth-sub001/internal/oauth/repository"
	"github.com/SOG-web/reauth-sub001/internal/security"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

// AuthMethodOAuth is stored in session metadata for provider sign-ins.
const AuthMethodOAuth = "oauth"

// SubjectStore creates and loads the subjects that provider accounts link to.
// CreateSubject returns userrepo.ErrEmailTaken when the email belongs to
// another subject.
type SubjectStore interface {
	CreateSubject(ctx context.Context, email, name string) (*sessiondomain.Subject, error)
	GetByID(ctx context.Context, id string) (*sessiondomain.Subject, error)
	DeleteSubject(ctx context.Context, id string) error
}

// CredentialChecker reports whether a subject can sign in without a provider.
type CredentialChecker interface {
	HasLocalCredential(ctx context.Context, subjectID string) (bool, error)
}

// SessionIssuer is the part of the session manager the controller uses.
type SessionIssuer interface {
	Create(ctx context.Context, in sessionservice.CreateInput) (*sessiondomain.Session, error)
}

// InitiateOptions override the provider defaults for one authorization request.
type InitiateOptions struct {
	RedirectURI string
	Scopes      []string
}

// InitiateResult is where to send the user agent.
type InitiateResult struct {
	AuthorizationURL string
	State            string
}

// CallbackOptions describe the client finishing the flow.
type CallbackOptions struct {
	Device *sessiondomain.DeviceInfo
	TTL    *time.Duration
}

// CallbackResult is a completed sign-in.
type CallbackResult struct {
	Subject      *sessiondomain.Subject
	Session      *sessiondomain.Session
	Profile      *domain.Profile
	IsNewSubject bool
}

// RefreshInput carries the refresh token the client holds. Only its hash is
// stored server side.
type RefreshInput struct {
	RefreshToken string
}

// RefreshResult reports a refresh. Refreshed is false when the stored access
// token had not expired and nothing was sent to the provider.
type RefreshResult struct {
	Refreshed    bool
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Controller runs the OAuth flows. Errors are *apperror.Error.
type Controller struct {
	providers *ProviderRegistry
	exchanger provider.Exchanger
	repo      repository.Repository
	subjects  SubjectStore
	creds     CredentialChecker
	sessions  SessionIssuer
	state     *security.StateCodec
	audit     audit.Recorder
	metrics   metrics.Recorder
	clock     clock.Clock
}

// NewController returns a Controller. recorder, m and clk may be nil.
func NewController(
	providers *ProviderRegistry,
	exchanger provider.Exchanger,
	repo repository.Repository,
	subjects SubjectStore,
	creds CredentialChecker,
	sessions SessionIssuer,
	state *security.StateCodec,
	recorder audit.Recorder,
	m metrics.Recorder,
	clk clock.Clock,
) *Controller {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Controller{
		providers: providers,
		exchanger: exchanger,
		repo:      repo,
		subjects:  subjects,
		creds:     creds,
		sessions:  sessions,
		state:     state,
		audit:     recorder,
		metrics:   m,
		clock:     clock.OrReal(clk),
	}
}

// Providers returns the registry the controller serves.
func (c *Controller) Providers() *ProviderRegistry { return c.providers }

func (c *Controller) provider(name string) (*domain.Provider, error) {
	p, ok := c.providers.Get(name)
	if !ok {
		return nil, apperror.NotFound(apperror.StatusProviderNotFound, "oauth provider not found")
	}
	return p, nil
}

// Initiate builds the provider authorization URL and a signed state for it.
func (c *Controller) Initiate(ctx context.Context, providerName string, opts InitiateOptions) (*InitiateResult, error) {
	p, err := c.provider(providerName)
	if err != nil {
		return nil, err
	}
	redirect := opts.RedirectURI
	if redirect == "" {
		redirect = p.RedirectURL
	}
	if redirect == "" {
		return nil, apperror.Validation(apperror.StatusInvalidInput, "redirect uri is required")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = p.Scopes
	}

	state, claims, err := c.state.Encode(security.StateClaims{Provider: p.Name, Redirect: redirect})
	if err != nil {
		return nil, apperror.Internal("failed to create oauth state", err)
	}
	authURL, err := c.exchanger.AuthCodeURL(ctx, p, provider.AuthRequest{
		RedirectURI: redirect,
		Scopes:      scopes,
		State:       state,
		Nonce:       claims.Nonce,
	})
	if err != nil {
		return nil, upstreamError(err)
	}
	return &InitiateResult{AuthorizationURL: authURL, State: state}, nil
}

// flowResult is what a verified callback produced before any local write.
type flowResult struct {
	provider *domain.Provider
	tokens   *provider.TokenSet
	profile  *provider.ExternalProfile
}

// completeFlow checks state, then exchanges the code and fetches the profile.
// Nothing is written.
func (c *Controller) completeFlow(ctx context.Context, providerName, code, state string) (*flowResult, error) {
	claims, err := c.state.Decode(state, providerName)
	if err != nil {
		slog.Warn("rejected oauth state", "component", "oauth", "provider", providerName, "error", err)
		return nil, apperror.Security(apperror.StatusInvalidState, "invalid oauth state", err)
	}
	p, err := c.provider(providerName)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperror.Validation(apperror.StatusInvalidInput, "authorization code is required")
	}
	redirect := claims.Redirect
	if redirect == "" {
		redirect = p.RedirectURL
	}
	tokens, err := c.exchanger.Exchange(ctx, p, code, redirect)
	if err != nil {
		return nil, upstreamError(err)
	}
	prof, err := c.exchanger.FetchProfile(ctx, p, tokens)
	if err != nil {
		return nil, upstreamError(err)
	}
	return &flowResult{provider: p, tokens: tokens, profile: prof}, nil
}

// Callback finishes a sign-in: it resolves or creates the subject, stores the
// linked profile and token hashes, and issues a session. When the session
// cannot be issued for a subject created here, the subject and everything
// stored for it are removed again.
func (c *Controller) Callback(ctx context.Context, providerName, code, state string, opts CallbackOptions) (res *CallbackResult, err error) {
	defer func() { c.metrics.OAuthCallback(providerName, apperror.StatusOf(err)) }()

	flow, err := c.completeFlow(ctx, providerName, code, state)
	if err != nil {
		return nil, err
	}

	subject, isNew, err := c.resolveSubject(ctx, flow)
	if err != nil {
		return nil, err
	}

	var undo []func()
	rollback := func() {
		if !isNew {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		if derr := c.subjects.DeleteSubject(ctx, subject.ID); derr != nil {
			slog.Error("failed to roll back oauth subject", "component", "oauth", "subject_id", subject.ID, "error", derr)
		}
	}

	prof, err := c.storeProfile(ctx, flow, subject.ID)
	if err != nil {
		rollback()
		return nil, err
	}
	undo = append(undo, func() {
		if _, derr := c.repo.DeleteProfile(ctx, prof.Provider, prof.ProviderUserID); derr != nil {
			slog.Error("failed to roll back oauth profile", "component", "oauth", "provider", prof.Provider, "error", derr)
		}
	})
	if err := c.storeToken(ctx, flow, subject.ID); err != nil {
		rollback()
		return nil, err
	}
	undo = append(undo, func() {
		if _, derr := c.repo.DeleteToken(ctx, subject.ID, prof.Provider); derr != nil {
			slog.Error("failed to roll back oauth token", "component", "oauth", "provider", prof.Provider, "error", derr)
		}
	})

	sess, err := c.sessions.Create(ctx, sessionservice.CreateInput{
		Subject: *subject,
		TTL:     opts.TTL,
		Device:  opts.Device,
		Metadata: sessiondomain.Metadata{
			"auth_method": AuthMethodOAuth,
			"provider":    flow.provider.Name,
		},
	})
	if err != nil {
		rollback()
		return nil, err
	}

	c.audit.LogEvent(ctx, audit.Event{
		Action:      audit.ActionOAuthCallback,
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		SessionID:   sess.ID,
		Resource:    "oauth_provider",
		ResourceID:  flow.provider.Name,
		Metadata:    map[string]any{"new_subject": isNew},
	})
	return &CallbackResult{Subject: subject, Session: sess, Profile: prof, IsNewSubject: isNew}, nil
}

// resolveSubject returns the subject already linked to the external account,
// or creates one. A profile pointing at a subject that no longer exists is
// treated as unlinked.
func (c *Controller) resolveSubject(ctx context.Context, flow *flowResult) (*sessiondomain.Subject, bool, error) {
	existing, err := c.repo.GetProfile(ctx, flow.provider.Name, flow.profile.ID)
	if err != nil {
		return nil, false, apperror.Internal("failed to load linked account", err)
	}
	if existing != nil {
		subject, err := c.subjects.GetByID(ctx, existing.SubjectID)
		if err != nil {
			return nil, false, apperror.Internal("failed to load subject", err)
		}
		if subject != nil {
			return subject, false, nil
		}
		slog.Warn("linked account points at a missing subject", "component", "oauth", "provider", flow.provider.Name, "subject_id", existing.SubjectID)
	}

	subject, err := c.subjects.CreateSubject(ctx, flow.profile.Email, flow.profile.Name)
	if err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, false, apperror.Conflict(apperror.StatusEmailInUse, "an account with this email already exists; sign in and link the provider instead")
		}
		return nil, false, apperror.Internal("failed to create subject", err)
	}
	return subject, true, nil
}

func (c *Controller) storeProfile(ctx context.Context, flow *flowResult, subjectID string) (*domain.Profile, error) {
	now := c.clock.Now()
	prof := &domain.Profile{
		Provider:       flow.provider.Name,
		ProviderUserID: flow.profile.ID,
		SubjectID:      subjectID,
		Email:          flow.profile.Email,
		Name:           flow.profile.Name,
		AvatarURL:      flow.profile.AvatarURL,
		Raw:            flow.profile.Raw,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.repo.UpsertProfile(ctx, prof); err != nil {
		if errors.Is(err, repository.ErrProfileConflict) {
			return nil, apperror.Conflict(apperror.StatusProviderAlreadyLinked, "a different account from this provider is already linked")
		}
		if errors.Is(err, repository.ErrAccountOwned) {
			c.linkedElsewhere(ctx, subjectID, flow.provider.Name)
			return nil, apperror.Conflict(apperror.StatusAccountLinkedElsewhere, "this provider account is linked to another user")
		}
		return nil, apperror.Internal("failed to store linked account", err)
	}
	return prof, nil
}

func (c *Controller) linkedElsewhere(ctx context.Context, subjectID, providerName string) {
	slog.Warn("provider account already linked to another subject", "component", "oauth", "security", true,
		"provider", providerName, "subject_id", subjectID)
	c.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionOAuthLinkConflict,
		SubjectID:  subjectID,
		Resource:   "oauth_provider",
		ResourceID: providerName,
		Status:     apperror.StatusAccountLinkedElsewhere,
	})
}

func (c *Controller) storeToken(ctx context.Context, flow *flowResult, subjectID string) error {
	now := c.clock.Now()
	tok := &domain.Token{
		SubjectID:       subjectID,
		Provider:        flow.provider.Name,
		AccessTokenHash: security.HashToken(flow.tokens.AccessToken),
		ExpiresAt:       expiry(now, flow.tokens.ExpiresIn),
		Scope:           flow.tokens.Scope,
		LastUsedAt:      &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if flow.tokens.RefreshToken != "" {
		tok.RefreshTokenHash = security.HashToken(flow.tokens.RefreshToken)
	}
	if tok.Scope == "" {
		tok.Scope = domain.ScopeString(flow.provider.Scopes)
	}
	if err := c.repo.UpsertToken(ctx, tok); err != nil {
		return apperror.Internal("failed to store provider token", err)
	}
	return nil
}

// Link attaches the external account from a completed flow to the signed-in
// subject.
func (c *Controller) Link(ctx context.Context, callerSubjectID, providerName, code, state string) (*domain.Profile, error) {
	if callerSubjectID == "" {
		return nil, apperror.AuthenticationRequired(apperror.StatusUnauthenticated, "sign in to link an account")
	}
	flow, err := c.completeFlow(ctx, providerName, code, state)
	if err != nil {
		return nil, err
	}

	existing, err := c.repo.GetProfile(ctx, providerName, flow.profile.ID)
	if err != nil {
		return nil, apperror.Internal("failed to load linked account", err)
	}
	if existing != nil && existing.SubjectID != callerSubjectID {
		c.linkedElsewhere(ctx, callerSubjectID, providerName)
		return nil, apperror.Conflict(apperror.StatusAccountLinkedElsewhere, "this provider account is linked to another user")
	}
	if existing == nil {
		mine, err := c.repo.GetProfileBySubject(ctx, callerSubjectID, providerName)
		if err != nil {
			return nil, apperror.Internal("failed to load linked account", err)
		}
		if mine != nil {
			return nil, apperror.Conflict(apperror.StatusProviderAlreadyLinked, "a different account from this provider is already linked")
		}
	}

	prof, err := c.storeProfile(ctx, flow, callerSubjectID)
	if err != nil {
		return nil, err
	}
	if err := c.storeToken(ctx, flow, callerSubjectID); err != nil {
		return nil, err
	}
	c.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionOAuthLinked,
		SubjectID:  callerSubjectID,
		Resource:   "oauth_provider",
		ResourceID: providerName,
	})
	return prof, nil
}

// Unlink removes a linked provider account. The last way a subject can sign
// in cannot be removed.
func (c *Controller) Unlink(ctx context.Context, subjectID, providerName string) error {
	prof, err := c.repo.GetProfileBySubject(ctx, subjectID, providerName)
	if err != nil {
		return apperror.Internal("failed to load linked account", err)
	}
	if prof == nil {
		return apperror.NotFound(apperror.StatusNotLinked, "provider is not linked")
	}

	hasLocal := false
	if c.creds != nil {
		hasLocal, err = c.creds.HasLocalCredential(ctx, subjectID)
		if err != nil {
			return apperror.Internal("failed to check credentials", err)
		}
	}
	if !hasLocal {
		linked, err := c.repo.ListProfilesBySubject(ctx, subjectID)
		if err != nil {
			return apperror.Internal("failed to list linked accounts", err)
		}
		if len(linked) <= 1 {
			return apperror.Validation(apperror.StatusLastAuthMethod, "cannot unlink the last sign-in method")
		}
	}

	if _, err := c.repo.DeleteToken(ctx, subjectID, providerName); err != nil {
		return apperror.Internal("failed to delete provider token", err)
	}
	if _, err := c.repo.DeleteProfile(ctx, prof.Provider, prof.ProviderUserID); err != nil {
		return apperror.Internal("failed to delete linked account", err)
	}
	c.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionOAuthUnlinked,
		SubjectID:  subjectID,
		Resource:   "oauth_provider",
		ResourceID: providerName,
	})
	return nil
}

// Refresh renews the provider access token when the stored one has expired.
// A provider that rejects the refresh token ends the link's token record and
// asks the caller to authorize again.
func (c *Controller) Refresh(ctx context.Context, subjectID, providerName string, in RefreshInput) (res *RefreshResult, err error) {
	defer func() { c.metrics.OAuthRefresh(providerName, apperror.StatusOf(err)) }()

	p, err := c.provider(providerName)
	if err != nil {
		return nil, err
	}
	stored, err := c.repo.GetToken(ctx, subjectID, providerName)
	if err != nil {
		return nil, apperror.Internal("failed to load provider token", err)
	}
	if stored == nil {
		return nil, apperror.NotFound(apperror.StatusNotLinked, "provider is not linked")
	}
	now := c.clock.Now()
	if !stored.Expired(now) {
		return &RefreshResult{Refreshed: false, ExpiresAt: stored.ExpiresAt}, nil
	}
	if !stored.Refreshable() {
		c.dropToken(ctx, subjectID, providerName, "no refresh token")
		return nil, reauthRequired()
	}
	if in.RefreshToken == "" || !security.TokenHashEqual(in.RefreshToken, stored.RefreshTokenHash) {
		return nil, apperror.AuthenticationRequired(apperror.StatusReauthRequired, "refresh token does not match the linked account")
	}

	tokens, err := c.exchanger.Refresh(ctx, p, in.RefreshToken)
	if err != nil {
		var ue *provider.UpstreamError
		if errors.As(err, &ue) && (ue.StatusCode == 400 || ue.StatusCode == 401) {
			c.dropToken(ctx, subjectID, providerName, "provider rejected refresh token")
			return nil, reauthRequired()
		}
		return nil, upstreamError(err)
	}

	next := *stored
	next.AccessTokenHash = security.HashToken(tokens.AccessToken)
	if tokens.RefreshToken != "" {
		next.RefreshTokenHash = security.HashToken(tokens.RefreshToken)
	}
	if tokens.Scope != "" {
		next.Scope = tokens.Scope
	}
	next.ExpiresAt = expiry(now, tokens.ExpiresIn)
	next.LastUsedAt = &now
	next.UpdatedAt = now
	if err := c.repo.UpsertToken(ctx, &next); err != nil {
		return nil, apperror.Internal("failed to store provider token", err)
	}
	refresh := tokens.RefreshToken
	if refresh == "" {
		refresh = in.RefreshToken
	}
	return &RefreshResult{Refreshed: true, AccessToken: tokens.AccessToken, RefreshToken: refresh, ExpiresAt: next.ExpiresAt}, nil
}

func (c *Controller) dropToken(ctx context.Context, subjectID, providerName, reason string) {
	if _, err := c.repo.DeleteToken(ctx, subjectID, providerName); err != nil {
		slog.Error("failed to delete provider token", "component", "oauth", "provider", providerName, "error", err)
	}
	c.audit.LogEvent(ctx, audit.Event{
		Action:     audit.ActionOAuthRefreshFailed,
		SubjectID:  subjectID,
		Resource:   "oauth_provider",
		ResourceID: providerName,
		Status:     apperror.StatusReauthRequired,
		Metadata:   map[string]any{"reason": reason},
	})
}

// GetProfile returns the subject's linked account at providerName.
func (c *Controller) GetProfile(ctx context.Context, subjectID, providerName string) (*domain.Profile, error) {
	prof, err := c.repo.GetProfileBySubject(ctx, subjectID, providerName)
	if err != nil {
		return nil, apperror.Internal("failed to load linked account", err)
	}
	if prof == nil {
		return nil, apperror.NotFound(apperror.StatusNotLinked, "provider is not linked")
	}
	return prof, nil
}

// ListLinked returns every account linked to the subject, ordered by provider.
func (c *Controller) ListLinked(ctx context.Context, subjectID string) ([]*domain.Profile, error) {
	list, err := c.repo.ListProfilesBySubject(ctx, subjectID)
	if err != nil {
		return nil, apperror.Internal("failed to list linked accounts", err)
	}
	return list, nil
}

func reauthRequired() error {
	return apperror.AuthenticationRequired(apperror.StatusReauthRequired, "provider authorization has expired; sign in with the provider again")
}

// upstreamError maps an exchanger failure onto the error taxonomy.
func upstreamError(err error) error {
	if errors.Is(err, context.Canceled) {
		return apperror.Internal("request canceled", err)
	}
	var ue *provider.UpstreamError
	if errors.As(err, &ue) {
		if ue.Retryable {
			return apperror.Upstream(true, "oauth provider is unavailable, try again later", err)
		}
		return apperror.Upstream(false, "oauth provider rejected the request", err)
	}
	return apperror.Upstream(false, "unexpected response from oauth provider", err)
}

func expiry(now time.Time, expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := now.Add(time.Duration(expiresIn) * time.Second)
	return &t
}
