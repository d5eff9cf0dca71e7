package handler

import (
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
	"github.com/SOG-web/reauth-sub001/internal/federation/service"
)

// SSOSession is the wire view of an SSO session. Provider attributes are not returned.
type SSOSession struct {
	ID              string    `json:"id"`
	ProviderID      string    `json:"provider_id"`
	Protocol        string    `json:"protocol"`
	AuthInstant     time.Time `json:"auth_instant"`
	ExpiresAt       time.Time `json:"expires_at"`
	LogoutInitiated bool      `json:"logout_initiated"`
}

func toSSOSession(s *domain.SSOSession) *SSOSession {
	if s == nil {
		return nil
	}
	return &SSOSession{
		ID:              s.ID,
		ProviderID:      s.ProviderID,
		Protocol:        string(s.Protocol),
		AuthInstant:     s.AuthInstant,
		ExpiresAt:       s.ExpiresAt,
		LogoutInitiated: s.LogoutInitiated,
	}
}

// FederatedSession is the wire view of a federated session. Token is set only
// when the session was just created.
type FederatedSession struct {
	ID           string            `json:"id"`
	Token        string            `json:"token,omitempty"`
	SubjectID    string            `json:"subject_id"`
	Domains      []string          `json:"domains"`
	Providers    map[string]string `json:"providers"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastActivity time.Time         `json:"last_activity"`
}

func toFederatedSession(f *domain.FederatedSession, withToken bool) *FederatedSession {
	if f == nil {
		return nil
	}
	out := &FederatedSession{
		ID:           f.ID,
		SubjectID:    f.SubjectID,
		Domains:      f.Domains,
		Providers:    f.ProviderSessions,
		ExpiresAt:    f.ExpiresAt,
		LastActivity: f.LastActivity,
	}
	if withToken {
		out.Token = f.Token
	}
	return out
}

type ListProvidersRequest struct{}

type ListProvidersResponse struct {
	apperror.Result
	Enabled   bool     `json:"federation_enabled"`
	Providers []string `json:"providers"`
}

type BeginRequest struct {
	ProviderID  string   `json:"provider_id"`
	RedirectURI string   `json:"redirect_uri,omitempty"`
	Domains     []string `json:"domains,omitempty"`
}

type BeginResponse struct {
	apperror.Result
	RedirectURL string `json:"redirect_url,omitempty"`
	State       string `json:"state,omitempty"`
}

type ProcessAssertionRequest struct {
	ProviderID     string   `json:"provider_id"`
	Assertion      string   `json:"assertion"`
	State          string   `json:"state"`
	Domains        []string `json:"domains,omitempty"`
	FederatedToken string   `json:"federated_token,omitempty"`
}

// ProcessAssertionResponse carries the new local session token and, when
// federation is enabled, the federated session.
type ProcessAssertionResponse struct {
	apperror.Result
	SubjectID  string            `json:"subject_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Token      string            `json:"token,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	SSOSession *SSOSession       `json:"sso_session,omitempty"`
	Federated  *FederatedSession `json:"federated_session,omitempty"`
}

func toProcessResponse(res *service.ProcessResult) *ProcessAssertionResponse {
	return &ProcessAssertionResponse{
		Result:     apperror.OK("signed in"),
		SubjectID:  res.Subject.ID,
		SessionID:  res.Session.ID,
		Token:      res.Session.Token,
		ExpiresAt:  res.Session.ExpiresAt,
		SSOSession: toSSOSession(res.SSOSession),
		Federated:  toFederatedSession(res.Federated, true),
	}
}

type ValidateRequest struct {
	Token  string `json:"token"`
	Domain string `json:"domain,omitempty"`
}

type ValidateResponse struct {
	apperror.Result
	Valid     bool              `json:"valid"`
	Federated *FederatedSession `json:"federated_session,omitempty"`
}

type LogoutRequest struct {
	SSOSessionID string `json:"sso_session_id"`
}

type LogoutResponse struct {
	apperror.Result
}
