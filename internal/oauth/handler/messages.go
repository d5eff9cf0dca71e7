package handler

import (
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
	"github.com/SOG-web/reauth-sub001/internal/oauth/service"
)

// Profile is the wire view of a linked provider account. Raw provider data is
// not returned.
type Profile struct {
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	LinkedAt       time.Time `json:"linked_at"`
}

func toProfile(p *domain.Profile) *Profile {
	if p == nil {
		return nil
	}
	return &Profile{
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		Email:          p.Email,
		Name:           p.Name,
		AvatarURL:      p.AvatarURL,
		LinkedAt:       p.CreatedAt,
	}
}

type ListProvidersRequest struct{}

type ListProvidersResponse struct {
	apperror.Result
	Providers []string `json:"providers"`
}

type InitiateRequest struct {
	Provider    string   `json:"provider"`
	RedirectURI string   `json:"redirect_uri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

type InitiateResponse struct {
	apperror.Result
	AuthorizationURL string `json:"authorization_url,omitempty"`
	State            string `json:"state,omitempty"`
}

type CallbackRequest struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	State      string `json:"state"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// CallbackResponse carries the new session token. It is the only response
// that ever returns one.
type CallbackResponse struct {
	apperror.Result
	SubjectID    string     `json:"subject_id,omitempty"`
	IsNewSubject bool       `json:"is_new_subject"`
	SessionID    string     `json:"session_id,omitempty"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Profile      *Profile   `json:"profile,omitempty"`
}

func toCallbackResponse(res *service.CallbackResult) *CallbackResponse {
	return &CallbackResponse{
		Result:       apperror.OK("signed in"),
		SubjectID:    res.Subject.ID,
		IsNewSubject: res.IsNewSubject,
		SessionID:    res.Session.ID,
		Token:        res.Session.Token,
		ExpiresAt:    res.Session.ExpiresAt,
		Profile:      toProfile(res.Profile),
	}
}

type LinkRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	State    string `json:"state"`
}

type ProfileRequest struct {
	Provider string `json:"provider"`
}

type ProfileResponse struct {
	apperror.Result
	Profile *Profile `json:"profile,omitempty"`
}

type UnlinkResponse struct {
	apperror.Result
}

type RefreshRequest struct {
	Provider     string `json:"provider"`
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	apperror.Result
	Refreshed    bool       `json:"refreshed"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type ListLinkedRequest struct{}

type ListLinkedResponse struct {
	apperror.Result
	Profiles []*Profile `json:"profiles"`
}
