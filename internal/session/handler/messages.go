package handler

import (
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

// SessionView is a session as returned over the wire. The bearer token is
// never part of it.
type SessionView struct {
	ID            string     `json:"id"`
	SubjectType   string     `json:"subject_type"`
	SubjectID     string     `json:"subject_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RotationCount int        `json:"rotation_count"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Current       bool       `json:"current,omitempty"`
}

func toView(s *domain.Session, currentID string) *SessionView {
	return &SessionView{
		ID:            s.ID,
		SubjectType:   s.SubjectType,
		SubjectID:     s.SubjectID,
		ExpiresAt:     s.ExpiresAt,
		RotationCount: s.RotationCount,
		CreatedAt:     s.CreatedAt,
		LastSeenAt:    s.LastSeenAt,
		IPAddress:     s.IPAddress,
		UserAgent:     s.UserAgent,
		Current:       s.ID == currentID,
	}
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type VerifyResponse struct {
	apperror.Result
	Session *SessionView   `json:"session,omitempty"`
	Subject map[string]any `json:"subject,omitempty"`
}

type RotateRequest struct{}

type RotateResponse struct {
	apperror.Result
	Session *SessionView `json:"session,omitempty"`
	Token   string       `json:"token,omitempty"`
}

type RevokeRequest struct {
	SessionID string `json:"session_id"`
}

type RevokeResponse struct {
	apperror.Result
}

type RevokeAllRequest struct {
	// KeepCurrent leaves the caller's own session alive.
	KeepCurrent bool `json:"keep_current"`
}

type RevokeAllResponse struct {
	apperror.Result
	Revoked        int  `json:"revoked"`
	CurrentRevoked bool `json:"current_revoked"`
}

type ListRequest struct{}

type ListResponse struct {
	apperror.Result
	Sessions []*SessionView `json:"sessions"`
}

type GetMetadataRequest struct{}

type GetMetadataResponse struct {
	apperror.Result
	Metadata map[string]string `json:"metadata"`
}

type SetMetadataRequest struct {
	Metadata map[string]string `json:"metadata"`
}

type SetMetadataResponse struct {
	apperror.Result
}

type TrustDeviceRequest struct {
	SessionID string `json:"session_id"`
}

type TrustDeviceResponse struct {
	apperror.Result
	Fingerprint string `json:"fingerprint,omitempty"`
	Trusted     bool   `json:"trusted"`
}
