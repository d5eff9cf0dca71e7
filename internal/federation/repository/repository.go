// Package repository persists SSO sessions and federated sessions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
)

// ErrDuplicateToken is returned when a federated session token collides.
var ErrDuplicateToken = errors.New("federated session token already exists")

// Repository stores federation state. Lookups return (nil, nil) when nothing
// matches. Federated sessions are returned even past expiry so callers can
// delete them.
type Repository interface {
	CreateSSOSession(ctx context.Context, s *domain.SSOSession) error
	GetSSOSession(ctx context.Context, id string) (*domain.SSOSession, error)
	// MarkSSOLogout flags the session as logged out. It reports whether the
	// session existed.
	MarkSSOLogout(ctx context.Context, id string) (bool, error)

	CreateFederatedSession(ctx context.Context, f *domain.FederatedSession) error
	GetFederatedSessionByToken(ctx context.Context, token string) (*domain.FederatedSession, error)
	// UpdateFederatedSession replaces domains, provider sessions, expiry and
	// last activity of an existing record.
	UpdateFederatedSession(ctx context.Context, f *domain.FederatedSession) error
	DeleteFederatedSession(ctx context.Context, id string) (bool, error)

	// CleanupExpiredSSOSessions removes at most batchSize SSO sessions that
	// expired before the cutoff.
	CleanupExpiredSSOSessions(ctx context.Context, before time.Time, batchSize int) (int, error)
	// CleanupExpiredFederatedSessions removes at most batchSize federated
	// sessions that expired before the cutoff.
	CleanupExpiredFederatedSessions(ctx context.Context, before time.Time, batchSize int) (int, error)
}
