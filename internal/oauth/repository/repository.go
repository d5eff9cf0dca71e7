package repository

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

// ErrProfileConflict is returned by UpsertProfile when the subject already
// has a profile for the provider under a different external account.
var ErrProfileConflict = errors.New("subject already linked to another account at this provider")

// ErrAccountOwned is returned by UpsertProfile when the external account is
// already linked to a different subject. Ownership never moves on upsert.
var ErrAccountOwned = errors.New("provider account linked to another subject")

// Repository persists provider tokens and linked profiles. Lookups return
// (nil, nil) when nothing matches.
type Repository interface {
	GetToken(ctx context.Context, subjectID, provider string) (*domain.Token, error)
	// UpsertToken replaces the token for (SubjectID, Provider). CreatedAt of an
	// existing record is kept.
	UpsertToken(ctx context.Context, t *domain.Token) error
	DeleteToken(ctx context.Context, subjectID, provider string) (bool, error)

	// GetProfile finds the profile for an external account.
	GetProfile(ctx context.Context, provider, providerUserID string) (*domain.Profile, error)
	GetProfileBySubject(ctx context.Context, subjectID, provider string) (*domain.Profile, error)
	// ListProfilesBySubject returns the subject's linked profiles ordered by provider.
	ListProfilesBySubject(ctx context.Context, subjectID string) ([]*domain.Profile, error)
	// UpsertProfile creates or refreshes a profile keyed by (Provider, ProviderUserID).
	// Refreshing a profile owned by another subject fails with ErrAccountOwned.
	UpsertProfile(ctx context.Context, p *domain.Profile) error
	DeleteProfile(ctx context.Context, provider, providerUserID string) (bool, error)

	// CleanupExpiredTokens removes at most batchSize tokens without a refresh
	// token whose expiry is before the cutoff.
	CleanupExpiredTokens(ctx context.Context, before time.Time, batchSize int) (int, error)
}
