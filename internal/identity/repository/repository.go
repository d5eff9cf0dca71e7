package repository

import (
	"context"
	"errors"

	"github.com/SOG-web/reauth-sub001/internal/identity/domain"
)

// ErrIdentityExists is returned by Create when (provider, provider id) is taken.
var ErrIdentityExists = errors.New("identity already exists")

// Repository defines persistence for identities. Lookups return (nil, nil)
// when nothing matches.
type Repository interface {
	GetByUserAndProvider(ctx context.Context, userID string, provider domain.IdentityProvider) (*domain.Identity, error)
	GetByProviderID(ctx context.Context, provider domain.IdentityProvider, providerID string) (*domain.Identity, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Identity, error)
	Create(ctx context.Context, i *domain.Identity) error
	UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error
}
