package repository

import (
	"context"
	"errors"

	"github.com/SOG-web/reauth-sub001/internal/user/domain"
)

// ErrEmailTaken is returned by Create when another user has the same email.
var ErrEmailTaken = errors.New("email already registered")

// Repository defines persistence for users. Lookups return (nil, nil) when
// no user matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail matches case-insensitively.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	// Delete removes the user. Deleting a missing user is not an error.
	Delete(ctx context.Context, id string) error
}
