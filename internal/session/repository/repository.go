package repository

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

var (
	// ErrDuplicateToken is returned by Create when the token is already in use.
	ErrDuplicateToken = errors.New("session token already exists")
	// ErrSessionNotFound is returned by writes that target a missing session.
	ErrSessionNotFound = errors.New("session not found")
)

// CleanupCounts reports what one CleanupExpired pass removed. Metadata counts
// individual keys.
type CleanupCounts struct {
	Sessions int
	Devices  int
	Metadata int
}

// Total is the number of records removed.
func (c CleanupCounts) Total() int { return c.Sessions + c.Devices + c.Metadata }

// Repository is the session store contract. Every backend returns copies and
// treats expired sessions as absent: GetByToken, GetByID, ListForSubject and
// CountForSubject never return a session past its expiry.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	// GetByToken returns the live session for token, or nil if not found or expired.
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	// GetByID returns the live session for id, or nil if not found or expired.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// GetByIDIncludingExpired returns the session for id even when it has
	// expired but not yet been cleaned up, or nil if no record exists.
	GetByIDIncludingExpired(ctx context.Context, id string) (*domain.Session, error)
	// Update persists mutable fields (expiry, last seen, client info, updated
	// at). The token and rotation count are changed only by RotateToken.
	Update(ctx context.Context, s *domain.Session) error
	// RotateToken replaces the token of session id when its rotation count still
	// equals expectedRotation and it has not expired. Returns false when either
	// check fails. The old token stops resolving before this returns.
	RotateToken(ctx context.Context, id, newToken string, expectedRotation int, at time.Time) (bool, error)
	// Delete removes the session with its device and metadata. Returns whether a session existed.
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteAllForSubject removes every session of the subject except exceptID (may be empty).
	DeleteAllForSubject(ctx context.Context, subjectType, subjectID, exceptID string) (int, error)
	// ListForSubject returns live sessions ordered oldest first.
	ListForSubject(ctx context.Context, subjectType, subjectID string) ([]*domain.Session, error)
	CountForSubject(ctx context.Context, subjectType, subjectID string) (int, error)

	UpsertDevice(ctx context.Context, d *domain.Device) error
	// GetDevice returns the device for sessionID, or nil.
	GetDevice(ctx context.Context, sessionID string) (*domain.Device, error)

	// SetMetadata writes the given keys, overwriting existing values.
	SetMetadata(ctx context.Context, sessionID string, md domain.Metadata) error
	GetMetadata(ctx context.Context, sessionID string) (domain.Metadata, error)
	// DeleteMetadata removes the given keys, or all metadata when none are given.
	DeleteMetadata(ctx context.Context, sessionID string, keys ...string) error

	// CleanupExpired removes at most batchSize sessions that expired before
	// the cutoff, with their devices and metadata. With nothing to remove it
	// performs no writes and returns zero counts.
	CleanupExpired(ctx context.Context, before time.Time, batchSize int) (CleanupCounts, error)
}
