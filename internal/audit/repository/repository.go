package repository

import (
	"context"

	"github.com/SOG-web/reauth-sub001/internal/audit/domain"
)

// Repository persists audit entries.
type Repository interface {
	Create(ctx context.Context, e *domain.Entry) error
	// ListBySubject returns the subject's entries, newest first.
	ListBySubject(ctx context.Context, subjectType, subjectID string, limit, offset int) ([]*domain.Entry, error)
}
