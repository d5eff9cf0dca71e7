package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/SOG-web/reauth-sub001/internal/audit/domain"
)

// PostgresRepository stores audit entries in the audit_logs table.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns an audit repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, e *domain.Entry) error {
	meta := sql.NullString{String: e.Metadata, Valid: e.Metadata != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, subject_type, subject_id, session_id, resource, resource_id, status, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Action, e.SubjectType, e.SubjectID, e.SessionID, e.Resource, e.ResourceID, e.Status, e.IP, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectType, subjectID string, limit, offset int) ([]*domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, action, subject_type, subject_id, session_id, resource, resource_id, status, ip, metadata, created_at
		 FROM audit_logs WHERE subject_type = $1 AND subject_id = $2
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		subjectType, subjectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()
	var out []*domain.Entry
	for rows.Next() {
		var (
			e    domain.Entry
			meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.SubjectType, &e.SubjectID, &e.SessionID, &e.Resource,
			&e.ResourceID, &e.Status, &e.IP, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.Metadata = meta.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
