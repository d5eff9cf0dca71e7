package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/db"
	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
	"github.com/SOG-web/reauth-sub001/internal/security"
)

const ssoColumns = `id, subject_id, provider_id, protocol, session_index, name_id, attributes, auth_instant, expires_at, logout_initiated, created_at`

const federatedColumns = `id, subject_id, domains, provider_sessions, expires_at, last_activity, created_at`

// PostgresRepository stores federation state in Postgres. Federated session
// tokens are stored as SHA-256 hashes; a record read by token carries the
// presented token back.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a federation repository backed by conn.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) CreateSSOSession(ctx context.Context, s *domain.SSOSession) error {
	attrs, err := marshalJSON(s.Attributes, "{}")
	if err != nil {
		return fmt.Errorf("encode sso attributes: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sso_sessions (`+ssoColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.SubjectID, s.ProviderID, string(s.Protocol), s.SessionIndex, s.NameID, attrs,
		s.AuthInstant, s.ExpiresAt, s.LogoutInitiated, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sso session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSSOSession(ctx context.Context, id string) (*domain.SSOSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ssoColumns+` FROM sso_sessions WHERE id = $1`, id)
	var (
		s     domain.SSOSession
		proto string
		attrs []byte
	)
	err := row.Scan(&s.ID, &s.SubjectID, &s.ProviderID, &proto, &s.SessionIndex, &s.NameID, &attrs,
		&s.AuthInstant, &s.ExpiresAt, &s.LogoutInitiated, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sso session: %w", err)
	}
	s.Protocol = domain.Protocol(proto)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &s.Attributes); err != nil {
			return nil, fmt.Errorf("decode sso attributes: %w", err)
		}
	}
	return &s, nil
}

func (r *PostgresRepository) MarkSSOLogout(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sso_sessions SET logout_initiated = TRUE WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("mark sso logout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sso logout: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) CreateFederatedSession(ctx context.Context, f *domain.FederatedSession) error {
	domains, providers, err := encodeFederated(f)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO federated_sessions (id, token_hash, subject_id, domains, provider_sessions, expires_at, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, security.HashToken(f.Token), f.SubjectID, domains, providers, f.ExpiresAt, f.LastActivity, f.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("insert federated session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetFederatedSessionByToken(ctx context.Context, token string) (*domain.FederatedSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+federatedColumns+` FROM federated_sessions WHERE token_hash = $1`, security.HashToken(token))
	var (
		f                  domain.FederatedSession
		domains, providers []byte
	)
	err := row.Scan(&f.ID, &f.SubjectID, &domains, &providers, &f.ExpiresAt, &f.LastActivity, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get federated session: %w", err)
	}
	if err := json.Unmarshal(domains, &f.Domains); err != nil {
		return nil, fmt.Errorf("decode federated domains: %w", err)
	}
	if err := json.Unmarshal(providers, &f.ProviderSessions); err != nil {
		return nil, fmt.Errorf("decode federated provider sessions: %w", err)
	}
	f.Token = token
	return &f, nil
}

func (r *PostgresRepository) UpdateFederatedSession(ctx context.Context, f *domain.FederatedSession) error {
	domains, providers, err := encodeFederated(f)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE federated_sessions SET domains = $2, provider_sessions = $3, expires_at = $4, last_activity = $5 WHERE id = $1`,
		f.ID, domains, providers, f.ExpiresAt, f.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("update federated session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteFederatedSession(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM federated_sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete federated session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete federated session: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) CleanupExpiredSSOSessions(ctx context.Context, before time.Time, batchSize int) (int, error) {
	return r.cleanup(ctx, "sso_sessions", before, batchSize)
}

func (r *PostgresRepository) CleanupExpiredFederatedSessions(ctx context.Context, before time.Time, batchSize int) (int, error) {
	return r.cleanup(ctx, "federated_sessions", before, batchSize)
}

// cleanup deletes one batch of rows from table whose expires_at is before the cutoff.
func (r *PostgresRepository) cleanup(ctx context.Context, table string, before time.Time, batchSize int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE id IN (SELECT id FROM `+table+` WHERE expires_at < $1 ORDER BY expires_at LIMIT $2)`,
		before, batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", table, err)
	}
	return int(n), nil
}

func encodeFederated(f *domain.FederatedSession) (domains, providers []byte, err error) {
	domains, err = marshalJSON(f.Domains, "[]")
	if err != nil {
		return nil, nil, fmt.Errorf("encode federated domains: %w", err)
	}
	providers, err = marshalJSON(f.ProviderSessions, "{}")
	if err != nil {
		return nil, nil, fmt.Errorf("encode federated provider sessions: %w", err)
	}
	return domains, providers, nil
}

// marshalJSON encodes v, using empty for nil maps and slices.
func marshalJSON[T any](v T, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
