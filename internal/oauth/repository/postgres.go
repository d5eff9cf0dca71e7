package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/db"
	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

const (
	tokenColumns   = `subject_id, provider, access_token_hash, refresh_token_hash, expires_at, scope, last_used_at, created_at, updated_at`
	profileColumns = `provider, provider_user_id, subject_id, email, name, avatar_url, raw, created_at, updated_at`
)

type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns an OAuth repository over the oauth_tokens and oauth_profiles tables.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) GetToken(ctx context.Context, subjectID, provider string) (*domain.Token, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE subject_id = $1 AND provider = $2`, subjectID, provider)
	var (
		t          domain.Token
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&t.SubjectID, &t.Provider, &t.AccessTokenHash, &t.RefreshTokenHash, &expiresAt, &t.Scope,
		&lastUsedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan oauth token: %w", err)
	}
	t.ExpiresAt = nullTimePtr(expiresAt)
	t.LastUsedAt = nullTimePtr(lastUsedAt)
	return &t, nil
}

func (r *PostgresRepository) UpsertToken(ctx context.Context, t *domain.Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subject_id, provider) DO UPDATE SET
			access_token_hash = EXCLUDED.access_token_hash,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = EXCLUDED.updated_at`,
		t.SubjectID, t.Provider, t.AccessTokenHash, t.RefreshTokenHash, nullTime(t.ExpiresAt), t.Scope,
		nullTime(t.LastUsedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *PostgresRepository) DeleteToken(ctx context.Context, subjectID, provider string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE subject_id = $1 AND provider = $2`, subjectID, provider)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) GetProfile(ctx context.Context, provider, providerUserID string) (*domain.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM oauth_profiles WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID)
	return scanProfile(row)
}

func (r *PostgresRepository) GetProfileBySubject(ctx context.Context, subjectID, provider string) (*domain.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM oauth_profiles WHERE subject_id = $1 AND provider = $2`, subjectID, provider)
	return scanProfile(row)
}

func (r *PostgresRepository) ListProfilesBySubject(ctx context.Context, subjectID string) ([]*domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM oauth_profiles WHERE subject_id = $1 ORDER BY provider`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list oauth profiles: %w", err)
	}
	defer rows.Close()
	var out []*domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	raw, err := json.Marshal(p.Raw)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if p.Raw == nil {
		raw = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			raw = EXCLUDED.raw,
			updated_at = EXCLUDED.updated_at
		WHERE oauth_profiles.subject_id = EXCLUDED.subject_id`,
		p.Provider, p.ProviderUserID, p.SubjectID, p.Email, p.Name, p.AvatarURL, raw, p.CreatedAt, p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrProfileConflict
	}
	if err != nil {
		return err
	}
	// The conflict update is skipped when another subject owns the row.
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountOwned
	}
	return nil
}

func (r *PostgresRepository) DeleteProfile(ctx context.Context, provider, providerUserID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_profiles WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) CleanupExpiredTokens(ctx context.Context, before time.Time, batchSize int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM oauth_tokens WHERE (subject_id, provider) IN (
			SELECT subject_id, provider FROM oauth_tokens
			WHERE refresh_token_hash = '' AND expires_at IS NOT NULL AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
		)`, before, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup oauth tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var (
		p   domain.Profile
		raw []byte
	)
	err := row.Scan(&p.Provider, &p.ProviderUserID, &p.SubjectID, &p.Email, &p.Name, &p.AvatarURL, &raw,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan oauth profile: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal profile raw: %w", err)
		}
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
