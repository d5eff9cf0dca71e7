package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/db"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
)

const sessionColumns = `id, subject_type, subject_id, expires_at, rotation_count, last_seen_at, ip_address, user_agent, created_at, updated_at`

// liveClause filters out expired rows; the placeholder is the current time.
const liveClause = `(expires_at IS NULL OR expires_at > $%d)`

// PostgresRepository stores sessions in Postgres. Tokens are stored as SHA-256
// hashes; a session read by token carries the presented token back, a session
// read by id has an empty Token.
type PostgresRepository struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a session repository backed by conn.
func NewPostgresRepository(conn *sql.DB, clk clock.Clock) *PostgresRepository {
	return &PostgresRepository{db: conn, clock: clock.OrReal(clk)}
}

func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_type, subject_id, token_hash, expires_at, rotation_count, last_seen_at, ip_address, user_agent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.SubjectType, s.SubjectID, security.HashToken(s.Token), timeToNullTime(s.ExpiresAt), s.RotationCount,
		timeToNullTime(s.LastSeenAt), s.IPAddress, s.UserAgent, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1 AND `+fmt.Sprintf(liveClause, 2),
		security.HashToken(token), r.clock.Now(),
	)
	s, err := scanSession(row)
	if err != nil || s == nil {
		return nil, err
	}
	s.Token = token
	return s, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND `+fmt.Sprintf(liveClause, 2),
		id, r.clock.Now(),
	)
	return scanSession(row)
}

func (r *PostgresRepository) GetByIDIncludingExpired(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *PostgresRepository) Update(ctx context.Context, s *domain.Session) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = $2, last_seen_at = $3, ip_address = $4, user_agent = $5, updated_at = $6 WHERE id = $1`,
		s.ID, timeToNullTime(s.ExpiresAt), timeToNullTime(s.LastSeenAt), s.IPAddress, s.UserAgent, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *PostgresRepository) RotateToken(ctx context.Context, id, newToken string, expectedRotation int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET token_hash = $2, rotation_count = rotation_count + 1, updated_at = $3
		 WHERE id = $1 AND rotation_count = $4 AND `+fmt.Sprintf(liveClause, 5),
		id, security.HashToken(newToken), at, expectedRotation, r.clock.Now(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, ErrDuplicateToken
		}
		return false, fmt.Errorf("rotate session token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete relies on ON DELETE CASCADE for the device and metadata rows.
func (r *PostgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepository) DeleteAllForSubject(ctx context.Context, subjectType, subjectID, exceptID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE subject_type = $1 AND subject_id = $2 AND id <> $3`,
		subjectType, subjectID, exceptID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete subject sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *PostgresRepository) ListForSubject(ctx context.Context, subjectType, subjectID string) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE subject_type = $1 AND subject_id = $2 AND `+fmt.Sprintf(liveClause, 3)+`
		 ORDER BY created_at ASC, id ASC`,
		subjectType, subjectID, r.clock.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountForSubject(ctx context.Context, subjectType, subjectID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE subject_type = $1 AND subject_id = $2 AND `+fmt.Sprintf(liveClause, 3),
		subjectType, subjectID, r.clock.Now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) UpsertDevice(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_devices (session_id, fingerprint, user_agent, ip_address, location, is_trusted, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
		   fingerprint = EXCLUDED.fingerprint,
		   user_agent = EXCLUDED.user_agent,
		   ip_address = EXCLUDED.ip_address,
		   location = EXCLUDED.location,
		   is_trusted = EXCLUDED.is_trusted,
		   last_seen_at = EXCLUDED.last_seen_at`,
		d.SessionID, d.Fingerprint, d.UserAgent, d.IPAddress, d.Location, d.IsTrusted, d.FirstSeenAt, d.LastSeenAt,
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDevice(ctx context.Context, sessionID string) (*domain.Device, error) {
	var d domain.Device
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, fingerprint, user_agent, ip_address, location, is_trusted, first_seen_at, last_seen_at
		 FROM session_devices WHERE session_id = $1`, sessionID,
	).Scan(&d.SessionID, &d.Fingerprint, &d.UserAgent, &d.IPAddress, &d.Location, &d.IsTrusted, &d.FirstSeenAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

func (r *PostgresRepository) SetMetadata(ctx context.Context, sessionID string, md domain.Metadata) error {
	if len(md) == 0 {
		return nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, k := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_metadata (session_id, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`,
			sessionID, k, md[k],
		)
		if err != nil {
			if db.IsForeignKeyViolation(err) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("set metadata %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepository) GetMetadata(ctx context.Context, sessionID string) (domain.Metadata, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM session_metadata WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	defer rows.Close()
	out := domain.Metadata{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteMetadata(ctx context.Context, sessionID string, keys ...string) error {
	var err error
	if len(keys) == 0 {
		_, err = r.db.ExecContext(ctx, `DELETE FROM session_metadata WHERE session_id = $1`, sessionID)
	} else {
		args := append([]any{sessionID}, db.StringArgs(keys)...)
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM session_metadata WHERE session_id = $1 AND key IN (`+db.Placeholders(2, len(keys))+`)`, args...)
	}
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// CleanupExpired selects one batch of expired ids first so an empty pass
// issues no write statements.
func (r *PostgresRepository) CleanupExpired(ctx context.Context, before time.Time, batchSize int) (CleanupCounts, error) {
	var counts CleanupCounts
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at ASC LIMIT $2`,
		before, batchSize,
	)
	if err != nil {
		return counts, fmt.Errorf("select expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return counts, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, err
	}
	if len(ids) == 0 {
		return counts, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, err
	}
	defer func() { _ = tx.Rollback() }()
	in := `(` + db.Placeholders(1, len(ids)) + `)`
	args := db.StringArgs(ids)
	steps := []struct {
		query string
		dst   *int
	}{
		{`DELETE FROM session_metadata WHERE session_id IN ` + in, &counts.Metadata},
		{`DELETE FROM session_devices WHERE session_id IN ` + in, &counts.Devices},
		{`DELETE FROM sessions WHERE id IN ` + in, &counts.Sessions},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, args...)
		if err != nil {
			return CleanupCounts{}, fmt.Errorf("cleanup expired sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CleanupCounts{}, err
		}
		*step.dst = int(n)
	}
	if err := tx.Commit(); err != nil {
		return CleanupCounts{}, err
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s          domain.Session
		expiresAt  sql.NullTime
		lastSeenAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.SubjectType, &s.SubjectID, &expiresAt, &s.RotationCount, &lastSeenAt,
		&s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.ExpiresAt = nullTimeToPtr(expiresAt)
	s.LastSeenAt = nullTimeToPtr(lastSeenAt)
	return &s, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
