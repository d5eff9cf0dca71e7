package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

var profileRowColumns = []string{"provider", "provider_user_id", "subject_id", "email", "name", "avatar_url", "raw", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPostgresRepository(conn), mock
}

func TestPostgresRepository_GetProfileDecodesRaw(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT .+ FROM oauth_profiles WHERE provider = \$1 AND provider_user_id = \$2`).
		WithArgs("github", "42").
		WillReturnRows(sqlmock.NewRows(profileRowColumns).
			AddRow("github", "42", "u1", "ada@example.com", "Ada", "", []byte(`{"login":"ada","id":42}`), testEpoch, testEpoch))

	p, err := repo.GetProfile(context.Background(), "github", "42")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "ada", p.Raw["login"])
	assert.Equal(t, float64(42), p.Raw["id"])
}

func TestPostgresRepository_UpsertProfileConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO oauth_profiles .+ ON CONFLICT \(provider, provider_user_id\)`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.UpsertProfile(context.Background(), &domain.Profile{Provider: "github", ProviderUserID: "43", SubjectID: "u1"})
	assert.ErrorIs(t, err, ErrProfileConflict)
}

func TestPostgresRepository_UpsertProfileKeepsOwner(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`ON CONFLICT \(provider, provider_user_id\) DO UPDATE SET .+ WHERE oauth_profiles.subject_id = EXCLUDED.subject_id`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpsertProfile(context.Background(), &domain.Profile{Provider: "github", ProviderUserID: "ext1", SubjectID: "u2"})
	assert.ErrorIs(t, err, ErrAccountOwned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpsertProfileRefreshesOwnRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO oauth_profiles`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertProfile(context.Background(), &domain.Profile{Provider: "github", ProviderUserID: "ext1", SubjectID: "u1"})
	require.NoError(t, err)
}

func TestPostgresRepository_UpsertTokenHashesOnly(t *testing.T) {
	repo, mock := newMockRepo(t)
	exp := testEpoch.Add(-1)
	mock.ExpectExec(`INSERT INTO oauth_tokens .+ ON CONFLICT \(subject_id, provider\) DO UPDATE`).
		WithArgs("u1", "github", "ahash", "rhash", exp, "read:user", nil, testEpoch, testEpoch).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertToken(context.Background(), &domain.Token{
		SubjectID: "u1", Provider: "github", AccessTokenHash: "ahash", RefreshTokenHash: "rhash",
		ExpiresAt: &exp, Scope: "read:user", CreatedAt: testEpoch, UpdatedAt: testEpoch,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CleanupExpiredTokens(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM oauth_tokens WHERE \(subject_id, provider\) IN`).
		WithArgs(testEpoch, 100).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.CleanupExpiredTokens(context.Background(), testEpoch, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresRepository_DeleteTokenMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM oauth_tokens`).WithArgs("u1", "github").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteToken(context.Background(), "u1", "github")
	require.NoError(t, err)
	assert.False(t, ok)
}
