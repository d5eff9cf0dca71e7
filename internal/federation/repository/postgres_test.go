package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub001/internal/federation/domain"
	"github.com/SOG-web/reauth-sub001/internal/security"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPostgresRepository(conn), mock
}

func TestPostgresRepository_CreateSSOSessionEncodesAttributes(t *testing.T) {
	repo, mock := newMockRepo(t)
	exp := testEpoch.Add(time.Hour)
	mock.ExpectExec(`INSERT INTO sso_sessions`).
		WithArgs("sso1", "u1", "okta", "saml", "idx", "ada", []byte("{}"), testEpoch, exp, false, testEpoch).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateSSOSession(context.Background(), &domain.SSOSession{ID: "sso1", SubjectID: "u1", ProviderID: "okta",
		Protocol: domain.ProtocolSAML, SessionIndex: "idx", NameID: "ada", AuthInstant: testEpoch, ExpiresAt: exp, CreatedAt: testEpoch})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetSSOSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	cols := []string{"id", "subject_id", "provider_id", "protocol", "session_index", "name_id", "attributes", "auth_instant", "expires_at", "logout_initiated", "created_at"}
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions WHERE id = \$1`).WithArgs("sso1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("sso1", "u1", "corp", "oidc", "", "sub-1", []byte(`{"email":"a@b.com"}`),
			testEpoch, testEpoch.Add(time.Hour), true, testEpoch))
	mock.ExpectQuery(`SELECT .+ FROM sso_sessions WHERE id = \$1`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	s, err := repo.GetSSOSession(context.Background(), "sso1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.ProtocolOIDC, s.Protocol)
	assert.Equal(t, "a@b.com", s.Attributes["email"])
	assert.True(t, s.LogoutInitiated)

	missing, err := repo.GetSSOSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresRepository_FederatedSessionByTokenHash(t *testing.T) {
	repo, mock := newMockRepo(t)
	exp := testEpoch.Add(time.Hour)
	mock.ExpectExec(`INSERT INTO federated_sessions`).
		WithArgs("f1", security.HashToken("tok"), "u1", []byte(`["a.example"]`), []byte(`{"okta":"sso1"}`), exp, testEpoch, testEpoch).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM federated_sessions WHERE token_hash = \$1`).WithArgs(security.HashToken("tok")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "domains", "provider_sessions", "expires_at", "last_activity", "created_at"}).
			AddRow("f1", "u1", []byte(`["a.example"]`), []byte(`{"okta":"sso1"}`), exp, testEpoch, testEpoch))

	f := &domain.FederatedSession{ID: "f1", Token: "tok", SubjectID: "u1", Domains: []string{"a.example"},
		ProviderSessions: map[string]string{"okta": "sso1"}, ExpiresAt: exp, LastActivity: testEpoch, CreatedAt: testEpoch}
	require.NoError(t, repo.CreateFederatedSession(context.Background(), f))

	got, err := repo.GetFederatedSessionByToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, []string{"a.example"}, got.Domains)
	assert.Equal(t, "sso1", got.ProviderSessions["okta"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateFederatedDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO federated_sessions`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.CreateFederatedSession(context.Background(), &domain.FederatedSession{ID: "f1", Token: "tok"})
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestPostgresRepository_Cleanup(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM sso_sessions WHERE id IN \(SELECT id FROM sso_sessions WHERE expires_at < \$1 ORDER BY expires_at LIMIT \$2\)`).
		WithArgs(testEpoch, 100).WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`DELETE FROM federated_sessions WHERE id IN`).
		WithArgs(testEpoch, 100).WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.CleanupExpiredSSOSessions(context.Background(), testEpoch, 100)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = repo.CleanupExpiredFederatedSessions(context.Background(), testEpoch, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MarkLogoutAndDelete(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE sso_sessions SET logout_initiated = TRUE WHERE id = \$1`).WithArgs("sso1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM federated_sessions WHERE id = \$1`).WithArgs("f9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkSSOLogout(context.Background(), "sso1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.DeleteFederatedSession(context.Background(), "f9")
	require.NoError(t, err)
	assert.False(t, ok)
}
