package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub001/internal/cleanup"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/config"
	identityservice "github.com/SOG-web/reauth-sub001/internal/identity/service"
	sessionrepo "github.com/SOG-web/reauth-sub001/internal/session/repository"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
)

func memoryConfig() *config.Config {
	return &config.Config{
		SessionStore:         config.StoreMemory,
		SessionDefaultTTL:    "24h",
		SessionOnLimit:       "evict_oldest",
		SessionTrackDevices:  true,
		SessionUpdateAge:     "1m",
		OAuthHTTPTimeout:     "10s",
		FederationSessionTTL: "8h",
		CleanupEnabled:       true,
		CleanupInterval:      "10m",
		CleanupBatchSize:     100,
		CleanupRetentionDays: 7,
		BcryptCost:           4,
		OTelServiceName:      "reauth-test",
	}
}

func TestNew_MemoryStores(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a, err := New(ctx, memoryConfig(), Options{Service: "test", Clock: clk})
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Nil(t, a.Stores.DB)
	assert.Nil(t, a.Stores.Audit)
	assert.IsType(t, &sessionrepo.MemoryRepository{}, a.Stores.Sessions)
	assert.NoError(t, a.Stores.PingContext(ctx))
	assert.Equal(t, []string{
		cleanup.TaskExpiredFederatedSessions,
		cleanup.TaskExpiredOAuthTokens,
		cleanup.TaskExpiredSessions,
		cleanup.TaskExpiredSSOSessions,
	}, a.Scheduler.Tasks())

	results := a.Scheduler.RunAll(ctx)
	assert.Len(t, results, 4)
	for name, res := range results {
		assert.Empty(t, res.Errors, name)
	}
}

func TestBuildServices_PasswordSignIn(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), Options{Service: "test"})
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NoError(t, a.BuildServices(ctx))

	assert.False(t, a.Federation.Enabled())
	assert.Empty(t, a.Federation.Providers())
	assert.Empty(t, a.OAuth.Providers().Names())

	reg, err := a.Auth.Register(ctx, "ada@example.com", "Correct-Horse-9", "Ada")
	require.NoError(t, err)
	res, err := a.Auth.Login(ctx, identityservice.LoginInput{Email: "ada@example.com", Password: "Correct-Horse-9"})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, res.UserID)

	v, err := a.Sessions.Verify(ctx, res.Session.Token, sessionservice.VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, v.Subject.ID)
}

func TestBuildServices_RejectsUnknownOnLimit(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.SessionOnLimit = "queue"
	a, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	defer a.Close(ctx)
	assert.Error(t, a.BuildServices(ctx))
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.SessionStore = config.StoreRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	ctx := context.Background()
	s, err := OpenStores(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &sessionrepo.RedisRepository{}, s.Sessions)
	assert.NotNil(t, s.Redis)
	assert.NoError(t, s.PingContext(ctx))

	s.Close()
	assert.Nil(t, s.Redis)
}

func TestOpenStores_RedisUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.SessionStore = config.StoreRedis
	cfg.RedisURL = "redis://127.0.0.1:1"
	_, err := OpenStores(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpenStores_PostgresSessionsNeedDatabase(t *testing.T) {
	cfg := memoryConfig()
	cfg.SessionStore = config.StorePostgres
	_, err := OpenStores(context.Background(), cfg, nil)
	assert.Error(t, err)
}
