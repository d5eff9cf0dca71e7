// Package app assembles the stores and services the binaries run.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	auditrepo "github.com/SOG-web/reauth-sub001/internal/audit/repository"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/config"
	"github.com/SOG-web/reauth-sub001/internal/db"
	federationrepo "github.com/SOG-web/reauth-sub001/internal/federation/repository"
	identityrepo "github.com/SOG-web/reauth-sub001/internal/identity/repository"
	oauthrepo "github.com/SOG-web/reauth-sub001/internal/oauth/repository"
	sessionrepo "github.com/SOG-web/reauth-sub001/internal/session/repository"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

// Stores holds every repository the services use. DB and Redis are nil when
// the matching backend is not configured; Audit is nil without Postgres.
type Stores struct {
	DB    *sql.DB
	Redis redis.UniversalClient

	Sessions   sessionrepo.Repository
	Users      userrepo.Repository
	Identities identityrepo.Repository
	OAuth      oauthrepo.Repository
	Federation federationrepo.Repository
	Audit      auditrepo.Repository
}

// OpenStores connects the backends cfg selects. Sessions follow
// SESSION_STORE; the other stores use Postgres when DATABASE_URL is set and
// process memory otherwise.
func OpenStores(ctx context.Context, cfg *config.Config, clk clock.Clock) (*Stores, error) {
	s := &Stores{}
	if cfg.UsePostgres() {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.DB = conn
		slog.Info("database connection established")
	}

	switch cfg.SessionStore {
	case config.StorePostgres:
		if s.DB == nil {
			return nil, errors.New("postgres session store needs DATABASE_URL")
		}
		s.Sessions = sessionrepo.NewPostgresRepository(s.DB, clk)
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.Redis = client
		s.Sessions = sessionrepo.NewRedisRepository(client, cfg.RedisKeyPrefix, clk)
		slog.Info("redis connection established")
	default:
		s.Sessions = sessionrepo.NewMemoryRepository(clk)
	}

	if s.DB != nil {
		s.Users = userrepo.NewPostgresRepository(s.DB)
		s.Identities = identityrepo.NewPostgresRepository(s.DB)
		s.OAuth = oauthrepo.NewPostgresRepository(s.DB)
		s.Federation = federationrepo.NewPostgresRepository(s.DB)
		s.Audit = auditrepo.NewPostgresRepository(s.DB)
	} else {
		slog.Warn("DATABASE_URL is not set; users, OAuth and federation data are kept in memory")
		s.Users = userrepo.NewMemoryRepository()
		s.Identities = identityrepo.NewMemoryRepository()
		s.OAuth = oauthrepo.NewMemoryRepository()
		s.Federation = federationrepo.NewMemoryRepository()
	}
	slog.Info("stores ready", "session_store", cfg.SessionStore, "postgres", s.DB != nil)
	return s, nil
}

// PingContext checks the configured backends. It backs the health service.
func (s *Stores) PingContext(ctx context.Context) error {
	if s.DB != nil {
		if err := s.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if s.Redis != nil {
		return s.Redis.Ping(ctx).Err()
	}
	return nil
}

// Close releases the backend connections. Safe on a partially opened Stores.
func (s *Stores) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
		s.Redis = nil
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
		s.DB = nil
	}
}
