package cleanup

import (
	"context"
	"time"

	sessionrepo "github.com/SOG-web/reauth-sub001/internal/session/repository"
)

// Built-in task names.
const (
	TaskExpiredSessions          = "expired_sessions"
	TaskExpiredOAuthTokens       = "expired_oauth_tokens"
	TaskExpiredSSOSessions       = "expired_sso_sessions"
	TaskExpiredFederatedSessions = "expired_federated_sessions"
)

// MaxBatchesPerRun caps how many batches one run deletes; the rest waits for
// the next tick.
const MaxBatchesPerRun = 50

// SessionCleaner is the part of the session store the scheduler needs.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context, before time.Time, batchSize int) (sessionrepo.CleanupCounts, error)
}

// TokenCleaner is the part of the OAuth store the scheduler needs.
type TokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context, before time.Time, batchSize int) (int, error)
}

// FederationCleaner is the part of the federation store the scheduler needs.
type FederationCleaner interface {
	CleanupExpiredSSOSessions(ctx context.Context, before time.Time, batchSize int) (int, error)
	CleanupExpiredFederatedSessions(ctx context.Context, before time.Time, batchSize int) (int, error)
}

// drain runs batch until it deletes fewer than batchSize rows, fails, ctx is
// done or MaxBatchesPerRun is reached.
func drain(ctx context.Context, batchSize int, batch func(context.Context) (int, error)) TaskResult {
	var res TaskResult
	for i := 0; i < MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		n, err := batch(ctx)
		res.CleanedCount += n
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		if n < batchSize {
			return res
		}
	}
	return res
}

// ExpiredSessionsTask deletes sessions, with their devices and metadata,
// that expired longer ago than the retention window.
func ExpiredSessionsTask(store SessionCleaner, interval time.Duration, enabled bool) Task {
	return Task{
		Name:     TaskExpiredSessions,
		Interval: interval,
		Enabled:  enabled,
		Run: func(ctx context.Context, snap Snapshot) TaskResult {
			before := snap.Now.Add(-snap.Retention())
			return drain(ctx, snap.BatchSize, func(ctx context.Context) (int, error) {
				counts, err := store.CleanupExpired(ctx, before, snap.BatchSize)
				return counts.Sessions, err
			})
		},
	}
}

// ExpiredOAuthTokensTask deletes provider tokens that cannot be refreshed
// and expired longer ago than the retention window.
func ExpiredOAuthTokensTask(store TokenCleaner, interval time.Duration, enabled bool) Task {
	return Task{
		Name:     TaskExpiredOAuthTokens,
		Interval: interval,
		Enabled:  enabled,
		Run: func(ctx context.Context, snap Snapshot) TaskResult {
			before := snap.Now.Add(-snap.Retention())
			return drain(ctx, snap.BatchSize, func(ctx context.Context) (int, error) {
				return store.CleanupExpiredTokens(ctx, before, snap.BatchSize)
			})
		},
	}
}

// ExpiredSSOSessionsTask deletes SSO sessions past their expiry.
func ExpiredSSOSessionsTask(store FederationCleaner, interval time.Duration, enabled bool) Task {
	return Task{
		Name:     TaskExpiredSSOSessions,
		Interval: interval,
		Enabled:  enabled,
		Run: func(ctx context.Context, snap Snapshot) TaskResult {
			return drain(ctx, snap.BatchSize, func(ctx context.Context) (int, error) {
				return store.CleanupExpiredSSOSessions(ctx, snap.Now, snap.BatchSize)
			})
		},
	}
}

// ExpiredFederatedSessionsTask deletes federated sessions past their expiry.
func ExpiredFederatedSessionsTask(store FederationCleaner, interval time.Duration, enabled bool) Task {
	return Task{
		Name:     TaskExpiredFederatedSessions,
		Interval: interval,
		Enabled:  enabled,
		Run: func(ctx context.Context, snap Snapshot) TaskResult {
			return drain(ctx, snap.BatchSize, func(ctx context.Context) (int, error) {
				return store.CleanupExpiredFederatedSessions(ctx, snap.Now, snap.BatchSize)
			})
		},
	}
}
