// Package metrics exposes Prometheus counters for the session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reauth"

// Recorder is what services and the cleanup scheduler report to.
type Recorder interface {
	SessionCreated(subjectType string)
	SessionVerified(outcome string)
	SessionRotated()
	SessionsRevoked(count int)
	SessionsEvicted(count int)
	OAuthCallback(provider, outcome string)
	OAuthRefresh(provider, outcome string)
	FederatedValidation(outcome string)
	CleanupRun(task string, cleaned, errs int, took time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionCreated(string) {}
func (Nop) SessionVerified(string) {}
func (Nop) SessionRotated() {}
func (Nop) SessionsRevoked(int) {}
func (Nop) SessionsEvicted(int) {}
func (Nop) OAuthCallback(string, string) {}
func (Nop) OAuthRefresh(string, string) {}
func (Nop) FederatedValidation(string) {}
func (Nop) CleanupRun(string, int, int, time.Duration) {}

// Collector implements Recorder with Prometheus metrics.
type Collector struct {
	sessionsCreated  *prometheus.CounterVec
	sessionsVerified *prometheus.CounterVec
	sessionsRotated  prometheus.Counter
	sessionsRevoked  prometheus.Counter
	sessionsEvicted  prometheus.Counter
	oauthCallbacks   *prometheus.CounterVec
	oauthRefreshes   *prometheus.CounterVec
	federatedChecks  *prometheus.CounterVec
	cleanupRuns      *prometheus.CounterVec
	cleanupCleaned   *prometheus.CounterVec
	cleanupErrors    *prometheus.CounterVec
	cleanupDuration  *prometheus.HistogramVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created, by subject type.",
		}, []string{"subject_type"}),
		sessionsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_verified_total",
			Help: "Session verifications, by outcome.",
		}, []string{"outcome"}),
		sessionsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_rotated_total",
			Help: "Session tokens rotated.",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_revoked_total",
			Help: "Sessions revoked explicitly.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total",
			Help: "Sessions evicted by the concurrent-session limit.",
		}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oauth_callbacks_total",
			Help: "OAuth callbacks, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		oauthRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oauth_refreshes_total",
			Help: "OAuth token refreshes, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		federatedChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "federated_validations_total",
			Help: "Federated session validations, by outcome.",
		}, []string{"outcome"}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_runs_total",
			Help: "Cleanup task runs.",
		}, []string{"task"}),
		cleanupCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_cleaned_total",
			Help: "Records removed by cleanup tasks.",
		}, []string{"task"}),
		cleanupErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_errors_total",
			Help: "Errors reported by cleanup tasks.",
		}, []string{"task"}),
		cleanupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cleanup_duration_seconds",
			Help:    "Cleanup task run time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
	}
	reg.MustRegister(
		c.sessionsCreated, c.sessionsVerified, c.sessionsRotated, c.sessionsRevoked, c.sessionsEvicted,
		c.oauthCallbacks, c.oauthRefreshes, c.federatedChecks,
		c.cleanupRuns, c.cleanupCleaned, c.cleanupErrors, c.cleanupDuration,
	)
	return c
}

func (c *Collector) SessionCreated(subjectType string) {
	c.sessionsCreated.WithLabelValues(subjectType).Inc()
}

func (c *Collector) SessionVerified(outcome string) {
	c.sessionsVerified.WithLabelValues(outcome).Inc()
}

func (c *Collector) SessionRotated() { c.sessionsRotated.Inc() }

func (c *Collector) SessionsRevoked(count int) { c.sessionsRevoked.Add(float64(count)) }

func (c *Collector) SessionsEvicted(count int) { c.sessionsEvicted.Add(float64(count)) }

func (c *Collector) OAuthCallback(provider, outcome string) {
	c.oauthCallbacks.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) OAuthRefresh(provider, outcome string) {
	c.oauthRefreshes.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) FederatedValidation(outcome string) {
	c.federatedChecks.WithLabelValues(outcome).Inc()
}

func (c *Collector) CleanupRun(task string, cleaned, errs int, took time.Duration) {
	c.cleanupRuns.WithLabelValues(task).Inc()
	c.cleanupCleaned.WithLabelValues(task).Add(float64(cleaned))
	c.cleanupErrors.WithLabelValues(task).Add(float64(errs))
	c.cleanupDuration.WithLabelValues(task).Observe(took.Seconds())
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
