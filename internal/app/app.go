package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SOG-web/reauth-sub001/internal/audit"
	"github.com/SOG-web/reauth-sub001/internal/cleanup"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/config"
	federationservice "github.com/SOG-web/reauth-sub001/internal/federation/service"
	"github.com/SOG-web/reauth-sub001/internal/federation/validator"
	identityservice "github.com/SOG-web/reauth-sub001/internal/identity/service"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
	"github.com/SOG-web/reauth-sub001/internal/oauth/provider"
	oauthservice "github.com/SOG-web/reauth-sub001/internal/oauth/service"
	"github.com/SOG-web/reauth-sub001/internal/policy/engine"
	"github.com/SOG-web/reauth-sub001/internal/security"
	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	"github.com/SOG-web/reauth-sub001/internal/telemetry"
	telemetryotel "github.com/SOG-web/reauth-sub001/internal/telemetry/otel"
	"github.com/SOG-web/reauth-sub001/internal/telemetry/producer"
	userdomain "github.com/SOG-web/reauth-sub001/internal/user/domain"
	userservice "github.com/SOG-web/reauth-sub001/internal/user/service"
)

// Options are the process-level inputs that do not come from the environment.
type Options struct {
	// Service is appended to OTEL_SERVICE_NAME, e.g. reauth-worker.
	Service string
	Version string
	Clock   clock.Clock
}

// App holds the assembled process. New opens the stores and observability
// sinks; BuildServices adds the request-serving services on top.
type App struct {
	Config *config.Config
	Clock  clock.Clock
	Stores *Stores

	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Telemetry telemetry.EventEmitter
	Audit     *audit.Logger
	Scheduler *cleanup.Scheduler

	Policy     *engine.OPAEvaluator
	Directory  *userservice.Directory
	Sessions   *sessionservice.Manager
	Auth       *identityservice.AuthService
	OAuth      *oauthservice.Controller
	Federation *federationservice.Bridge

	otel  *telemetryotel.Providers
	kafka *producer.KafkaProducer
}

// New opens the stores, the telemetry pipeline and the cleanup scheduler.
// Close releases them.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	clk := clock.OrReal(opts.Clock)
	a := &App{Config: cfg, Clock: clk}

	serviceName := cfg.OTelServiceName
	if opts.Service != "" {
		serviceName += "-" + opts.Service
	}
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	a.otel = providers

	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if p := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.KafkaAuditTopic); p != nil {
		a.kafka = p
		emitters = append(emitters, p)
		slog.Info("kafka audit producer enabled", "topic", cfg.KafkaAuditTopic)
	}
	a.Telemetry = telemetry.Multi(emitters...)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)

	stores, err := OpenStores(ctx, cfg, clk)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Stores = stores
	a.Audit = audit.NewLogger(stores.Audit, a.Telemetry, interceptors.ClientIP, clk)

	sched, err := NewScheduler(cfg, stores, a.Metrics, clk)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Scheduler = sched
	return a, nil
}

// NewScheduler registers the expiry tasks over stores.
func NewScheduler(cfg *config.Config, stores *Stores, m metrics.Recorder, clk clock.Clock) (*cleanup.Scheduler, error) {
	s := cleanup.NewScheduler(cleanup.Config{BatchSize: cfg.CleanupBatchSize, RetentionDays: cfg.CleanupRetentionDays}, m, clk)
	interval := cfg.CleanupIntervalDuration()
	for _, t := range []cleanup.Task{
		cleanup.ExpiredSessionsTask(stores.Sessions, interval, cfg.CleanupEnabled),
		cleanup.ExpiredOAuthTokensTask(stores.OAuth, interval, cfg.CleanupEnabled),
		cleanup.ExpiredSSOSessionsTask(stores.Federation, interval, cfg.CleanupEnabled),
		cleanup.ExpiredFederatedSessionsTask(stores.Federation, interval, cfg.CleanupEnabled),
	} {
		if err := s.Register(t); err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
	}
	return s, nil
}

// BuildServices assembles the session manager and the sign-in services.
func (a *App) BuildServices(ctx context.Context) error {
	cfg := a.Config

	policy, err := engine.NewOPAEvaluatorFromFile(ctx, cfg.SessionPolicyFile)
	if err != nil {
		return err
	}
	a.Policy = policy

	a.Directory = userservice.NewDirectory(a.Stores.Users, a.Clock)
	resolvers := sessionservice.NewResolverRegistry()
	if err := resolvers.Register(userdomain.SubjectType, a.Directory); err != nil {
		return err
	}

	onLimit, err := engine.ParseAction(cfg.SessionOnLimit)
	if err != nil {
		return err
	}
	mgr, err := sessionservice.NewManager(sessionservice.Config{
		DefaultTTL:            cfg.SessionDefaultTTLDuration(),
		MaxConcurrentSessions: cfg.SessionMaxConcurrent,
		OnLimit:               onLimit,
		TrackDevices:          cfg.SessionTrackDevices,
		UpdateAge:             cfg.SessionUpdateAgeDuration(),
	}, a.Stores.Sessions, resolvers, policy, a.Audit, a.Metrics, a.Clock)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	a.Sessions = mgr

	a.Auth = identityservice.NewAuthService(a.Stores.Users, a.Stores.Identities, mgr, security.NewHasher(cfg.BcryptCost), a.Clock)

	state, err := a.stateCodec()
	if err != nil {
		return err
	}

	providerList, err := config.LoadOAuthProviders(cfg.OAuthProvidersFile)
	if err != nil {
		return err
	}
	registry, err := oauthservice.NewProviderRegistry(providerList)
	if err != nil {
		return err
	}
	a.OAuth = oauthservice.NewController(registry, provider.NewHTTPExchanger(cfg.OAuthHTTPTimeoutDuration()),
		a.Stores.OAuth, a.Directory, a.Auth, mgr, state, a.Audit, a.Metrics, a.Clock)
	slog.Info("oauth providers loaded", "count", len(providerList))

	validators, err := a.federationValidators(ctx)
	if err != nil {
		return err
	}
	bridge, err := federationservice.NewBridge(federationservice.Config{
		Enabled:        cfg.FederationEnabled,
		SessionTTL:     cfg.FederationSessionTTLDuration(),
		FederatedTTL:   cfg.FederationSessionTTLDuration(),
		TrustedDomains: cfg.TrustedDomains(),
	}, validators, a.Stores.Federation, a.Directory, mgr, state, a.Audit, a.Metrics, a.Clock)
	if err != nil {
		return fmt.Errorf("federation: %w", err)
	}
	a.Federation = bridge
	return nil
}

// stateCodec signs OAuth and SSO state. Without a configured secret a random
// one is used, so state issued before a restart stops validating.
func (a *App) stateCodec() (*security.StateCodec, error) {
	secret := a.Config.OAuthStateSecret
	if secret == "" {
		tok, err := security.GenerateToken()
		if err != nil {
			return nil, err
		}
		secret = tok
		slog.Warn("OAUTH_STATE_SECRET is not set; using a random per-process secret")
	}
	return security.NewStateCodec([]byte(secret), a.Clock)
}

func (a *App) federationValidators(ctx context.Context) (map[string]validator.AssertionValidator, error) {
	cfg := a.Config
	out := make(map[string]validator.AssertionValidator)
	if cfg.OIDCFederationIssuerURL == "" {
		return out, nil
	}
	v, err := validator.NewOIDCValidator(ctx, validator.OIDCConfig{
		IssuerURL:  cfg.OIDCFederationIssuerURL,
		ClientID:   cfg.OIDCFederationClientID,
		AuthURL:    cfg.OIDCFederationAuthURL,
		JWKSURL:    cfg.OIDCFederationJWKSURL,
		PublicKeys: cfg.OIDCFederationPublicKeys,
		Scopes:     cfg.OIDCFederationScopesList(),
	}, a.Clock)
	if err != nil {
		return nil, fmt.Errorf("oidc federation: %w", err)
	}
	out[cfg.OIDCFederationID] = v
	slog.Info("oidc federation provider enabled", "provider", cfg.OIDCFederationID, "issuer", cfg.OIDCFederationIssuerURL)
	return out, nil
}

// Close flushes telemetry and releases the stores.
func (a *App) Close(ctx context.Context) {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
	if a.Stores != nil {
		a.Stores.Close()
	}
}
