package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SOG-web/reauth-sub001/internal/app"
	"github.com/SOG-web/reauth-sub001/internal/config"
	healthhandler "github.com/SOG-web/reauth-sub001/internal/health/handler"
	"github.com/SOG-web/reauth-sub001/internal/logger"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
	oauthhandler "github.com/SOG-web/reauth-sub001/internal/oauth/handler"
	"github.com/SOG-web/reauth-sub001/internal/policy/engine"
	"github.com/SOG-web/reauth-sub001/internal/server"
	"github.com/SOG-web/reauth-sub001/internal/server/middleware"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	logger.SetupDefault(os.Stdout, "info", "reauth")
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetupDefault(os.Stdout, cfg.LogLevel, "reauth")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Close(shutdownCtx)
	}()
	if err := a.BuildServices(ctx); err != nil {
		return err
	}

	var pinger healthhandler.Pinger
	if a.Stores.DB != nil || a.Stores.Redis != nil {
		pinger = a.Stores
	}
	policyCheck := healthhandler.PolicyCheckFunc(engine.HealthCheck)

	grpcServer := server.NewGRPCServer(server.Deps{
		Sessions:            a.Sessions,
		Auth:                a.Auth,
		Users:               a.Stores.Users,
		OAuth:               a.OAuth,
		Federation:          a.Federation,
		AuditRepo:           a.Stores.Audit,
		HealthPinger:        pinger,
		HealthPolicyChecker: policyCheck,
	}, server.Observers{Audit: a.Audit, Telemetry: a.Telemetry})

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  rate.Limit(cfg.RateLimitRPS),
		Burst: cfg.RateLimitBurst,
	}, a.Clock)
	defer limiter.Stop()

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(server.HTTPDeps{
		Health:      healthhandler.NewServer(pinger, policyCheck),
		Metrics:     metrics.Handler(a.Registry),
		OAuth:       oauthhandler.NewHTTPHandler(a.OAuth, oauthhandler.HTTPConfig{CookieSecure: cfg.OAuthCookieSecure}),
		RateLimiter: limiter,
	}))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.CleanupEnabled {
		g.Go(func() error {
			if err := a.Scheduler.Start(gctx); err != nil {
				return err
			}
			slog.Info("cleanup scheduler started", "tasks", a.Scheduler.Tasks())
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Scheduler.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}
