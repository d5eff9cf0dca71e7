// Worker runs the expiry cleanup tasks on their schedule. With --once it runs
// every enabled task (or the one named by --task) a single time and exits.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/SOG-web/reauth-sub001/internal/app"
	"github.com/SOG-web/reauth-sub001/internal/config"
	"github.com/SOG-web/reauth-sub001/internal/logger"
	"github.com/SOG-web/reauth-sub001/internal/metrics"
	"github.com/SOG-web/reauth-sub001/internal/server"
)

var version = "dev"

func main() {
	once := pflag.Bool("once", false, "run the cleanup tasks once and exit")
	task := pflag.String("task", "", "with --once, run only this task")
	metricsAddr := pflag.String("metrics-addr", "", "serve /metrics on this address while running")
	pflag.Parse()

	logger.SetupDefault(os.Stdout, "info", "reauth-worker")
	if err := run(*once, *task, *metricsAddr); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(once bool, task, metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetupDefault(os.Stdout, cfg.LogLevel, "reauth-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Service: "worker", Version: version})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if once {
		return runOnce(ctx, a, task)
	}
	if !cfg.CleanupEnabled {
		return errors.New("CLEANUP_ENABLED is false; nothing to schedule")
	}

	if metricsAddr != "" {
		srv := server.NewHTTPServer(metricsAddr, server.NewRouter(server.HTTPDeps{Metrics: metrics.Handler(a.Registry)}))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	slog.Info("worker started", "tasks", a.Scheduler.Tasks(), "interval", cfg.CleanupIntervalDuration().String())
	<-ctx.Done()
	slog.Info("worker shutting down")
	a.Scheduler.Stop()
	return nil
}

func runOnce(ctx context.Context, a *app.App, task string) error {
	if task != "" {
		res, err := a.Scheduler.RunOnce(ctx, task)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return errors.New(task + ": " + res.Errors[0])
		}
		return nil
	}
	var failed []error
	for name, res := range a.Scheduler.RunAll(ctx) {
		for _, e := range res.Errors {
			failed = append(failed, errors.New(name+": "+e))
		}
	}
	return errors.Join(failed...)
}
