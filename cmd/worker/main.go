package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/case-surveillance-pipeline/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	app, _, err := bootstrap.Open(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defer app.Close()
	logger := app.Log
	cfg := app.Config

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.OpenPipeline(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to open pipeline")
	}
	runner := app.Runner()

	logger.WithFields(logrus.Fields{
		"streams":     runner.Streams(),
		"concurrency": cfg.Events.Concurrency,
		"driver":      cfg.Events.Driver,
	}).Info("Starting pipeline workers")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	if cfg.Mapping.Watch {
		g.Go(func() error { return app.Mappings.Watch(ctx) })
	}
	if cfg.Worker.MetricsPort > 0 {
		g.Go(func() error { return serveMetrics(ctx, app, logger) })
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Workers stopped with error")
	}
	logger.Info("Workers stopped")
}

// serveMetrics exposes the Prometheus registry and a liveness probe until ctx
// is done.
func serveMetrics(ctx context.Context, app *bootstrap.App, logger *logrus.Logger) error {
	checks := app.HealthChecks()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf("%s:%d", app.Config.Worker.MetricsHost, app.Config.Worker.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Metrics server shutdown failed")
		}
	}()

	logger.WithField("addr", addr).Info("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	}
	return nil
}
