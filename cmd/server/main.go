package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/case-surveillance-pipeline/internal/api"
	"github.com/case-surveillance-pipeline/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	withWorkers := flag.Bool("with-workers", false, "also run the pipeline stage workers in this process")
	flag.Parse()

	app, _, err := bootstrap.Open(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defer app.Close()
	logger := app.Log
	cfg := app.Config

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.OpenDatabase(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	if err := app.OpenIngestion(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to open ingestion")
	}

	g, ctx := errgroup.WithContext(ctx)

	if *withWorkers {
		if err := app.OpenPipeline(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to open pipeline")
		}
		runner := app.Runner()
		g.Go(func() error { return runner.Run(ctx) })
		if cfg.Mapping.Watch {
			g.Go(func() error { return app.Mappings.Watch(ctx) })
		}
	}

	server := api.NewServer(cfg.Server, app.APIDeps(), logger)
	logger.WithFields(logrus.Fields{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"with_workers": *withWorkers,
	}).Info("Starting case surveillance API server")

	g.Go(func() error { return server.Start(ctx) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Server stopped with error")
	}
	logger.Info("Server stopped")
}
