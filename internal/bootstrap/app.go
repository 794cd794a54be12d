// Package bootstrap builds the application components from configuration.
// The server, the worker and the operator CLI share this wiring and open
// only the parts they need.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/api"
	"github.com/case-surveillance-pipeline/internal/classifier"
	"github.com/case-surveillance-pipeline/internal/database"
	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
	"github.com/case-surveillance-pipeline/internal/evidence"
	"github.com/case-surveillance-pipeline/internal/ingestion"
	"github.com/case-surveillance-pipeline/internal/matcher"
	"github.com/case-surveillance-pipeline/internal/objectstore"
	"github.com/case-surveillance-pipeline/internal/parking"
	"github.com/case-surveillance-pipeline/internal/pipeline"
	"github.com/case-surveillance-pipeline/internal/pseudonym"
	"github.com/case-surveillance-pipeline/internal/readmodel"
	"github.com/case-surveillance-pipeline/internal/repository"
	"github.com/case-surveillance-pipeline/internal/transform"
)

// Bus publishes and consumes pipeline events.
type Bus interface {
	events.Publisher
	events.Subscriber
}

// App holds the wired components. A field stays nil until the matching
// Open method has been called.
type App struct {
	Config *domain.Config
	Log    *logrus.Logger
	Prom   *prometheus.Registry

	DB    *database.DB
	SQL   *sql.DB
	Redis *redis.Client
	Bus   Bus

	Objects   objectstore.Store
	Ingestion *ingestion.Service

	Reports   domain.ReportRepository
	Cases     domain.CaseRepository
	ReadModel *readmodel.Store
	Parking   parking.Store

	Mappings      *transform.Registry
	Pseudonymizer pseudonym.Pseudonymizer
	Transformer   *transform.Transformer
	Matcher       *matcher.Service
	Aggregator    *evidence.Aggregator
	Metrics       *pipeline.Metrics

	closers []func()
}

// New creates an App with a Prometheus registry carrying the Go and
// process collectors.
func New(cfg *domain.Config, logger *logrus.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{Config: cfg, Log: logger, Prom: reg}
}

// OpenDatabase connects to PostgreSQL and creates the repositories and the
// read model.
func (a *App) OpenDatabase(ctx context.Context) error {
	if a.DB != nil {
		return nil
	}
	dbCfg := database.ConfigFrom(a.Config.Database)

	db, err := database.NewConnection(ctx, dbCfg, a.Log)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.onClose(db.Close)

	sqlDB, err := database.OpenSQL(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("opening database/sql handle: %w", err)
	}
	a.onClose(func() { sqlDB.Close() })

	a.DB, a.SQL = db, sqlDB
	a.Reports = repository.NewReportRepository(db.Pool, a.Log)
	a.Cases = repository.NewCaseRepository(db.Pool, a.Log)
	a.ReadModel = readmodel.NewStore(sqlDB)
	return nil
}

// OpenBus connects the configured event bus.
func (a *App) OpenBus(ctx context.Context) error {
	if a.Bus != nil {
		return nil
	}
	switch strings.ToLower(a.Config.Events.Driver) {
	case "memory":
		a.Log.Warn("Using the in-memory event bus; events are lost on exit and not shared between processes")
		bus := events.NewMemoryBus()
		a.onClose(func() { _ = bus.Close() })
		a.Bus = bus
	case "", "redis":
		client, err := events.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			return err
		}
		a.onClose(func() { client.Close() })
		a.Redis = client
		a.Bus = events.NewRedisBus(client, a.Config.Events, a.Log)
	default:
		return fmt.Errorf("unknown events driver %q", a.Config.Events.Driver)
	}
	return nil
}

// OpenIngestion creates the object store and the ingestion service. It
// opens the bus when needed.
func (a *App) OpenIngestion(ctx context.Context) error {
	if a.Ingestion != nil {
		return nil
	}
	if err := a.OpenBus(ctx); err != nil {
		return err
	}
	store, err := objectstore.New(ctx, a.Config.ObjectStore)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}
	a.Objects = store
	a.Ingestion = ingestion.NewService(store, a.Bus, a.Log)
	return nil
}

// OpenParking creates the configured dead-letter store.
func (a *App) OpenParking(ctx context.Context) error {
	if a.Parking != nil {
		return nil
	}
	if strings.ToLower(a.Config.Parking.Driver) != "sqlite" {
		if err := a.OpenDatabase(ctx); err != nil {
			return err
		}
	}
	store, err := parking.New(a.Config.Parking, a.SQL)
	if err != nil {
		return fmt.Errorf("opening parking store: %w", err)
	}
	a.onClose(func() { store.Close() })
	a.Parking = store
	return nil
}

// OpenMappings loads the mapping tables.
func (a *App) OpenMappings() error {
	if a.Mappings != nil {
		return nil
	}
	reg, err := transform.LoadRegistry(a.Config.Mapping.Directory, a.Config.Mapping.DefaultVersion, a.Log)
	if err != nil {
		return fmt.Errorf("loading mapping tables: %w", err)
	}
	a.Mappings = reg
	return nil
}

// OpenPseudonymizer creates the configured pseudonymizer.
func (a *App) OpenPseudonymizer() error {
	if a.Pseudonymizer != nil {
		return nil
	}
	p, err := pseudonym.New(a.Config.Pseudonym)
	if err != nil {
		return fmt.Errorf("creating pseudonymizer: %w", err)
	}
	a.Pseudonymizer = p
	return nil
}

// OpenPipeline wires everything the stage workers need.
func (a *App) OpenPipeline(ctx context.Context) error {
	if a.Matcher != nil {
		return nil
	}
	for _, open := range []func() error{
		func() error { return a.OpenDatabase(ctx) },
		func() error { return a.OpenIngestion(ctx) },
		func() error { return a.OpenParking(ctx) },
		a.OpenMappings,
		a.OpenPseudonymizer,
	} {
		if err := open(); err != nil {
			return err
		}
	}

	a.Transformer = transform.NewTransformer(a.Mappings, a.Pseudonymizer, a.Log)
	a.Matcher = matcher.NewService(a.Cases, a.Bus, a.Config.Matching.WindowDays, a.Log)
	a.Aggregator = evidence.NewAggregator(a.Cases, classifier.New(a.Bus, a.Log), a.Log)
	a.Metrics = pipeline.NewMetrics(a.Prom)
	return nil
}

// Runner returns the stage worker runner. OpenPipeline must have been
// called.
func (a *App) Runner() *pipeline.Runner {
	stages := pipeline.NewStages(pipeline.StageDeps{
		Documents:   a.Ingestion,
		Transformer: a.Transformer,
		Reports:     a.Reports,
		Matcher:     a.Matcher,
		Evidence:    a.Aggregator,
		Publisher:   a.Bus,
		Metrics:     a.Metrics,
	}, a.Log)

	return pipeline.NewRunner(a.Bus, a.Parking, stages.Handlers(), a.Metrics, pipeline.RunnerConfig{
		Policy:       events.PolicyFrom(a.Config.Events),
		Concurrency:  a.Config.Events.Concurrency,
		ConsumerName: a.Config.Events.ConsumerName,
	}, a.Log)
}

// HealthChecks returns a check for every opened dependency.
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if a.DB != nil {
		checks["database"] = a.DB.Health
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	if a.Objects != nil {
		checks["objectstore"] = func(ctx context.Context) error {
			_, err := a.Objects.Exists(ctx, "index/health")
			return err
		}
	}
	return checks
}

// APIDeps returns the dependencies of the HTTP server.
func (a *App) APIDeps() api.Deps {
	deps := api.Deps{
		Documents: a.Ingestion,
		Reports:   a.Reports,
		Cases:     a.Cases,
		Checks:    a.HealthChecks(),
		Gatherer:  a.Prom,
	}
	if a.ReadModel != nil {
		deps.ReadModel = a.ReadModel
	}
	return deps
}

// Close releases every opened resource in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}
