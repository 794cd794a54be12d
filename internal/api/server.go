// Package api exposes document ingestion, status polling, case lookup and
// the read-model views over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/middleware"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP handlers. ReadModel may be nil,
// in which case the metrics views answer 503.
type Deps struct {
	Documents DocumentIngester
	Reports   domain.ReportRepository
	Cases     domain.CaseRepository
	ReadModel ReadModel
	Checks    map[string]HealthCheck
	Gatherer  prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	cfg    domain.ServerConfig
	deps   Deps
	router *gin.Engine
	server *http.Server
	log    *logrus.Logger
	now    func() time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, deps Deps, logger *logrus.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
		log:    logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving HTTP on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/documents", s.handleIngest)
		v1.GET("/documents/:id", s.handleDocumentStatus)
		v1.GET("/cases/:id", s.handleGetCase)
		v1.GET("/cases/patient/:patient/pathogen/:pathogen", s.handleCasesByKey)
		v1.GET("/metrics/summary", s.handleSummary)
		v1.GET("/metrics/pathogens/:code", s.handlePathogenCount)
		v1.GET("/pathogens/:code/reports", s.handlePathogenReports)
	}
}

// handleHealth runs every dependency check
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"timestamp": s.now().UTC(),
		"version":   Version,
	})
}

// respondError maps domain errors to status codes
func (s *Server) respondError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)
	_ = c.Error(err)

	var (
		validation *domain.ValidationError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, domain.NewAPIError(domain.CodeInvalidInput, validation.Message, validation.Field, requestID))
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, domain.NewAPIError(domain.CodeInvalidInput, "request body too large", "", requestID))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, domain.NewAPIError(domain.CodeNotFound, "resource not found", "", requestID))
	case errors.Is(err, domain.ErrStorageFailure), errors.Is(err, domain.ErrTransientDependency),
		errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, domain.NewAPIError(domain.CodeUnavailable, "dependency unavailable, retry later", "", requestID))
	default:
		c.JSON(http.StatusInternalServerError, domain.NewAPIError(domain.CodeInternalServer, "internal error", "", requestID))
	}
}
