package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/middleware"
	"github.com/case-surveillance-pipeline/internal/readmodel"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// DocumentIngester stores raw documents.
type DocumentIngester interface {
	Store(ctx context.Context, raw []byte, receivedAt time.Time) (string, error)
	Exists(ctx context.Context, documentID string) (bool, error)
}

// ReadModel answers the reporting views.
type ReadModel interface {
	Summary(ctx context.Context, window time.Duration) (*readmodel.Summary, error)
	PathogenCount(ctx context.Context, pathogenCode string, window time.Duration) (*readmodel.PathogenCount, error)
	CaseHistory(ctx context.Context, caseID uuid.UUID) ([]domain.MetricRecord, error)
	ReportsByPathogen(ctx context.Context, pathogenCode string, limit, offset int) (*readmodel.ReportPage, error)
}

// DocumentStatus reports how far a document has progressed.
type DocumentStatus struct {
	DocumentID string           `json:"document_id"`
	Stage      string           `json:"stage"` // "stored", "reported", "linked"
	ReportID   *uuid.UUID       `json:"report_id,omitempty"`
	CaseID     *uuid.UUID       `json:"case_id,omitempty"`
	CaseClass  domain.CaseClass `json:"case_class,omitempty"`
}

// CaseView is a case with its classification history.
type CaseView struct {
	*domain.Case
	History []domain.MetricRecord `json:"history,omitempty"`
}

// handleIngest stores the request body as a raw document
func (s *Server) handleIngest(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, err)
		return
	}

	id, err := s.deps.Documents.Store(c.Request.Context(), raw, s.now())
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/documents/"+id)
	c.JSON(http.StatusAccepted, gin.H{"document_id": id})
}

// handleDocumentStatus reports the stage reached by a document
func (s *Server) handleDocumentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	stored, err := s.deps.Documents.Exists(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !stored {
		s.respondError(c, domain.ErrNotFound)
		return
	}

	status := DocumentStatus{DocumentID: id, Stage: "stored"}
	report, err := s.deps.Reports.GetByDocument(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusOK, status)
		return
	case err != nil:
		s.respondError(c, err)
		return
	}
	status.Stage = "reported"
	status.ReportID = &report.ReportID

	cs, err := s.deps.Cases.GetByReport(ctx, report.ReportID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		s.respondError(c, err)
		return
	default:
		status.Stage = "linked"
		status.CaseID = &cs.CaseID
		status.CaseClass = cs.CaseClass
	}
	c.JSON(http.StatusOK, status)
}

// handleGetCase returns a case and its classification history
func (s *Server) handleGetCase(c *gin.Context) {
	caseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, domain.NewValidationError("id", "case id must be a UUID", c.Param("id")))
		return
	}

	cs, err := s.deps.Cases.GetByID(c.Request.Context(), caseID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	view := CaseView{Case: cs}
	if s.deps.ReadModel != nil {
		if view.History, err = s.deps.ReadModel.CaseHistory(c.Request.Context(), caseID); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, view)
}

// handleCasesByKey lists the cases of a pseudonymized patient and a pathogen
func (s *Server) handleCasesByKey(c *gin.Context) {
	patientRef := strings.TrimSpace(c.Param("patient"))
	pathogen := strings.TrimSpace(c.Param("pathogen"))
	if patientRef == "" || pathogen == "" {
		s.respondError(c, domain.NewValidationError("patient", "patient and pathogen are required", c.Request.URL.Path))
		return
	}

	cases, err := s.deps.Cases.ListByKey(c.Request.Context(), patientRef, pathogen)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patient_ref":   patientRef,
		"pathogen_code": pathogen,
		"cases":         cases,
	})
}

// handleSummary returns recent classification activity
func (s *Server) handleSummary(c *gin.Context) {
	if !s.requireReadModel(c) {
		return
	}
	window, ok := s.windowParam(c)
	if !ok {
		return
	}
	summary, err := s.deps.ReadModel.Summary(c.Request.Context(), window)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handlePathogenCount returns recent classification changes of a pathogen
func (s *Server) handlePathogenCount(c *gin.Context) {
	if !s.requireReadModel(c) {
		return
	}
	window, ok := s.windowParam(c)
	if !ok {
		return
	}
	count, err := s.deps.ReadModel.PathogenCount(c.Request.Context(), c.Param("code"), window)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, count)
}

// handlePathogenReports pages through the reports of a pathogen
func (s *Server) handlePathogenReports(c *gin.Context) {
	if !s.requireReadModel(c) {
		return
	}
	limit, ok := s.intParam(c, "limit", defaultPageSize, 1, maxPageSize)
	if !ok {
		return
	}
	offset, ok := s.intParam(c, "offset", 0, 0, -1)
	if !ok {
		return
	}
	page, err := s.deps.ReadModel.ReportsByPathogen(c.Request.Context(), c.Param("code"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) requireReadModel(c *gin.Context) bool {
	if s.deps.ReadModel != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, domain.NewAPIError(domain.CodeUnavailable,
		"read model is not configured", "", c.GetString(middleware.CorrelationIDKey)))
	return false
}

func (s *Server) windowParam(c *gin.Context) (time.Duration, bool) {
	hours, ok := s.intParam(c, "window_hours", int(readmodel.DefaultWindow.Hours()), 1, 24*366)
	return time.Duration(hours) * time.Hour, ok
}

// intParam parses an optional query parameter within [lo, hi]; a negative
// hi means unbounded.
func (s *Server) intParam(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		s.respondError(c, domain.NewValidationError(name, "out of range", raw))
		return 0, false
	}
	return v, true
}
