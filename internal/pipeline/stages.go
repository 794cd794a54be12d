// Package pipeline wires the stage handlers to their event streams: stored
// documents are transformed into reports, reports are matched to cases and
// linked cases have their evidence recomputed and reclassified.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
)

// DocumentFetcher loads stored raw documents.
type DocumentFetcher interface {
	Fetch(ctx context.Context, documentID string) (*domain.RawDocument, error)
}

// ReportTransformer turns a raw document into a canonical report.
type ReportTransformer interface {
	Transform(ctx context.Context, doc *domain.RawDocument) (*domain.CanonicalReport, error)
}

// CaseMatcher links a report to its case.
type CaseMatcher interface {
	FindOrCreateCase(ctx context.Context, report *domain.CanonicalReport) (uuid.UUID, error)
}

// EvidenceRecomputer rebuilds the evidence and class of a case.
type EvidenceRecomputer interface {
	RecomputeEvidence(ctx context.Context, caseID uuid.UUID) (domain.Evidence, error)
}

// Stages holds the handler of every pipeline stage.
type Stages struct {
	documents   DocumentFetcher
	transformer ReportTransformer
	reports     domain.ReportRepository
	matcher     CaseMatcher
	evidence    EvidenceRecomputer
	publisher   domain.EventPublisher
	metrics     *Metrics
	log         *logrus.Logger
}

// StageDeps are the collaborators of the stage handlers.
type StageDeps struct {
	Documents   DocumentFetcher
	Transformer ReportTransformer
	Reports     domain.ReportRepository
	Matcher     CaseMatcher
	Evidence    EvidenceRecomputer
	Publisher   domain.EventPublisher
	Metrics     *Metrics
}

// NewStages creates the stage handlers.
func NewStages(deps StageDeps, logger *logrus.Logger) *Stages {
	return &Stages{
		documents:   deps.Documents,
		transformer: deps.Transformer,
		reports:     deps.Reports,
		matcher:     deps.Matcher,
		evidence:    deps.Evidence,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		log:         logger,
	}
}

// Handlers maps each consumed stream to its handler.
func (s *Stages) Handlers() map[string]events.Handler {
	return map[string]events.Handler{
		domain.StreamDocuments:       s.HandleDocumentStored,
		domain.StreamReports:         s.HandleReportProduced,
		domain.StreamCases:           s.HandleCaseLinked,
		domain.StreamClassifications: s.HandleCaseClassified,
	}
}

// HandleDocumentStored transforms the stored document, writes the report
// and announces it. Transforming the same document again yields the same
// report, so redelivery overwrites it with identical content.
func (s *Stages) HandleDocumentStored(ctx context.Context, msg events.Message) error {
	ev, err := events.Decode[domain.DocumentStored](msg)
	if err != nil {
		return err
	}

	doc, err := s.documents.Fetch(ctx, ev.DocumentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("document %s announced but not stored: %w: %w", ev.DocumentID, domain.ErrInvalidDocument, err)
		}
		return err
	}

	report, err := s.transformer.Transform(ctx, doc)
	if err != nil {
		s.metrics.IncrementRejected(err)
		return err
	}

	if err := s.reports.Save(ctx, report); err != nil {
		return err
	}
	s.metrics.IncrementReports(report.PathogenCode)

	err = s.publisher.Publish(ctx, domain.ReportProduced{
		ReportID:     report.ReportID,
		PatientRef:   report.PatientRef,
		PathogenCode: report.PathogenCode,
		ReportDate:   report.ReportDate,
	})
	if err != nil {
		return fmt.Errorf("publishing ReportProduced for %s: %w: %w", report.ReportID, domain.ErrTransientDependency, err)
	}

	s.log.WithFields(logrus.Fields(report.LogFields())).Info("Report produced")
	return nil
}

// HandleReportProduced links the report to its case.
func (s *Stages) HandleReportProduced(ctx context.Context, msg events.Message) error {
	ev, err := events.Decode[domain.ReportProduced](msg)
	if err != nil {
		return err
	}

	report, err := s.reports.GetByID(ctx, ev.ReportID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.InvariantViolationError{
				ReportID: ev.ReportID.String(),
				Message:  "ReportProduced refers to a report that was never written",
			}
		}
		return err
	}

	_, err = s.matcher.FindOrCreateCase(ctx, report)
	return err
}

// HandleCaseLinked recomputes the evidence and class of the linked case.
func (s *Stages) HandleCaseLinked(ctx context.Context, msg events.Message) error {
	ev, err := events.Decode[domain.CaseLinked](msg)
	if err != nil {
		return err
	}

	_, err = s.evidence.RecomputeEvidence(ctx, ev.CaseID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.InvariantViolationError{
			CaseIDs: []string{ev.CaseID.String()},
			Message: "CaseLinked refers to an unknown case",
		}
	}
	return err
}

// HandleCaseClassified counts classification changes. The change itself is
// already committed together with its metric record.
func (s *Stages) HandleCaseClassified(ctx context.Context, msg events.Message) error {
	ev, err := events.Decode[domain.CaseClassified](msg)
	if err != nil {
		return err
	}
	s.metrics.IncrementClassifications(ev.CaseClass)
	s.log.WithFields(logrus.Fields{
		"case_id":    ev.CaseID,
		"case_class": ev.CaseClass,
	}).Debug("Classification change observed")
	return nil
}
