// Package matcher links reports to cases. A report joins the existing case
// of its patient and pathogen whose anchor date is nearest within the
// window, or starts a new case.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// SelectCase picks the candidate whose anchor date is closest to reportDate
// and at most windowDays away. Ties go to the lowest case id, which for
// time-ordered ids is the earliest created case. It returns nil when no
// candidate qualifies.
func SelectCase(candidates []*domain.Case, reportDate time.Time, windowDays int) *domain.Case {
	var (
		best     *domain.Case
		bestDiff int
	)
	for _, c := range candidates {
		diff := domain.DaysApart(c.AnchorDate, reportDate)
		if diff > windowDays {
			continue
		}
		if best == nil || diff < bestDiff || diff == bestDiff && c.CaseID.String() < best.CaseID.String() {
			best, bestDiff = c, diff
		}
	}
	return best
}

// Service finds or creates the case of each report.
type Service struct {
	cases      domain.CaseRepository
	publisher  domain.EventPublisher
	windowDays int
	newID      func() (uuid.UUID, error)
	log        *logrus.Logger
}

// NewService creates a matcher. windowDays <= 0 selects the default window.
func NewService(cases domain.CaseRepository, publisher domain.EventPublisher, windowDays int, logger *logrus.Logger) *Service {
	if windowDays <= 0 {
		windowDays = domain.DefaultWindowDays
	}
	return &Service{
		cases:      cases,
		publisher:  publisher,
		windowDays: windowDays,
		newID:      uuid.NewV7,
		log:        logger,
	}
}

// FindOrCreateCase links report to its case and publishes CaseLinked. It is
// idempotent: a report that is already linked returns its case unchanged.
// Lookup, creation and linking for one patient and pathogen are serialized,
// so concurrent reports within the window never produce two cases.
func (s *Service) FindOrCreateCase(ctx context.Context, report *domain.CanonicalReport) (uuid.UUID, error) {
	reportDate := domain.CalendarDate(report.ReportDate)
	logger := s.log.WithFields(logrus.Fields(report.LogFields()))

	var (
		caseID  uuid.UUID
		created bool
	)
	err := s.cases.WithMatchLock(ctx, report.PatientRef, report.PathogenCode, func(tx domain.MatchTx) error {
		caseID, created = uuid.Nil, false

		existing, linked, err := tx.LinkedCaseID(ctx, report.ReportID)
		if err != nil {
			return err
		}
		if linked {
			caseID = existing
			return nil
		}

		candidates, err := tx.CasesInWindow(ctx, report.PatientRef, report.PathogenCode,
			reportDate.AddDate(0, 0, -s.windowDays), reportDate.AddDate(0, 0, s.windowDays))
		if err != nil {
			return err
		}

		if chosen := SelectCase(candidates, reportDate, s.windowDays); chosen != nil {
			caseID = chosen.CaseID
		} else {
			id, err := s.newID()
			if err != nil {
				return fmt.Errorf("generating case id: %w", err)
			}
			c := &domain.Case{
				CaseID:       id,
				PatientRef:   report.PatientRef,
				PathogenCode: report.PathogenCode,
				AnchorDate:   reportDate,
				CaseClass:    domain.UNCLASSIFIED,
			}
			if err := tx.CreateCase(ctx, c); err != nil {
				return err
			}
			caseID, created = id, true
		}

		linkedTo, err := tx.LinkReport(ctx, domain.CaseReportLink{ReportID: report.ReportID, CaseID: caseID})
		if err != nil {
			return err
		}
		if linkedTo != caseID {
			return &domain.InvariantViolationError{
				ReportID: report.ReportID.String(),
				CaseIDs:  []string{linkedTo.String(), caseID.String()},
				Message:  "report is linked to a different case than the one selected",
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("matching report %s: %w", report.ReportID, err)
	}

	logger.WithFields(logrus.Fields{
		"case_id": caseID,
		"created": created,
	}).Info("Report linked to case")

	if err := s.publisher.Publish(ctx, domain.CaseLinked{CaseID: caseID}); err != nil {
		return caseID, fmt.Errorf("publishing CaseLinked for %s: %w: %w", caseID, domain.ErrTransientDependency, err)
	}
	return caseID, nil
}
