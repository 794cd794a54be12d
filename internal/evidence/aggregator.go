// Package evidence recomputes the laboratory and clinical evidence of a
// case from all of its linked reports.
package evidence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/classifier"
	"github.com/case-surveillance-pipeline/internal/domain"
)

// SelectEvidence picks the earliest report with a lab interpretation and,
// independently, the earliest report with a clinical manifestation. Equal
// dates are broken by the lowest report id. Missing evidence stays nil.
func SelectEvidence(reports []*domain.CanonicalReport) domain.Evidence {
	var lab, clinical *domain.CanonicalReport
	for _, r := range reports {
		if r.HasLabEvidence() && earlier(r, lab) {
			lab = r
		}
		if r.HasClinicalEvidence() && earlier(r, clinical) {
			clinical = r
		}
	}

	var ev domain.Evidence
	if lab != nil {
		d := domain.CalendarDate(lab.ReportDate)
		ev.LBDate = &d
		ev.LBInterpretation = lab.LabInterpretation
	}
	if clinical != nil {
		d := domain.CalendarDate(clinical.ReportDate)
		ev.KBDate = &d
		ev.KBManifestation = clinical.ClinicalManifestation
	}
	return ev
}

func earlier(r, than *domain.CanonicalReport) bool {
	if than == nil {
		return true
	}
	rd, td := domain.CalendarDate(r.ReportDate), domain.CalendarDate(than.ReportDate)
	if !rd.Equal(td) {
		return rd.Before(td)
	}
	return r.ReportID.String() < than.ReportID.String()
}

// Aggregator recomputes case evidence and hands the result to the
// classifier in the same transaction.
type Aggregator struct {
	cases      domain.CaseRepository
	classifier *classifier.Classifier
	log        *logrus.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(cases domain.CaseRepository, cl *classifier.Classifier, logger *logrus.Logger) *Aggregator {
	return &Aggregator{cases: cases, classifier: cl, log: logger}
}

// RecomputeEvidence rebuilds the evidence of caseID from scratch and
// reclassifies the case. Running it again without new reports changes
// nothing.
func (a *Aggregator) RecomputeEvidence(ctx context.Context, caseID uuid.UUID) (domain.Evidence, error) {
	var (
		ev     domain.Evidence
		change *domain.CaseClassified
	)
	err := a.cases.WithCase(ctx, caseID, func(c *domain.Case, tx domain.CaseTx) error {
		reports, err := tx.LinkedReports(ctx)
		if err != nil {
			return err
		}
		ev = SelectEvidence(reports)
		if err := tx.UpdateEvidence(ctx, ev); err != nil {
			return err
		}
		change, err = a.classifier.Apply(ctx, c, ev, tx)
		return err
	})
	if err != nil {
		return domain.Evidence{}, fmt.Errorf("recomputing evidence of case %s: %w", caseID, err)
	}

	a.log.WithFields(logrus.Fields{
		"case_id":       caseID,
		"has_lab":       ev.HasLab(),
		"has_clinical":  ev.HasClinical(),
		"class_changed": change != nil,
	}).Debug("Evidence recomputed")

	a.classifier.Announce(ctx, change)
	return ev, nil
}
