// Package classifier derives a case's certainty class from its aggregated
// evidence.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Classify applies the classification rules:
//
//	lab positive                          -> CONFIRMED_CASE
//	lab negative                          -> NOT_A_CASE
//	no lab, clinical manifestation present -> PROBABLE_CASE
//	otherwise                             -> current class
//
// changed reports whether the result differs from current.
func Classify(ev domain.Evidence, current domain.CaseClass) (class domain.CaseClass, changed bool) {
	switch {
	case ev.HasLab() && ev.LBInterpretation == domain.LAB_POSITIVE:
		class = domain.CONFIRMED_CASE
	case ev.HasLab() && ev.LBInterpretation == domain.LAB_NEGATIVE:
		class = domain.NOT_A_CASE
	case !ev.HasLab() && ev.HasClinical():
		class = domain.PROBABLE_CASE
	default:
		class = current
	}
	return class, class != current
}

// DecidingDate returns the date of the evidence that determined class: the
// lab date for lab-based classes, the clinical date for PROBABLE_CASE.
func DecidingDate(ev domain.Evidence, class domain.CaseClass) (time.Time, bool) {
	switch class {
	case domain.CONFIRMED_CASE, domain.NOT_A_CASE:
		if ev.LBDate != nil {
			return *ev.LBDate, true
		}
	case domain.PROBABLE_CASE:
		if ev.KBDate != nil {
			return *ev.KBDate, true
		}
	}
	return time.Time{}, false
}

// Classifier writes classification changes and announces them.
type Classifier struct {
	publisher domain.EventPublisher
	log       *logrus.Logger
}

// New creates a classifier.
func New(publisher domain.EventPublisher, logger *logrus.Logger) *Classifier {
	return &Classifier{publisher: publisher, log: logger}
}

// Apply classifies c against ev inside tx. When the class changes it updates
// the case and appends a metric record, and returns the event to publish
// once tx has committed. It returns nil when nothing changed.
func (cl *Classifier) Apply(ctx context.Context, c *domain.Case, ev domain.Evidence, tx domain.CaseTx) (*domain.CaseClassified, error) {
	class, changed := Classify(ev, c.CaseClass)
	if !changed {
		return nil, nil
	}

	reportDate, ok := DecidingDate(ev, class)
	if !ok {
		return nil, &domain.InvariantViolationError{
			CaseIDs: []string{c.CaseID.String()},
			Message: fmt.Sprintf("class %s has no deciding evidence date", class),
		}
	}

	if err := tx.UpdateClassification(ctx, class); err != nil {
		return nil, err
	}
	if err := tx.AppendMetric(ctx, domain.MetricRecord{
		CaseID:       c.CaseID,
		PathogenCode: c.PathogenCode,
		ReportDate:   reportDate,
		CaseClass:    class,
	}); err != nil {
		return nil, err
	}

	cl.log.WithFields(logrus.Fields{
		"case_id":     c.CaseID,
		"from":        c.CaseClass,
		"to":          class,
		"report_date": reportDate.Format(domain.DateLayout),
	}).Info("Case classification changed")

	return &domain.CaseClassified{CaseID: c.CaseID, CaseClass: class}, nil
}

// Announce publishes a classification change. The change is already
// committed and recorded as a metric, so a failed publish is logged only.
func (cl *Classifier) Announce(ctx context.Context, event *domain.CaseClassified) {
	if event == nil {
		return
	}
	if err := cl.publisher.Publish(ctx, *event); err != nil {
		cl.log.WithFields(logrus.Fields{
			"case_id":    event.CaseID,
			"case_class": event.CaseClass,
		}).WithError(err).Error("Failed to publish CaseClassified")
	}
}
