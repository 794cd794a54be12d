// Package transform turns raw clinical documents into canonical reports
// using versioned code mapping tables.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/pseudonym"
)

// reportNamespace seeds name-based report ids so re-transforming a document
// yields the same report id.
var reportNamespace = uuid.MustParse("6f1c7c2e-3b8a-4f0e-9a57-2d4c1e8b9a10")

// ReportIDFor returns the report id derived from a document id.
func ReportIDFor(documentID string) uuid.UUID {
	return uuid.NewSHA1(reportNamespace, []byte(documentID))
}

// Transformer maps one raw document to one canonical report. It performs no
// matching or precedence resolution.
type Transformer struct {
	parser        Parser
	registry      *Registry
	pseudonymizer pseudonym.Pseudonymizer
	log           *logrus.Logger
	now           func() time.Time
}

// NewTransformer creates a transformer reading FHIR bundles.
func NewTransformer(registry *Registry, p pseudonym.Pseudonymizer, logger *logrus.Logger) *Transformer {
	return &Transformer{
		parser:        FHIRBundleParser{},
		registry:      registry,
		pseudonymizer: p,
		log:           logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithParser replaces the document parser.
func (t *Transformer) WithParser(p Parser) *Transformer {
	t.parser = p
	return t
}

// Transform builds the canonical report of doc. Unknown codes or schema
// versions return an UnmappableCodeError; documents missing a patient or a
// date are ErrInvalidDocument. Both are terminal.
func (t *Transformer) Transform(ctx context.Context, doc *domain.RawDocument) (*domain.CanonicalReport, error) {
	parsed, err := t.parser.Parse(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing document %s: %w", doc.ID, err)
	}

	table, err := t.registry.Lookup(parsed.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}

	pathogen, obs, err := selectPathogen(table, parsed)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}

	interp := domain.LAB_ABSENT
	if obs != nil {
		if interp, err = interpretation(table, obs); err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
	}

	reportDate := reportDate(parsed, obs)
	if reportDate == nil {
		return nil, fmt.Errorf("document %s has no usable report date: %w", doc.ID, domain.ErrInvalidDocument)
	}

	if parsed.PatientID == "" {
		return nil, fmt.Errorf("document %s has no patient identifier: %w", doc.ID, domain.ErrInvalidDocument)
	}
	patientRef, err := t.pseudonymize(ctx, domain.PATIENT_ID, parsed.PatientID)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}

	var orgRef string
	if parsed.OrganizationID != "" {
		if orgRef, err = t.pseudonymize(ctx, domain.ORGANIZATION_ID, parsed.OrganizationID); err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
	}

	report := &domain.CanonicalReport{
		ReportID:              ReportIDFor(doc.ID),
		PatientRef:            patientRef,
		OrganizationRef:       orgRef,
		PathogenCode:          pathogen,
		ReportDate:            *reportDate,
		LabInterpretation:     interp,
		ClinicalManifestation: manifestation(parsed),
		SourceDocumentRef:     doc.ID,
		SchemaVersion:         table.Version,
		CreatedAt:             t.now(),
	}
	if !doc.ReceivedAt.IsZero() {
		received := doc.ReceivedAt.UTC()
		report.ReceivedAt = &received
	}

	t.log.WithFields(logrus.Fields(report.LogFields())).Debug("Document transformed")
	return report, nil
}

func (t *Transformer) pseudonymize(ctx context.Context, kind domain.IdentifierKind, id string) (string, error) {
	ref, err := t.pseudonymizer.Pseudonymize(ctx, kind, id)
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return "", fmt.Errorf("%s identifier: %w: %w", kind, domain.ErrInvalidDocument, err)
	}
	return ref, err
}

// selectPathogen returns the pathogen of the first mappable observation
// code. Condition codes are used only for clinical-only documents; a
// document with observations whose codes are all unknown is unmappable, so
// its lab result is never dropped.
func selectPathogen(table *MappingTable, doc *ParsedDocument) (string, *Observation, error) {
	if len(doc.Observations) > 0 {
		p, obs, first := mapObservations(table, doc.Observations)
		switch {
		case obs != nil:
			return p, obs, nil
		case first == nil:
			return "", nil, fmt.Errorf("observation without code: %w", domain.ErrInvalidDocument)
		default:
			return "", nil, unmappablePathogen(table, *first)
		}
	}

	var first *Coding
	for _, cond := range doc.Conditions {
		for j := range cond.Codes {
			c := cond.Codes[j]
			if p, ok := table.Pathogen(c.System, c.Code); ok {
				return p, nil, nil
			}
			if first == nil {
				first = &c
			}
		}
	}
	if first == nil {
		return "", nil, fmt.Errorf("no pathogen coding: %w", domain.ErrInvalidDocument)
	}
	return "", nil, unmappablePathogen(table, *first)
}

func mapObservations(table *MappingTable, observations []Observation) (string, *Observation, *Coding) {
	var first *Coding
	for i := range observations {
		obs := &observations[i]
		for j := range obs.Codes {
			c := obs.Codes[j]
			if p, ok := table.Pathogen(c.System, c.Code); ok {
				return p, obs, nil
			}
			if first == nil {
				first = &c
			}
		}
	}
	return "", nil, first
}

func unmappablePathogen(table *MappingTable, c Coding) error {
	return &domain.UnmappableCodeError{
		SchemaVersion: table.Version,
		Field:         "pathogen",
		System:        c.System,
		Code:          c.Code,
	}
}

// interpretation maps the observation value; without a coded value the
// interpretation codes are consulted.
func interpretation(table *MappingTable, obs *Observation) (domain.LabInterpretation, error) {
	if len(obs.Values) > 0 {
		for _, c := range obs.Values {
			if r, ok := table.Result(c.System, c.Code); ok {
				return r, nil
			}
		}
		return domain.LAB_ABSENT, &domain.UnmappableCodeError{
			SchemaVersion: table.Version,
			Field:         "result",
			System:        obs.Values[0].System,
			Code:          obs.Values[0].Code,
		}
	}
	for _, c := range obs.Interpretations {
		if r, ok := table.Result(c.System, c.Code); ok {
			return r, nil
		}
	}
	return domain.LAB_ABSENT, nil
}

func reportDate(doc *ParsedDocument, obs *Observation) *time.Time {
	if obs != nil {
		if obs.SpecimenDate != nil {
			return obs.SpecimenDate
		}
		if obs.EffectiveDate != nil {
			return obs.EffectiveDate
		}
	}
	if doc.CompositionDate != nil {
		return doc.CompositionDate
	}
	return doc.Timestamp
}

func manifestation(doc *ParsedDocument) string {
	for _, c := range doc.Conditions {
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}
