package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/pseudonym"
)

// Identifier systems used by CH-eLM documents.
const (
	SystemAHV = pseudonym.SystemAHV
	SystemGLN = "urn:oid:2.51.1.3"
)

// Coding is a coded value from a source document.
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// Observation is a laboratory result of a source document.
type Observation struct {
	Codes           []Coding
	Values          []Coding
	Interpretations []Coding
	EffectiveDate   *time.Time
	SpecimenDate    *time.Time
}

// Condition is a clinical finding of a source document.
type Condition struct {
	Codes []Coding
	Text  string
	Onset *time.Time
}

// ParsedDocument holds the attributes a parser extracted from a raw document
// before any code mapping.
type ParsedDocument struct {
	SchemaVersion   string
	PatientID       string
	OrganizationID  string
	Observations    []Observation
	Conditions      []Condition
	CompositionDate *time.Time
	Timestamp       *time.Time
}

// Parser extracts a ParsedDocument from raw bytes.
type Parser interface {
	Parse(raw []byte) (*ParsedDocument, error)
}

// FHIR JSON shapes, reduced to the elements the pipeline reads.
type (
	fhirBundle struct {
		ResourceType string      `json:"resourceType"`
		Meta         fhirMeta    `json:"meta"`
		Timestamp    string      `json:"timestamp"`
		Entry        []fhirEntry `json:"entry"`
	}
	fhirMeta struct {
		Profile []string `json:"profile"`
	}
	fhirEntry struct {
		Resource json.RawMessage `json:"resource"`
	}
	fhirResource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	fhirIdentifier struct {
		System string `json:"system"`
		Value  string `json:"value"`
	}
	fhirCodeableConcept struct {
		Coding []Coding `json:"coding"`
		Text   string   `json:"text"`
	}
	fhirReference struct {
		Reference string `json:"reference"`
	}
	fhirPatient struct {
		Identifier []fhirIdentifier `json:"identifier"`
	}
	fhirOrganization struct {
		Identifier []fhirIdentifier `json:"identifier"`
	}
	fhirComposition struct {
		Date string `json:"date"`
	}
	fhirSpecimen struct {
		ID         string `json:"id"`
		Collection struct {
			CollectedDateTime string `json:"collectedDateTime"`
		} `json:"collection"`
	}
	fhirObservation struct {
		Code                 fhirCodeableConcept   `json:"code"`
		ValueCodeableConcept *fhirCodeableConcept  `json:"valueCodeableConcept"`
		Interpretation       []fhirCodeableConcept `json:"interpretation"`
		EffectiveDateTime    string                `json:"effectiveDateTime"`
		Specimen             *fhirReference        `json:"specimen"`
	}
	fhirCondition struct {
		Code          fhirCodeableConcept `json:"code"`
		OnsetDateTime string              `json:"onsetDateTime"`
		RecordedDate  string              `json:"recordedDate"`
	}
)

// FHIRBundleParser reads CH-eLM FHIR document bundles in JSON.
type FHIRBundleParser struct{}

// Parse decodes a bundle. Structural problems are ErrInvalidDocument.
func (FHIRBundleParser) Parse(raw []byte) (*ParsedDocument, error) {
	var bundle fhirBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w: %w", domain.ErrInvalidDocument, err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %q: %w", bundle.ResourceType, domain.ErrInvalidDocument)
	}

	doc := &ParsedDocument{
		SchemaVersion: profileVersion(bundle.Meta.Profile),
		Timestamp:     parseFHIRDate(bundle.Timestamp),
	}

	specimens := make(map[string]*time.Time)
	var observations []fhirObservation

	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var head fhirResource
		if err := json.Unmarshal(entry.Resource, &head); err != nil {
			return nil, fmt.Errorf("decoding entry %d: %w: %w", i, domain.ErrInvalidDocument, err)
		}

		var err error
		switch head.ResourceType {
		case "Composition":
			var c fhirComposition
			if err = json.Unmarshal(entry.Resource, &c); err == nil && doc.CompositionDate == nil {
				doc.CompositionDate = parseFHIRDate(c.Date)
			}
		case "Patient":
			var p fhirPatient
			if err = json.Unmarshal(entry.Resource, &p); err == nil && doc.PatientID == "" {
				doc.PatientID = patientIdentifier(p.Identifier)
			}
		case "Organization":
			var o fhirOrganization
			if err = json.Unmarshal(entry.Resource, &o); err == nil && doc.OrganizationID == "" {
				doc.OrganizationID = preferredIdentifier(o.Identifier, SystemGLN)
			}
		case "Specimen":
			var s fhirSpecimen
			if err = json.Unmarshal(entry.Resource, &s); err == nil {
				specimens[s.ID] = parseFHIRDate(s.Collection.CollectedDateTime)
			}
		case "Observation":
			var o fhirObservation
			if err = json.Unmarshal(entry.Resource, &o); err == nil {
				observations = append(observations, o)
			}
		case "Condition":
			var c fhirCondition
			if err = json.Unmarshal(entry.Resource, &c); err == nil {
				onset := parseFHIRDate(c.OnsetDateTime)
				if onset == nil {
					onset = parseFHIRDate(c.RecordedDate)
				}
				doc.Conditions = append(doc.Conditions, Condition{
					Codes: c.Code.Coding,
					Text:  conceptText(c.Code),
					Onset: onset,
				})
			}
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s entry %d: %w: %w", head.ResourceType, i, domain.ErrInvalidDocument, err)
		}
	}

	// specimens may appear after the observations that reference them
	for _, o := range observations {
		obs := Observation{
			Codes:         o.Code.Coding,
			EffectiveDate: parseFHIRDate(o.EffectiveDateTime),
		}
		if o.ValueCodeableConcept != nil {
			obs.Values = o.ValueCodeableConcept.Coding
		}
		for _, in := range o.Interpretation {
			obs.Interpretations = append(obs.Interpretations, in.Coding...)
		}
		if o.Specimen != nil {
			obs.SpecimenDate = specimens[referenceID(o.Specimen.Reference)]
		}
		doc.Observations = append(doc.Observations, obs)
	}

	return doc, nil
}

func profileVersion(profiles []string) string {
	if len(profiles) == 0 {
		return ""
	}
	if i := strings.LastIndex(profiles[0], "|"); i >= 0 {
		return strings.TrimSpace(profiles[0][i+1:])
	}
	return ""
}

func preferredIdentifier(ids []fhirIdentifier, system string) string {
	for _, id := range ids {
		if id.System == system && strings.TrimSpace(id.Value) != "" {
			return strings.TrimSpace(id.Value)
		}
	}
	return ""
}

// patientIdentifier prefers the AHV number. Other identifiers are namespaced
// by their system.
func patientIdentifier(ids []fhirIdentifier) string {
	if ahv := preferredIdentifier(ids, SystemAHV); ahv != "" {
		return ahv
	}
	for _, id := range ids {
		if strings.TrimSpace(id.Value) != "" {
			return pseudonym.LocalPatientID(id.System, id.Value)
		}
	}
	return ""
}

func conceptText(c fhirCodeableConcept) string {
	if t := strings.TrimSpace(c.Text); t != "" {
		return t
	}
	for _, coding := range c.Coding {
		if d := strings.TrimSpace(coding.Display); d != "" {
			return d
		}
	}
	return ""
}

func referenceID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return strings.TrimPrefix(ref, "urn:uuid:")
}

var fhirDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseFHIRDate returns the calendar date as written in the document,
// ignoring the offset, or nil when s is empty or unparseable.
func parseFHIRDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range fhirDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}
