package testutil

import (
	"encoding/json"
	"fmt"
)

// Code systems used in test bundles.
const (
	LOINC     = "http://loinc.org"
	SNOMED    = "http://snomed.info/sct"
	V3Interp  = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemAHV = "urn:oid:2.16.756.5.32"
	SystemGLN = "urn:oid:2.51.1.3"

	SnomedPositive = "10828004"
	SnomedNegative = "260385009"
)

// Bundle describes a CH-eLM document bundle for tests. Empty fields are
// omitted from the generated JSON.
type Bundle struct {
	ID              string
	ProfileVersion  string
	Timestamp       string
	CompositionDate string

	AHV          string
	PatientLocal string
	GLN          string

	TestSystem         string
	TestCode           string
	ResultCode         string
	ResultSystem       string
	InterpretCode      string
	EffectiveDate      string
	SpecimenDate       string
	ConditionCode      string
	ConditionText      string
	ConditionOnset     string
	WithoutObservation bool
}

// JSON renders the bundle.
func (b Bundle) JSON() []byte {
	var entries []map[string]any
	add := func(r map[string]any) {
		entries = append(entries, map[string]any{"resource": r})
	}

	if b.CompositionDate != "" {
		add(map[string]any{"resourceType": "Composition", "id": "comp-1", "status": "final", "date": b.CompositionDate})
	}

	var ids []map[string]any
	if b.AHV != "" {
		ids = append(ids, map[string]any{"system": SystemAHV, "value": b.AHV})
	}
	if b.PatientLocal != "" {
		ids = append(ids, map[string]any{"system": "urn:oid:2.16.756.5.30.999", "value": b.PatientLocal})
	}
	add(map[string]any{"resourceType": "Patient", "id": "pat-1", "identifier": ids})

	if b.GLN != "" {
		add(map[string]any{
			"resourceType": "Organization",
			"id":           "org-1",
			"name":         "Labor Test AG",
			"identifier":   []map[string]any{{"system": SystemGLN, "value": b.GLN}},
		})
	}

	if b.SpecimenDate != "" {
		add(map[string]any{
			"resourceType": "Specimen",
			"id":           "spec-1",
			"collection":   map[string]any{"collectedDateTime": b.SpecimenDate},
		})
	}

	if !b.WithoutObservation {
		system := b.TestSystem
		if system == "" {
			system = LOINC
		}
		obs := map[string]any{
			"resourceType": "Observation",
			"id":           "obs-1",
			"status":       "final",
			"code":         map[string]any{"coding": []map[string]any{{"system": system, "code": b.TestCode}}},
		}
		if b.ResultCode != "" {
			rs := b.ResultSystem
			if rs == "" {
				rs = SNOMED
			}
			obs["valueCodeableConcept"] = map[string]any{"coding": []map[string]any{{"system": rs, "code": b.ResultCode}}}
		}
		if b.InterpretCode != "" {
			obs["interpretation"] = []map[string]any{{"coding": []map[string]any{{"system": V3Interp, "code": b.InterpretCode}}}}
		}
		if b.EffectiveDate != "" {
			obs["effectiveDateTime"] = b.EffectiveDate
		}
		if b.SpecimenDate != "" {
			obs["specimen"] = map[string]any{"reference": "Specimen/spec-1"}
		}
		add(obs)
	}

	if b.ConditionText != "" || b.ConditionCode != "" {
		cond := map[string]any{"resourceType": "Condition", "id": "cond-1"}
		code := map[string]any{}
		if b.ConditionCode != "" {
			code["coding"] = []map[string]any{{"system": SNOMED, "code": b.ConditionCode}}
		}
		if b.ConditionText != "" {
			code["text"] = b.ConditionText
		}
		cond["code"] = code
		if b.ConditionOnset != "" {
			cond["onsetDateTime"] = b.ConditionOnset
		}
		add(cond)
	}

	bundle := map[string]any{
		"resourceType": "Bundle",
		"id":           b.ID,
		"type":         "document",
		"entry":        entries,
	}
	if b.ProfileVersion != "" {
		bundle["meta"] = map[string]any{
			"profile": []string{"http://fhir.ch/ig/ch-elm/StructureDefinition/ch-elm-document|" + b.ProfileVersion},
		}
	}
	if b.Timestamp != "" {
		bundle["timestamp"] = b.Timestamp
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		panic(fmt.Sprintf("marshal test bundle: %v", err))
	}
	return data
}
