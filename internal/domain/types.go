// Package domain contains the core entities of the case surveillance pipeline:
// raw documents, canonical reports, cases and the append-only records derived
// from them.
//
// A case groups the reports of one patient for one pathogen that fall within
// the evidence window around the case's anchor date. Laboratory and clinical
// evidence is aggregated per case and drives the case classification.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaseClass represents the surveillance certainty level assigned to a case.
type CaseClass string

const (
	UNCLASSIFIED   CaseClass = "UNCLASSIFIED"
	PROBABLE_CASE  CaseClass = "PROBABLE_CASE"
	CONFIRMED_CASE CaseClass = "CONFIRMED_CASE"
	NOT_A_CASE     CaseClass = "NOT_A_CASE"
)

// LabInterpretation is the canonical result of a laboratory test.
// The zero value means no interpretation is present.
type LabInterpretation string

const (
	LAB_ABSENT   LabInterpretation = ""
	LAB_POSITIVE LabInterpretation = "POSITIVE"
	LAB_NEGATIVE LabInterpretation = "NEGATIVE"
)

// IdentifierKind distinguishes the namespaces used for pseudonymization.
type IdentifierKind string

const (
	PATIENT_ID      IdentifierKind = "patient"
	ORGANIZATION_ID IdentifierKind = "organization"
)

// IsValid reports whether the case class is one of the known values.
func (c CaseClass) IsValid() bool {
	switch c {
	case UNCLASSIFIED, PROBABLE_CASE, CONFIRMED_CASE, NOT_A_CASE:
		return true
	default:
		return false
	}
}

func (c CaseClass) String() string {
	return string(c)
}

// IsValid reports whether the interpretation is known. LAB_ABSENT is valid.
func (l LabInterpretation) IsValid() bool {
	switch l {
	case LAB_ABSENT, LAB_POSITIVE, LAB_NEGATIVE:
		return true
	default:
		return false
	}
}

// IsPresent reports whether a laboratory interpretation was recorded.
func (l LabInterpretation) IsPresent() bool {
	return l != LAB_ABSENT
}

// IsValid reports whether the identifier kind is supported.
func (k IdentifierKind) IsValid() bool {
	return k == PATIENT_ID || k == ORGANIZATION_ID
}

// RawDocument is an immutable clinical document as received by ingestion.
type RawDocument struct {
	ID         string    `json:"document_id"`
	Key        string    `json:"key"`
	Content    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// CanonicalReport is the normalized record derived from one raw document.
// Reports are immutable; a correction arrives as a new document.
type CanonicalReport struct {
	ReportID              uuid.UUID         `json:"report_id"`
	PatientRef            string            `json:"patient_ref"`
	OrganizationRef       string            `json:"organization_ref,omitempty"`
	PathogenCode          string            `json:"pathogen_code"`
	ReportDate            time.Time         `json:"report_date"`
	LabInterpretation     LabInterpretation `json:"lab_interpretation,omitempty"`
	ClinicalManifestation string            `json:"clinical_manifestation,omitempty"`
	SourceDocumentRef     string            `json:"source_document_ref"`
	SchemaVersion         string            `json:"schema_version"`
	ReceivedAt            *time.Time        `json:"received_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// HasLabEvidence reports whether the report carries a lab interpretation.
func (r *CanonicalReport) HasLabEvidence() bool {
	return r.LabInterpretation.IsPresent()
}

// HasClinicalEvidence reports whether the report carries a non-blank
// clinical manifestation.
func (r *CanonicalReport) HasClinicalEvidence() bool {
	return strings.TrimSpace(r.ClinicalManifestation) != ""
}

// Evidence holds the aggregated laboratory (lb) and clinical (kb) evidence of
// a case. Nil dates mean no qualifying report exists.
type Evidence struct {
	LBDate           *time.Time        `json:"lb_date,omitempty"`
	LBInterpretation LabInterpretation `json:"lb_interpretation,omitempty"`
	KBDate           *time.Time        `json:"kb_date,omitempty"`
	KBManifestation  string            `json:"kb_manifestation,omitempty"`
}

// HasLab reports whether laboratory evidence is present.
func (e Evidence) HasLab() bool {
	return e.LBDate != nil && e.LBInterpretation.IsPresent()
}

// HasClinical reports whether clinical evidence is present.
func (e Evidence) HasClinical() bool {
	return e.KBDate != nil && strings.TrimSpace(e.KBManifestation) != ""
}

// Case is a surveillance grouping of reports believed to represent one disease
// episode for one patient and pathogen. Cases are never deleted.
type Case struct {
	CaseID       uuid.UUID `json:"case_id"`
	PatientRef   string    `json:"patient_ref"`
	PathogenCode string    `json:"pathogen_code"`
	AnchorDate   time.Time `json:"anchor_date"`
	CaseClass    CaseClass `json:"case_class"`
	Evidence
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CaseReportLink ties a report to exactly one case.
type CaseReportLink struct {
	ReportID  uuid.UUID `json:"report_id"`
	CaseID    uuid.UUID `json:"case_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricRecord is an append-only read-model row written once per
// classification change.
type MetricRecord struct {
	ID           int64     `json:"id,omitempty"`
	CaseID       uuid.UUID `json:"case_id"`
	PathogenCode string    `json:"pathogen_code"`
	ReportDate   time.Time `json:"report_date"`
	CaseClass    CaseClass `json:"case_class"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogFields returns structured logging fields for the case.
// Patient references are pseudonymous and safe to log.
func (c *Case) LogFields() map[string]any {
	return map[string]any{
		"case_id":       c.CaseID.String(),
		"patient_ref":   c.PatientRef,
		"pathogen_code": c.PathogenCode,
		"anchor_date":   c.AnchorDate.Format(DateLayout),
		"case_class":    string(c.CaseClass),
	}
}

// LogFields returns structured logging fields for the report.
func (r *CanonicalReport) LogFields() map[string]any {
	return map[string]any{
		"report_id":     r.ReportID.String(),
		"patient_ref":   r.PatientRef,
		"pathogen_code": r.PathogenCode,
		"report_date":   r.ReportDate.Format(DateLayout),
		"document_id":   r.SourceDocumentRef,
	}
}
