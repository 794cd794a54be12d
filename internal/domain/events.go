package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a pipeline event on the wire.
type EventType string

const (
	DOCUMENT_STORED EventType = "DocumentStored"
	REPORT_PRODUCED EventType = "ReportProduced"
	CASE_LINKED     EventType = "CaseLinked"
	CASE_CLASSIFIED EventType = "CaseClassified"
)

// Streams carrying each event type.
const (
	StreamDocuments       = "surveillance:documents"
	StreamReports         = "surveillance:reports"
	StreamCases           = "surveillance:cases"
	StreamClassifications = "surveillance:classifications"
)

// StreamFor returns the stream an event type is published on.
func StreamFor(t EventType) string {
	switch t {
	case DOCUMENT_STORED:
		return StreamDocuments
	case REPORT_PRODUCED:
		return StreamReports
	case CASE_LINKED:
		return StreamCases
	case CASE_CLASSIFIED:
		return StreamClassifications
	default:
		return ""
	}
}

// DocumentStored is emitted once a raw document is durable.
type DocumentStored struct {
	DocumentID string    `json:"documentId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ReportProduced is emitted after a canonical report is written.
type ReportProduced struct {
	ReportID     uuid.UUID `json:"reportId"`
	PatientRef   string    `json:"patientRef"`
	PathogenCode string    `json:"pathogenCode"`
	ReportDate   time.Time `json:"reportDate"`
}

// CaseLinked is emitted after a report is linked to a case.
type CaseLinked struct {
	CaseID uuid.UUID `json:"caseId"`
}

// CaseClassified is emitted when a case's class changes.
type CaseClassified struct {
	CaseID    uuid.UUID `json:"caseId"`
	CaseClass CaseClass `json:"caseClass"`
}

func (DocumentStored) EventType() EventType { return DOCUMENT_STORED }
func (ReportProduced) EventType() EventType { return REPORT_PRODUCED }
func (CaseLinked) EventType() EventType     { return CASE_LINKED }
func (CaseClassified) EventType() EventType { return CASE_CLASSIFIED }

// Event is implemented by every pipeline event payload.
type Event interface {
	EventType() EventType
}
