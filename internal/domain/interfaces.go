package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReportRepository persists canonical reports. Save overwrites by report id,
// which is safe because re-transforming a document yields the same content.
type ReportRepository interface {
	Save(ctx context.Context, report *CanonicalReport) error
	GetByID(ctx context.Context, reportID uuid.UUID) (*CanonicalReport, error)
	GetByDocument(ctx context.Context, documentID string) (*CanonicalReport, error)
}

// MatchTx is the view of the case store available while the lock for one
// (patient_ref, pathogen_code) key is held.
type MatchTx interface {
	// LinkedCaseID returns the case the report is already linked to, if any.
	LinkedCaseID(ctx context.Context, reportID uuid.UUID) (uuid.UUID, bool, error)
	// CasesInWindow returns cases for the key whose anchor date lies in [from, to].
	CasesInWindow(ctx context.Context, patientRef, pathogenCode string, from, to time.Time) ([]*Case, error)
	CreateCase(ctx context.Context, c *Case) error
	// LinkReport inserts the link if absent and returns the case id the
	// report is linked to afterwards.
	LinkReport(ctx context.Context, link CaseReportLink) (uuid.UUID, error)
}

// CaseTx is the view of one locked case used for evidence recomputation and
// classification. UpdateEvidence and UpdateClassification write disjoint
// columns.
type CaseTx interface {
	LinkedReports(ctx context.Context) ([]*CanonicalReport, error)
	UpdateEvidence(ctx context.Context, ev Evidence) error
	UpdateClassification(ctx context.Context, class CaseClass) error
	AppendMetric(ctx context.Context, m MetricRecord) error
}

// CaseRepository persists cases, links and metric records.
type CaseRepository interface {
	// WithMatchLock runs fn serialized against every other call for the same
	// patient and pathogen. Writes made by fn commit together.
	WithMatchLock(ctx context.Context, patientRef, pathogenCode string, fn func(tx MatchTx) error) error
	// WithCase runs fn with the case row locked. Writes made by fn commit together.
	WithCase(ctx context.Context, caseID uuid.UUID, fn func(c *Case, tx CaseTx) error) error
	GetByID(ctx context.Context, caseID uuid.UUID) (*Case, error)
	GetByReport(ctx context.Context, reportID uuid.UUID) (*Case, error)
	// ListByKey returns every case of a patient and pathogen ordered by
	// anchor date.
	ListByKey(ctx context.Context, patientRef, pathogenCode string) ([]*Case, error)
}

// EventPublisher publishes pipeline events to their streams.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
