// Package readmodel answers reporting queries from the append-only metrics
// table and the case and report tables. It never writes.
package readmodel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// DefaultWindow is the look-back of the summary and per-pathogen counts.
const DefaultWindow = 24 * time.Hour

// Summary describes recent classification activity.
type Summary struct {
	LastUpdated     *time.Time                 `json:"last_updated"`
	ChangesInWindow int64                      `json:"classifications_in_window"`
	WindowHours     int                        `json:"window_hours"`
	CasesByClass    map[domain.CaseClass]int64 `json:"cases_by_class"`
	Quality         Quality                    `json:"quality"`
	QueriedAt       time.Time                  `json:"queried_at"`
}

// Quality holds the latency averages of reports created within the window.
// Averages are nil when no report in the window carries a receipt time.
type Quality struct {
	ReportsInWindow int64 `json:"reports_in_window"`
	// AvgReportingLatencyHours is the mean time from report date to receipt.
	AvgReportingLatencyHours *float64 `json:"avg_reporting_latency_hours"`
	// AvgProcessingLatencySeconds is the mean time from receipt to report creation.
	AvgProcessingLatencySeconds *float64 `json:"avg_processing_latency_seconds"`
}

// PathogenCount counts classification changes of one pathogen.
type PathogenCount struct {
	PathogenCode string                     `json:"pathogen_code"`
	Count        int64                      `json:"count"`
	ByClass      map[domain.CaseClass]int64 `json:"by_class"`
	WindowHours  int                        `json:"window_hours"`
	QueriedAt    time.Time                  `json:"queried_at"`
}

// ReportPage is one page of reports.
type ReportPage struct {
	Total   int64                     `json:"total"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
	Reports []*domain.CanonicalReport `json:"reports"`
}

// Store runs read-model queries on a database/sql handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a read model on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Summary returns the time of the latest classification change, the number
// of changes within window and the current number of cases per class.
func (s *Store) Summary(ctx context.Context, window time.Duration) (*Summary, error) {
	now := s.now().UTC()
	out := &Summary{
		WindowHours:  int(window.Hours()),
		CasesByClass: map[domain.CaseClass]int64{},
		QueriedAt:    now,
	}

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(created_at) FROM metrics").Scan(&last); err != nil {
		return nil, fmt.Errorf("querying last metric: %w", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		out.LastUpdated = &t
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM metrics WHERE created_at >= $1", now.Add(-window),
	).Scan(&out.ChangesInWindow)
	if err != nil {
		return nil, fmt.Errorf("counting recent metrics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT case_class, COUNT(*) FROM cases GROUP BY case_class")
	if err != nil {
		return nil, fmt.Errorf("counting cases by class: %w", err)
	}
	if err := scanClassCounts(rows, out.CasesByClass); err != nil {
		return nil, err
	}

	if out.Quality, err = s.quality(ctx, now.Add(-window)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) quality(ctx context.Context, since time.Time) (Quality, error) {
	var (
		q                     Quality
		reporting, processing sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			AVG(EXTRACT(EPOCH FROM received_at - (report_date::timestamp AT TIME ZONE 'UTC')) / 3600)::float8,
			AVG(EXTRACT(EPOCH FROM created_at - received_at))::float8
		FROM reports
		WHERE received_at IS NOT NULL AND created_at >= $1
	`, since).Scan(&q.ReportsInWindow, &reporting, &processing)
	if err != nil {
		return q, fmt.Errorf("querying report latencies: %w", err)
	}
	if reporting.Valid {
		q.AvgReportingLatencyHours = &reporting.Float64
	}
	if processing.Valid {
		q.AvgProcessingLatencySeconds = &processing.Float64
	}
	return q, nil
}

// PathogenCount counts the classification changes of pathogenCode within
// window, in total and per resulting class.
func (s *Store) PathogenCount(ctx context.Context, pathogenCode string, window time.Duration) (*PathogenCount, error) {
	now := s.now().UTC()
	out := &PathogenCount{
		PathogenCode: pathogenCode,
		ByClass:      map[domain.CaseClass]int64{},
		WindowHours:  int(window.Hours()),
		QueriedAt:    now,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT case_class, COUNT(*)
		FROM metrics
		WHERE pathogen_code = $1 AND created_at >= $2
		GROUP BY case_class
	`, pathogenCode, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("counting metrics of %s: %w", pathogenCode, err)
	}
	if err := scanClassCounts(rows, out.ByClass); err != nil {
		return nil, err
	}
	for _, n := range out.ByClass {
		out.Count += n
	}
	return out, nil
}

// CaseHistory returns the classification changes of a case, oldest first.
func (s *Store) CaseHistory(ctx context.Context, caseID uuid.UUID) ([]domain.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, pathogen_code, report_date, case_class, created_at
		FROM metrics
		WHERE case_id = $1
		ORDER BY id
	`, caseID.String())
	if err != nil {
		return nil, fmt.Errorf("querying history of case %s: %w", caseID, err)
	}
	defer rows.Close()

	var history []domain.MetricRecord
	for rows.Next() {
		var (
			m     domain.MetricRecord
			id    string
			class string
		)
		if err := rows.Scan(&m.ID, &id, &m.PathogenCode, &m.ReportDate, &class, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		if m.CaseID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing case id %q: %w", id, err)
		}
		m.CaseClass = domain.CaseClass(class)
		m.ReportDate = domain.CalendarDate(m.ReportDate)
		history = append(history, m)
	}
	return history, rows.Err()
}

// ReportsByPathogen pages through the reports of a pathogen, newest report
// date first.
func (s *Store) ReportsByPathogen(ctx context.Context, pathogenCode string, limit, offset int) (*ReportPage, error) {
	page := &ReportPage{Limit: limit, Offset: offset, Reports: []*domain.CanonicalReport{}}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reports WHERE pathogen_code = $1", pathogenCode,
	).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("counting reports of %s: %w", pathogenCode, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, patient_ref, organization_ref, pathogen_code, report_date,
			lab_interpretation, clinical_manifestation, source_document_ref,
			schema_version, created_at, received_at
		FROM reports
		WHERE pathogen_code = $1
		ORDER BY report_date DESC, report_id
		LIMIT $2 OFFSET $3
	`, pathogenCode, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing reports of %s: %w", pathogenCode, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		page.Reports = append(page.Reports, r)
	}
	return page, rows.Err()
}

func scanReport(rows *sql.Rows) (*domain.CanonicalReport, error) {
	var (
		r                   domain.CanonicalReport
		id                  string
		org, interp, clinic sql.NullString
		received            sql.NullTime
	)
	err := rows.Scan(&id, &r.PatientRef, &org, &r.PathogenCode, &r.ReportDate,
		&interp, &clinic, &r.SourceDocumentRef, &r.SchemaVersion, &r.CreatedAt, &received)
	if err != nil {
		return nil, err
	}
	if r.ReportID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing report id %q: %w", id, err)
	}
	r.OrganizationRef = org.String
	r.LabInterpretation = domain.LabInterpretation(interp.String)
	r.ClinicalManifestation = clinic.String
	r.ReportDate = domain.CalendarDate(r.ReportDate)
	if received.Valid {
		t := received.Time.UTC()
		r.ReceivedAt = &t
	}
	return &r, nil
}

func scanClassCounts(rows *sql.Rows, into map[domain.CaseClass]int64) error {
	defer rows.Close()
	for rows.Next() {
		var (
			class string
			n     int64
		)
		if err := rows.Scan(&class, &n); err != nil {
			return fmt.Errorf("scanning class count: %w", err)
		}
		into[domain.CaseClass(class)] = n
	}
	return rows.Err()
}
