package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// ReportRepository handles canonical report persistence
type ReportRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReportRepository {
	return &ReportRepository{
		db:  db,
		log: logger,
	}
}

const reportColumns = `report_id, patient_ref, organization_ref, pathogen_code, report_date,
	lab_interpretation, clinical_manifestation, source_document_ref, schema_version, created_at, received_at`

// Save writes the report, overwriting any previous row with the same id.
func (r *ReportRepository) Save(ctx context.Context, report *domain.CanonicalReport) error {
	query := `
		INSERT INTO reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
		ON CONFLICT (report_id) DO UPDATE SET
			patient_ref = EXCLUDED.patient_ref,
			organization_ref = EXCLUDED.organization_ref,
			pathogen_code = EXCLUDED.pathogen_code,
			report_date = EXCLUDED.report_date,
			lab_interpretation = EXCLUDED.lab_interpretation,
			clinical_manifestation = EXCLUDED.clinical_manifestation,
			source_document_ref = EXCLUDED.source_document_ref,
			schema_version = EXCLUDED.schema_version,
			received_at = COALESCE(EXCLUDED.received_at, reports.received_at)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		report.ReportID,
		report.PatientRef,
		nullableString(report.OrganizationRef),
		report.PathogenCode,
		domain.CalendarDate(report.ReportDate),
		nullableString(string(report.LabInterpretation)),
		nullableString(report.ClinicalManifestation),
		report.SourceDocumentRef,
		report.SchemaVersion,
		report.ReceivedAt,
	).Scan(&report.CreatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"report_id":   report.ReportID,
			"document_id": report.SourceDocumentRef,
			"error":       err,
		}).Error("Failed to save report")
		return wrapErr("saving report", err)
	}

	r.log.WithFields(report.LogFields()).Debug("Report saved")
	return nil
}

// GetByID retrieves a report by its id
func (r *ReportRepository) GetByID(ctx context.Context, reportID uuid.UUID) (*domain.CanonicalReport, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE report_id = $1`

	report, err := scanReport(r.db.QueryRow(ctx, query, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s not found: %w", reportID, domain.ErrNotFound)
		}
		return nil, wrapErr("getting report by ID", err)
	}
	return report, nil
}

// GetByDocument retrieves the report produced from a raw document
func (r *ReportRepository) GetByDocument(ctx context.Context, documentID string) (*domain.CanonicalReport, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE source_document_ref = $1`

	report, err := scanReport(r.db.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report for document %s not found: %w", documentID, domain.ErrNotFound)
		}
		return nil, wrapErr("getting report by document", err)
	}
	return report, nil
}

func scanReport(row pgx.Row) (*domain.CanonicalReport, error) {
	var (
		report                             domain.CanonicalReport
		organizationRef, lab, manifestation *string
	)

	err := row.Scan(
		&report.ReportID,
		&report.PatientRef,
		&organizationRef,
		&report.PathogenCode,
		&report.ReportDate,
		&lab,
		&manifestation,
		&report.SourceDocumentRef,
		&report.SchemaVersion,
		&report.CreatedAt,
		&report.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	report.OrganizationRef = derefString(organizationRef)
	report.LabInterpretation = domain.LabInterpretation(derefString(lab))
	report.ClinicalManifestation = derefString(manifestation)
	return &report, nil
}
