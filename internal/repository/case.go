package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// CaseRepository handles case, link and metric persistence.
//
// Find-or-create is serialized per (patient_ref, pathogen_code) with a
// transaction-scoped advisory lock; unrelated keys never contend.
type CaseRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewCaseRepository creates a new case repository
func NewCaseRepository(db *pgxpool.Pool, logger *logrus.Logger) *CaseRepository {
	return &CaseRepository{
		db:  db,
		log: logger,
	}
}

const caseColumns = `case_id, patient_ref, pathogen_code, anchor_date, case_class,
	lb_date, lb_interpretation, kb_date, kb_manifestation, created_at, updated_at`

// matchKey is the advisory lock key for a patient and pathogen.
func matchKey(patientRef, pathogenCode string) string {
	return patientRef + "\x00" + pathogenCode
}

// WithMatchLock runs fn in a transaction holding the advisory lock for the key.
func (r *CaseRepository) WithMatchLock(ctx context.Context, patientRef, pathogenCode string, fn func(tx domain.MatchTx) error) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, matchKey(patientRef, pathogenCode)); err != nil {
			return wrapErr("acquiring match lock", err)
		}
		return fn(&pgMatchTx{tx: tx, log: r.log})
	})
}

// WithCase runs fn in a transaction holding the row lock of the case.
func (r *CaseRepository) WithCase(ctx context.Context, caseID uuid.UUID, fn func(c *domain.Case, tx domain.CaseTx) error) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = $1 FOR UPDATE`, caseID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("case %s not found: %w", caseID, domain.ErrNotFound)
			}
			return wrapErr("locking case", err)
		}
		return fn(c, &pgCaseTx{tx: tx, caseID: caseID})
	})
}

// GetByID retrieves a case by its ID
func (r *CaseRepository) GetByID(ctx context.Context, caseID uuid.UUID) (*domain.Case, error) {
	c, err := scanCase(r.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = $1`, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("case %s not found: %w", caseID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"case_id": caseID,
			"error":   err,
		}).Error("Failed to get case by ID")
		return nil, wrapErr("getting case by ID", err)
	}
	return c, nil
}

// GetByReport retrieves the case a report is linked to
func (r *CaseRepository) GetByReport(ctx context.Context, reportID uuid.UUID) (*domain.Case, error) {
	query := `
		SELECT c.case_id, c.patient_ref, c.pathogen_code, c.anchor_date, c.case_class,
			c.lb_date, c.lb_interpretation, c.kb_date, c.kb_manifestation, c.created_at, c.updated_at
		FROM cases c
		JOIN case_report_links l ON l.case_id = c.case_id
		WHERE l.report_id = $1`

	c, err := scanCase(r.db.QueryRow(ctx, query, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("case for report %s not found: %w", reportID, domain.ErrNotFound)
		}
		return nil, wrapErr("getting case by report", err)
	}
	return c, nil
}

// ListByKey retrieves every case of a patient and pathogen
func (r *CaseRepository) ListByKey(ctx context.Context, patientRef, pathogenCode string) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + `
		FROM cases
		WHERE patient_ref = $1 AND pathogen_code = $2
		ORDER BY anchor_date, case_id`

	rows, err := r.db.Query(ctx, query, patientRef, pathogenCode)
	if err != nil {
		return nil, wrapErr("listing cases by key", err)
	}
	defer rows.Close()

	cases := []*domain.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, wrapErr("scanning case row", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating case rows", err)
	}
	return cases, nil
}

func (r *CaseRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, r.db, fn)
	if err != nil && isTransient(err) && !errors.Is(err, domain.ErrTransientDependency) {
		return wrapErr("case transaction", err)
	}
	return err
}

type pgMatchTx struct {
	tx  pgx.Tx
	log *logrus.Logger
}

func (t *pgMatchTx) LinkedCaseID(ctx context.Context, reportID uuid.UUID) (uuid.UUID, bool, error) {
	var caseID uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT case_id FROM case_report_links WHERE report_id = $1`, reportID).Scan(&caseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, wrapErr("looking up link", err)
	}
	return caseID, true, nil
}

func (t *pgMatchTx) CasesInWindow(ctx context.Context, patientRef, pathogenCode string, from, to time.Time) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + `
		FROM cases
		WHERE patient_ref = $1 AND pathogen_code = $2 AND anchor_date BETWEEN $3 AND $4
		ORDER BY anchor_date, case_id`

	rows, err := t.tx.Query(ctx, query, patientRef, pathogenCode, domain.CalendarDate(from), domain.CalendarDate(to))
	if err != nil {
		return nil, wrapErr("querying candidate cases", err)
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, wrapErr("scanning case row", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating case rows", err)
	}
	return cases, nil
}

func (t *pgMatchTx) CreateCase(ctx context.Context, c *domain.Case) error {
	query := `
		INSERT INTO cases (case_id, patient_ref, pathogen_code, anchor_date, case_class)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := t.tx.QueryRow(ctx, query,
		c.CaseID,
		c.PatientRef,
		c.PathogenCode,
		domain.CalendarDate(c.AnchorDate),
		string(c.CaseClass),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"case_id": c.CaseID,
			"error":   err,
		}).Error("Failed to create case")
		return wrapErr("creating case", err)
	}
	return nil
}

func (t *pgMatchTx) LinkReport(ctx context.Context, link domain.CaseReportLink) (uuid.UUID, error) {
	query := `
		WITH inserted AS (
			INSERT INTO case_report_links (report_id, case_id)
			VALUES ($1, $2)
			ON CONFLICT (report_id) DO NOTHING
			RETURNING case_id
		)
		SELECT case_id FROM inserted
		UNION ALL
		SELECT case_id FROM case_report_links WHERE report_id = $1
		LIMIT 1`

	var linked uuid.UUID
	if err := t.tx.QueryRow(ctx, query, link.ReportID, link.CaseID).Scan(&linked); err != nil {
		return uuid.Nil, wrapErr("linking report", err)
	}
	return linked, nil
}

type pgCaseTx struct {
	tx     pgx.Tx
	caseID uuid.UUID
}

func (t *pgCaseTx) LinkedReports(ctx context.Context) ([]*domain.CanonicalReport, error) {
	query := `
		SELECT r.report_id, r.patient_ref, r.organization_ref, r.pathogen_code, r.report_date,
			r.lab_interpretation, r.clinical_manifestation, r.source_document_ref, r.schema_version, r.created_at,
			r.received_at
		FROM reports r
		JOIN case_report_links l ON l.report_id = r.report_id
		WHERE l.case_id = $1
		ORDER BY r.report_date, r.report_id`

	rows, err := t.tx.Query(ctx, query, t.caseID)
	if err != nil {
		return nil, wrapErr("querying linked reports", err)
	}
	defer rows.Close()

	var reports []*domain.CanonicalReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, wrapErr("scanning report row", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating report rows", err)
	}
	return reports, nil
}

func (t *pgCaseTx) UpdateEvidence(ctx context.Context, ev domain.Evidence) error {
	query := `
		UPDATE cases
		SET lb_date = $2, lb_interpretation = $3, kb_date = $4, kb_manifestation = $5, updated_at = NOW()
		WHERE case_id = $1`

	_, err := t.tx.Exec(ctx, query,
		t.caseID,
		ev.LBDate,
		nullableString(string(ev.LBInterpretation)),
		ev.KBDate,
		nullableString(ev.KBManifestation),
	)
	if err != nil {
		return wrapErr("updating evidence", err)
	}
	return nil
}

func (t *pgCaseTx) UpdateClassification(ctx context.Context, class domain.CaseClass) error {
	_, err := t.tx.Exec(ctx, `UPDATE cases SET case_class = $2, updated_at = NOW() WHERE case_id = $1`, t.caseID, string(class))
	if err != nil {
		return wrapErr("updating classification", err)
	}
	return nil
}

func (t *pgCaseTx) AppendMetric(ctx context.Context, m domain.MetricRecord) error {
	query := `
		INSERT INTO metrics (case_id, pathogen_code, report_date, case_class)
		VALUES ($1, $2, $3, $4)`

	_, err := t.tx.Exec(ctx, query, t.caseID, m.PathogenCode, domain.CalendarDate(m.ReportDate), string(m.CaseClass))
	if err != nil {
		return wrapErr("appending metric record", err)
	}
	return nil
}

func scanCase(row pgx.Row) (*domain.Case, error) {
	var (
		c             domain.Case
		class         string
		lab, manifest *string
	)

	err := row.Scan(
		&c.CaseID,
		&c.PatientRef,
		&c.PathogenCode,
		&c.AnchorDate,
		&class,
		&c.LBDate,
		&lab,
		&c.KBDate,
		&manifest,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.CaseClass = domain.CaseClass(class)
	c.LBInterpretation = domain.LabInterpretation(derefString(lab))
	c.KBManifestation = derefString(manifest)
	return &c, nil
}
