package readmodel

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/domain"
)

var fixedNow = time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func TestSummary(t *testing.T) {
	store, mock := setupTestDB(t)
	last := fixedNow.Add(-time.Hour)

	mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM metrics WHERE created_at >=").
		WithArgs(fixedNow.Add(-DefaultWindow)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT case_class, COUNT\\(\\*\\) FROM cases GROUP BY case_class").
		WillReturnRows(sqlmock.NewRows([]string{"case_class", "count"}).
			AddRow("CONFIRMED_CASE", 4).
			AddRow("PROBABLE_CASE", 2).
			AddRow("UNCLASSIFIED", 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), (.+) FROM reports WHERE received_at IS NOT NULL AND created_at >= \\$1").
		WithArgs(fixedNow.Add(-DefaultWindow)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "reporting", "processing"}).AddRow(5, 30.5, 2.25))

	summary, err := store.Summary(context.Background(), DefaultWindow)
	require.NoError(t, err)

	require.NotNil(t, summary.LastUpdated)
	assert.True(t, last.Equal(*summary.LastUpdated))
	assert.Equal(t, int64(7), summary.ChangesInWindow)
	assert.Equal(t, 24, summary.WindowHours)
	assert.Equal(t, int64(4), summary.CasesByClass[domain.CONFIRMED_CASE])
	assert.Equal(t, int64(2), summary.CasesByClass[domain.PROBABLE_CASE])
	assert.Zero(t, summary.CasesByClass[domain.NOT_A_CASE])
	assert.Equal(t, int64(5), summary.Quality.ReportsInWindow)
	require.NotNil(t, summary.Quality.AvgReportingLatencyHours)
	assert.InDelta(t, 30.5, *summary.Quality.AvgReportingLatencyHours, 1e-9)
	require.NotNil(t, summary.Quality.AvgProcessingLatencySeconds)
	assert.InDelta(t, 2.25, *summary.Quality.AvgProcessingLatencySeconds, 1e-9)
	assert.Equal(t, fixedNow, summary.QueriedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummary_EmptyMetrics(t *testing.T) {
	store, mock := setupTestDB(t)

	mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM cases GROUP BY case_class").
		WillReturnRows(sqlmock.NewRows([]string{"case_class", "count"}))
	mock.ExpectQuery("FROM reports WHERE received_at IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count", "reporting", "processing"}).AddRow(0, nil, nil))

	summary, err := store.Summary(context.Background(), DefaultWindow)
	require.NoError(t, err)
	assert.Nil(t, summary.LastUpdated)
	assert.Zero(t, summary.ChangesInWindow)
	assert.Empty(t, summary.CasesByClass)
	assert.Zero(t, summary.Quality.ReportsInWindow)
	assert.Nil(t, summary.Quality.AvgReportingLatencyHours)
	assert.Nil(t, summary.Quality.AvgProcessingLatencySeconds)
}

func TestSummary_LatencyQueryError(t *testing.T) {
	store, mock := setupTestDB(t)

	mock.ExpectQuery("SELECT MAX\\(created_at\\) FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM cases GROUP BY case_class").
		WillReturnRows(sqlmock.NewRows([]string{"case_class", "count"}))
	mock.ExpectQuery("FROM reports WHERE received_at IS NOT NULL").WillReturnError(sql.ErrConnDone)

	_, err := store.Summary(context.Background(), DefaultWindow)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummary_QueryError(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT MAX").WillReturnError(sql.ErrConnDone)

	_, err := store.Summary(context.Background(), DefaultWindow)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPathogenCount(t *testing.T) {
	store, mock := setupTestDB(t)

	mock.ExpectQuery("SELECT case_class, COUNT\\(\\*\\) FROM metrics WHERE pathogen_code = \\$1").
		WithArgs("neisseria_gonorrhoeae", fixedNow.Add(-6*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"case_class", "count"}).
			AddRow("CONFIRMED_CASE", 3).
			AddRow("NOT_A_CASE", 1))

	count, err := store.PathogenCount(context.Background(), "neisseria_gonorrhoeae", 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "neisseria_gonorrhoeae", count.PathogenCode)
	assert.Equal(t, int64(4), count.Count)
	assert.Equal(t, int64(3), count.ByClass[domain.CONFIRMED_CASE])
	assert.Equal(t, 6, count.WindowHours)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseHistory(t *testing.T) {
	store, mock := setupTestDB(t)
	caseID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM metrics WHERE case_id = \\$1 ORDER BY id").
		WithArgs(caseID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "case_id", "pathogen_code", "report_date", "case_class", "created_at"}).
			AddRow(1, caseID.String(), "neisseria_gonorrhoeae", domain.MustParseDate("2024-03-01"), "PROBABLE_CASE", fixedNow).
			AddRow(2, caseID.String(), "neisseria_gonorrhoeae", domain.MustParseDate("2024-03-20"), "CONFIRMED_CASE", fixedNow))

	history, err := store.CaseHistory(context.Background(), caseID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, caseID, history[0].CaseID)
	assert.Equal(t, domain.PROBABLE_CASE, history[0].CaseClass)
	assert.Equal(t, domain.CONFIRMED_CASE, history[1].CaseClass)
	assert.Equal(t, domain.MustParseDate("2024-03-20"), history[1].ReportDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportsByPathogen(t *testing.T) {
	store, mock := setupTestDB(t)
	reportID := uuid.New()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM reports WHERE pathogen_code = \\$1").
		WithArgs("chlamydia_trachomatis").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery("SELECT (.+) FROM reports WHERE pathogen_code = \\$1 ORDER BY report_date DESC").
		WithArgs("chlamydia_trachomatis", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"report_id", "patient_ref", "organization_ref", "pathogen_code", "report_date",
			"lab_interpretation", "clinical_manifestation", "source_document_ref", "schema_version", "created_at", "received_at",
		}).AddRow(reportID.String(), "pat_1", nil, "chlamydia_trachomatis", domain.MustParseDate("2024-03-02"),
			"POSITIVE", nil, "doc-1", "1.0.0", fixedNow, fixedNow.Add(-time.Minute)))

	page, err := store.ReportsByPathogen(context.Background(), "chlamydia_trachomatis", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(11), page.Total)
	require.Len(t, page.Reports, 1)
	r := page.Reports[0]
	assert.Equal(t, reportID, r.ReportID)
	assert.Equal(t, domain.LAB_POSITIVE, r.LabInterpretation)
	assert.Empty(t, r.OrganizationRef)
	assert.Empty(t, r.ClinicalManifestation)
	require.NotNil(t, r.ReceivedAt)
	assert.True(t, fixedNow.Add(-time.Minute).Equal(*r.ReceivedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
