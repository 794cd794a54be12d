package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/domain"
)

func newReport(documentID, date string) *domain.CanonicalReport {
	return &domain.CanonicalReport{
		ReportID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID)),
		PatientRef:        "pat_1",
		PathogenCode:      "NG",
		ReportDate:        domain.MustParseDate(date),
		SourceDocumentRef: documentID,
		SchemaVersion:     "1.0.0",
	}
}

func TestMemoryStore_SaveOverwritesByReportID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := newReport("doc-1", "2024-03-01")
	require.NoError(t, s.Save(ctx, r))
	created := r.CreatedAt

	r2 := *r
	r2.LabInterpretation = domain.LAB_POSITIVE
	require.NoError(t, s.Save(ctx, &r2))

	got, err := s.GetByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LAB_POSITIVE, got.LabInterpretation)
	assert.Equal(t, created, got.CreatedAt)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_MatchTxIsStagedUntilSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cases := s.Cases()

	caseID := uuid.Must(uuid.NewV7())
	failure := errors.New("boom")
	err := cases.WithMatchLock(ctx, "pat_1", "NG", func(tx domain.MatchTx) error {
		require.NoError(t, tx.CreateCase(ctx, &domain.Case{
			CaseID: caseID, PatientRef: "pat_1", PathogenCode: "NG",
			AnchorDate: domain.MustParseDate("2024-03-01"), CaseClass: domain.UNCLASSIFIED,
		}))
		found, err := tx.CasesInWindow(ctx, "pat_1", "NG", domain.MustParseDate("2024-02-01"), domain.MustParseDate("2024-03-29"))
		require.NoError(t, err)
		assert.Len(t, found, 1, "staged case must be visible inside the transaction")
		return failure
	})
	require.ErrorIs(t, err, failure)

	_, err = cases.GetByID(ctx, caseID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, s.AllCases())
}

func TestMemoryStore_LinkReportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cases := s.Cases()
	reportID := uuid.New()
	first, second := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())

	for _, caseID := range []uuid.UUID{first, second} {
		caseID := caseID
		err := cases.WithMatchLock(ctx, "pat_1", "NG", func(tx domain.MatchTx) error {
			linked, err := tx.LinkReport(ctx, domain.CaseReportLink{ReportID: reportID, CaseID: caseID})
			require.NoError(t, err)
			assert.Equal(t, first, linked)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, s.Links(), 1)
}

func TestMemoryStore_WithCaseCommitsEvidenceClassAndMetric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cases := s.Cases()

	r := newReport("doc-1", "2024-03-20")
	r.LabInterpretation = domain.LAB_POSITIVE
	require.NoError(t, s.Save(ctx, r))

	caseID := uuid.Must(uuid.NewV7())
	require.NoError(t, cases.WithMatchLock(ctx, "pat_1", "NG", func(tx domain.MatchTx) error {
		if err := tx.CreateCase(ctx, &domain.Case{CaseID: caseID, PatientRef: "pat_1", PathogenCode: "NG",
			AnchorDate: r.ReportDate, CaseClass: domain.UNCLASSIFIED}); err != nil {
			return err
		}
		_, err := tx.LinkReport(ctx, domain.CaseReportLink{ReportID: r.ReportID, CaseID: caseID})
		return err
	}))

	lbDate := r.ReportDate
	err := cases.WithCase(ctx, caseID, func(c *domain.Case, tx domain.CaseTx) error {
		reports, err := tx.LinkedReports(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 1)

		require.NoError(t, tx.UpdateEvidence(ctx, domain.Evidence{LBDate: &lbDate, LBInterpretation: domain.LAB_POSITIVE}))
		require.NoError(t, tx.UpdateClassification(ctx, domain.CONFIRMED_CASE))
		return tx.AppendMetric(ctx, domain.MetricRecord{PathogenCode: "NG", ReportDate: lbDate, CaseClass: domain.CONFIRMED_CASE})
	})
	require.NoError(t, err)

	c, err := cases.GetByReport(ctx, r.ReportID)
	require.NoError(t, err)
	assert.Equal(t, domain.CONFIRMED_CASE, c.CaseClass)
	require.NotNil(t, c.LBDate)
	assert.True(t, c.LBDate.Equal(lbDate))

	metrics := s.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, caseID, metrics[0].CaseID)
	assert.Equal(t, int64(1), metrics[0].ID)
}

func TestMemoryStore_ListByKeyOrdersByAnchorDate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cases := s.Cases()

	later, earlier, other := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	require.NoError(t, cases.WithMatchLock(ctx, "pat_1", "NG", func(tx domain.MatchTx) error {
		for _, c := range []domain.Case{
			{CaseID: later, PatientRef: "pat_1", PathogenCode: "NG", AnchorDate: domain.MustParseDate("2024-06-01")},
			{CaseID: earlier, PatientRef: "pat_1", PathogenCode: "NG", AnchorDate: domain.MustParseDate("2024-01-01")},
			{CaseID: other, PatientRef: "pat_2", PathogenCode: "NG", AnchorDate: domain.MustParseDate("2024-01-01")},
		} {
			c.CaseClass = domain.UNCLASSIFIED
			if err := tx.CreateCase(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	}))

	listed, err := cases.ListByKey(ctx, "pat_1", "NG")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, earlier, listed[0].CaseID)
	assert.Equal(t, later, listed[1].CaseID)

	none, err := cases.ListByKey(ctx, "pat_1", "CT")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestKeyedMutex_SerializesSameKeyOnly(t *testing.T) {
	var km keyedMutex
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("same")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)

	// different keys do not block each other
	unlockA := km.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	unlockA()

	km.mu.Lock()
	assert.Empty(t, km.locks)
	km.mu.Unlock()
}
