package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/classifier"
	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/events"
	"github.com/case-surveillance-pipeline/internal/evidence"
	"github.com/case-surveillance-pipeline/internal/ingestion"
	"github.com/case-surveillance-pipeline/internal/logging"
	"github.com/case-surveillance-pipeline/internal/matcher"
	"github.com/case-surveillance-pipeline/internal/objectstore"
	"github.com/case-surveillance-pipeline/internal/parking"
	"github.com/case-surveillance-pipeline/internal/pseudonym"
	"github.com/case-surveillance-pipeline/internal/repository"
	"github.com/case-surveillance-pipeline/internal/testutil"
	"github.com/case-surveillance-pipeline/internal/transform"
)

type harness struct {
	ingest  *ingestion.Service
	bus     *events.MemoryBus
	store   *repository.MemoryStore
	parked  *parking.SQLiteStore
	metrics *Metrics
	stages  *Stages
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Discard()

	blobs, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	registry, err := transform.LoadRegistry("../../mappings", "1.0.0", logger)
	require.NoError(t, err)
	pseudonyms, err := pseudonym.NewHashPseudonymizer("pipeline-test-secret-0123456789")
	require.NoError(t, err)
	parked, err := parking.NewSQLiteStore(filepath.Join(t.TempDir(), "parked.db"))
	require.NoError(t, err)
	t.Cleanup(func() { parked.Close() })

	bus := events.NewMemoryBus()
	store := repository.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())

	ingest := ingestion.NewService(blobs, bus, logger)
	stages := NewStages(StageDeps{
		Documents:   ingest,
		Transformer: transform.NewTransformer(registry, pseudonyms, logger),
		Reports:     store.Reports(),
		Matcher:     matcher.NewService(store.Cases(), bus, 0, logger),
		Evidence:    evidence.NewAggregator(store.Cases(), classifier.New(bus, logger), logger),
		Publisher:   bus,
		Metrics:     metrics,
	}, logger)

	return &harness{
		ingest:  ingest,
		bus:     bus,
		store:   store,
		parked:  parked,
		metrics: metrics,
		stages:  stages,
	}
}

// run starts the workers and returns a function that waits for the bus to
// drain.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	runner := NewRunner(h.bus, h.parked, h.stages.Handlers(), h.metrics, RunnerConfig{
		Policy: events.Policy{
			MaxDeliveries:  3,
			HandlerRetries: 1,
			RetryInitial:   time.Millisecond,
			RetryMax:       5 * time.Millisecond,
		},
		Concurrency:  2,
		ConsumerName: "test",
	}, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return func() {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer waitCancel()
		require.NoError(t, h.bus.WaitIdle(waitCtx))
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	drain := h.run(t)
	ctx := context.Background()

	_, err := h.ingest.Store(ctx, testutil.Bundle{
		ID: "report-a", ProfileVersion: "1.0.0", AHV: "756.1234.5678.97",
		TestCode: "697-3", EffectiveDate: "2024-03-01",
	}.JSON(), time.Now())
	require.NoError(t, err)
	drain()

	cases := h.store.AllCases()
	require.Len(t, cases, 1)
	assert.Equal(t, domain.UNCLASSIFIED, cases[0].CaseClass)
	assert.Equal(t, "neisseria_gonorrhoeae", cases[0].PathogenCode)

	_, err = h.ingest.Store(ctx, testutil.Bundle{
		ID: "report-b", ProfileVersion: "1.0.0", AHV: "7561234567897",
		TestCode: "697-3", ResultCode: testutil.SnomedPositive, EffectiveDate: "2024-03-20",
	}.JSON(), time.Now())
	require.NoError(t, err)
	drain()

	cases = h.store.AllCases()
	require.Len(t, cases, 1, "19 days apart is the same case")
	c := cases[0]
	assert.Equal(t, domain.CONFIRMED_CASE, c.CaseClass)
	require.NotNil(t, c.LBDate)
	assert.Equal(t, domain.MustParseDate("2024-03-20"), *c.LBDate)
	assert.Equal(t, domain.MustParseDate("2024-03-01"), c.AnchorDate)
	assert.Len(t, h.store.Links(), 2)

	metrics := h.store.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, domain.CONFIRMED_CASE, metrics[0].CaseClass)

	assert.Len(t, h.bus.Published(domain.StreamClassifications), 1)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Classifications.WithLabelValues(string(domain.CONFIRMED_CASE))))
	assert.Equal(t, float64(2), promtest.ToFloat64(h.metrics.Reports.WithLabelValues("neisseria_gonorrhoeae")))

	count, err := h.parked.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipeline_RedeliveredDocumentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	drain := h.run(t)
	ctx := context.Background()

	raw := testutil.Bundle{
		ID: "dup", ProfileVersion: "1.0.0", AHV: "7561234567897",
		TestCode: "21613-5", ResultCode: testutil.SnomedNegative, EffectiveDate: "2024-04-02",
	}.JSON()
	id, err := h.ingest.Store(ctx, raw, time.Now())
	require.NoError(t, err)
	drain()

	// the same announcement delivered again
	require.NoError(t, h.bus.Publish(ctx, domain.DocumentStored{DocumentID: id, ReceivedAt: time.Now()}))
	drain()

	cases := h.store.AllCases()
	require.Len(t, cases, 1)
	assert.Equal(t, domain.NOT_A_CASE, cases[0].CaseClass)
	assert.Len(t, h.store.Links(), 1)
	assert.Len(t, h.store.Metrics(), 1, "reclassifying to the same class writes no metric")
}

func TestPipeline_UnmappableDocumentIsParked(t *testing.T) {
	h := newHarness(t)
	drain := h.run(t)
	ctx := context.Background()

	_, err := h.ingest.Store(ctx, testutil.Bundle{
		ID: "unknown", ProfileVersion: "1.0.0", AHV: "7561234567897",
		TestCode: "99999-9", EffectiveDate: "2024-04-02",
	}.JSON(), time.Now())
	require.NoError(t, err)
	drain()

	assert.Empty(t, h.store.AllCases())

	list, err := h.parked.List(ctx, 10, 0, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StreamDocuments, list[0].Stream)
	assert.Equal(t, domain.DOCUMENT_STORED, list[0].EventType)
	assert.Equal(t, int64(1), list[0].Attempts, "terminal errors park on the first delivery")
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Rejected.WithLabelValues("unmappable_code")))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Messages.WithLabelValues(domain.StreamDocuments, string(events.OutcomeParked))))
}

func TestStages_UnknownReferencesAreInvariantViolations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg := func(stream string, event domain.Event) events.Message {
		bus := events.NewMemoryBus()
		require.NoError(t, bus.Publish(ctx, event))
		return bus.Published(stream)[0]
	}

	err := h.stages.HandleReportProduced(ctx, msg(domain.StreamReports, domain.ReportProduced{ReportID: transform.ReportIDFor("missing")}))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	err = h.stages.HandleCaseLinked(ctx, msg(domain.StreamCases, domain.CaseLinked{CaseID: transform.ReportIDFor("missing")}))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	err = h.stages.HandleDocumentStored(ctx, msg(domain.StreamDocuments, domain.DocumentStored{DocumentID: ingestion.DocumentID([]byte("never stored"))}))
	assert.ErrorIs(t, err, domain.ErrInvalidDocument)

	err = h.stages.HandleCaseLinked(ctx, events.Message{Stream: domain.StreamCases, ID: "1-0", Type: domain.CASE_LINKED, Payload: []byte("{")})
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
}
