package transform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/case-surveillance-pipeline/internal/domain"
	"github.com/case-surveillance-pipeline/internal/logging"
	"github.com/case-surveillance-pipeline/internal/pseudonym"
	"github.com/case-surveillance-pipeline/internal/testutil"
)

const mappingsDir = "../../mappings"

func newTransformer(t *testing.T) *Transformer {
	t.Helper()
	reg, err := LoadRegistry(mappingsDir, "1.0.0", logging.Discard())
	require.NoError(t, err)
	p, err := pseudonym.NewHashPseudonymizer("transform-test-secret-0001")
	require.NoError(t, err)
	return NewTransformer(reg, p, logging.Discard())
}

func rawDoc(b testutil.Bundle) *domain.RawDocument {
	content := b.JSON()
	return &domain.RawDocument{ID: "doc-" + b.ID, Content: content, ReceivedAt: time.Now()}
}

func TestTransform_PositiveLabReport(t *testing.T) {
	tr := newTransformer(t)
	doc := rawDoc(testutil.Bundle{
		ID:              "b1",
		ProfileVersion:  "1.0.0",
		Timestamp:       "2024-03-05T10:00:00+01:00",
		CompositionDate: "2024-03-04",
		AHV:             "756.1234.5678.97",
		GLN:             "7601000000001",
		TestCode:        "697-3",
		ResultCode:      testutil.SnomedPositive,
		EffectiveDate:   "2024-03-03T09:00:00+01:00",
		SpecimenDate:    "2024-03-01T00:30:00+01:00",
	})

	report, err := tr.Transform(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, ReportIDFor(doc.ID), report.ReportID)
	assert.Equal(t, "neisseria_gonorrhoeae", report.PathogenCode)
	assert.Equal(t, domain.LAB_POSITIVE, report.LabInterpretation)
	assert.Equal(t, domain.MustParseDate("2024-03-01"), report.ReportDate, "specimen collection date wins and keeps its local day")
	assert.Equal(t, "1.0.0", report.SchemaVersion)
	assert.Equal(t, doc.ID, report.SourceDocumentRef)
	assert.Contains(t, report.PatientRef, "pat_")
	assert.Contains(t, report.OrganizationRef, "org_")
	assert.Empty(t, report.ClinicalManifestation)
	require.NotNil(t, report.ReceivedAt)
	assert.True(t, doc.ReceivedAt.Equal(*report.ReceivedAt))

	again, err := tr.Transform(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, report.ReportID, again.ReportID)
	assert.Equal(t, report.PatientRef, again.PatientRef)
}

func TestTransform_ReportDatePrecedence(t *testing.T) {
	tr := newTransformer(t)
	base := testutil.Bundle{AHV: "7561234567897", TestCode: "21613-5", ResultCode: testutil.SnomedNegative}

	tests := []struct {
		name string
		mod  func(b *testutil.Bundle)
		want string
	}{
		{"effective date", func(b *testutil.Bundle) {
			b.EffectiveDate = "2024-03-03"
			b.CompositionDate = "2024-03-04"
		}, "2024-03-03"},
		{"composition date", func(b *testutil.Bundle) {
			b.CompositionDate = "2024-03-04T12:00:00Z"
			b.Timestamp = "2024-03-05T00:00:00Z"
		}, "2024-03-04"},
		{"bundle timestamp", func(b *testutil.Bundle) {
			b.Timestamp = "2024-03-05T08:15:00Z"
		}, "2024-03-05"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base
			b.ID = "prec-" + string(rune('a'+i))
			tt.mod(&b)
			report, err := tr.Transform(context.Background(), rawDoc(b))
			require.NoError(t, err)
			assert.Equal(t, domain.MustParseDate(tt.want), report.ReportDate)
			assert.Equal(t, domain.LAB_NEGATIVE, report.LabInterpretation)
			assert.Equal(t, "1.0.0", report.SchemaVersion, "default version when the profile has none")
		})
	}
}

func TestTransform_InterpretationFallbackAndClinical(t *testing.T) {
	tr := newTransformer(t)

	report, err := tr.Transform(context.Background(), rawDoc(testutil.Bundle{
		ID: "interp", AHV: "7561234567897", TestCode: "5292-8", InterpretCode: "POS", EffectiveDate: "2024-02-01",
	}))
	require.NoError(t, err)
	assert.Equal(t, "treponema_pallidum", report.PathogenCode)
	assert.Equal(t, domain.LAB_POSITIVE, report.LabInterpretation)

	report, err = tr.Transform(context.Background(), rawDoc(testutil.Bundle{
		ID: "clinical", AHV: "7561234567897", WithoutObservation: true,
		ConditionCode: "15628003", ConditionText: "urethritis", CompositionDate: "2024-02-10",
	}))
	require.NoError(t, err)
	assert.Equal(t, "neisseria_gonorrhoeae", report.PathogenCode)
	assert.Equal(t, domain.LAB_ABSENT, report.LabInterpretation)
	assert.Equal(t, "urethritis", report.ClinicalManifestation)
	assert.Equal(t, domain.MustParseDate("2024-02-10"), report.ReportDate)

	report, err = tr.Transform(context.Background(), rawDoc(testutil.Bundle{
		ID: "inconclusive", AHV: "7561234567897", TestCode: "697-3", ResultCode: "419984006", EffectiveDate: "2024-02-01",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.LAB_ABSENT, report.LabInterpretation)
}

func TestTransform_Failures(t *testing.T) {
	tr := newTransformer(t)
	ctx := context.Background()

	t.Run("unknown pathogen code", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x1", AHV: "7561234567897", TestCode: "99999-9", EffectiveDate: "2024-01-01"}))
		var uErr *domain.UnmappableCodeError
		require.ErrorAs(t, err, &uErr)
		assert.Equal(t, "pathogen", uErr.Field)
		assert.Equal(t, "99999-9", uErr.Code)
		assert.True(t, domain.IsTerminal(err))
	})

	t.Run("unknown test code is not rescued by the condition", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{
			ID: "x1b", AHV: "7561234567897", TestCode: "99999-9", ResultCode: testutil.SnomedPositive,
			EffectiveDate: "2024-01-01", ConditionCode: "15628003", ConditionText: "urethritis",
		}))
		var uErr *domain.UnmappableCodeError
		require.ErrorAs(t, err, &uErr)
		assert.Equal(t, "pathogen", uErr.Field)
		assert.Equal(t, "99999-9", uErr.Code)
	})

	t.Run("unknown result code", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x2", AHV: "7561234567897", TestCode: "697-3", ResultCode: "123456", EffectiveDate: "2024-01-01"}))
		var uErr *domain.UnmappableCodeError
		require.ErrorAs(t, err, &uErr)
		assert.Equal(t, "result", uErr.Field)
	})

	t.Run("unknown schema version", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x3", ProfileVersion: "9.9.9", AHV: "7561234567897", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
		assert.ErrorIs(t, err, domain.ErrUnmappableCode)
	})

	t.Run("missing patient", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x4", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
		assert.ErrorIs(t, err, domain.ErrInvalidDocument)
	})

	t.Run("AHV number with too few digits", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x5", AHV: "756.1234.5678", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
		assert.ErrorIs(t, err, domain.ErrInvalidDocument)
	})

	t.Run("missing date", func(t *testing.T) {
		_, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "x6", AHV: "7561234567897", TestCode: "697-3"}))
		assert.ErrorIs(t, err, domain.ErrInvalidDocument)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := tr.Transform(ctx, &domain.RawDocument{ID: "x7", Content: []byte("<xml/>")})
		assert.ErrorIs(t, err, domain.ErrInvalidDocument)
	})
}

func TestParser_PatientIdentifierPreference(t *testing.T) {
	doc, err := FHIRBundleParser{}.Parse(testutil.Bundle{PatientLocal: "local-1", AHV: "7561234567897", TestCode: "697-3"}.JSON())
	require.NoError(t, err)
	assert.Equal(t, "7561234567897", doc.PatientID)

	doc, err = FHIRBundleParser{}.Parse(testutil.Bundle{PatientLocal: "local-1", TestCode: "697-3", ProfileVersion: "1.1.0"}.JSON())
	require.NoError(t, err)
	assert.Equal(t, "urn:oid:2.16.756.5.30.999|local-1", doc.PatientID)
	assert.Equal(t, "1.1.0", doc.SchemaVersion)
}

func TestTransform_LocalPatientIdsStayDistinct(t *testing.T) {
	tr := newTransformer(t)
	ctx := context.Background()

	a, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "local-a", PatientLocal: "PID-A-12", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
	require.NoError(t, err)
	b, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "local-b", PatientLocal: "PID-B-12", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
	require.NoError(t, err)
	assert.NotEqual(t, a.PatientRef, b.PatientRef)

	again, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "local-a2", PatientLocal: " PID-A-12 ", TestCode: "697-3", EffectiveDate: "2024-01-02"}))
	require.NoError(t, err)
	assert.Equal(t, a.PatientRef, again.PatientRef)

	ahv, err := tr.Transform(ctx, rawDoc(testutil.Bundle{ID: "local-ahv", AHV: "7561234567897", PatientLocal: "PID-A-12", TestCode: "697-3", EffectiveDate: "2024-01-01"}))
	require.NoError(t, err)
	assert.NotEqual(t, a.PatientRef, ahv.PatientRef, "the AHV number is preferred over the local id")
}

func TestMappingTable_Validation(t *testing.T) {
	_, err := ParseMappingTable([]byte(`pathogens: []`))
	assert.Error(t, err, "version is required")

	_, err = ParseMappingTable([]byte(`
version: "x"
results:
  - {system: s, code: c, interpretation: maybe}
`))
	assert.Error(t, err)

	_, err = ParseMappingTable([]byte(`
version: "x"
pathogens:
  - {system: s, code: c, pathogen: p}
  - {system: s, code: c, pathogen: q}
`))
	assert.Error(t, err)

	table, err := ParseMappingTable([]byte(`
version: "x"
pathogens:
  - {system: " s ", code: c, pathogen: p}
`))
	require.NoError(t, err)
	p, ok := table.Pathogen("s", "c")
	assert.True(t, ok)
	assert.Equal(t, "p", p)
}

func TestRegistry_VersionsAndLookup(t *testing.T) {
	reg, err := LoadRegistry(mappingsDir, "1.0.0", logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, reg.Versions())

	t10, err := reg.Lookup("")
	require.NoError(t, err)
	_, ok := t10.Pathogen(testutil.LOINC, "43305-2")
	assert.False(t, ok)

	t11, err := reg.Lookup("1.1.0")
	require.NoError(t, err)
	_, ok = t11.Pathogen(testutil.LOINC, "43305-2")
	assert.True(t, ok)

	_, err = LoadRegistry(mappingsDir, "2.0.0", logging.Discard())
	assert.Error(t, err)
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("v1.yaml", "version: \"1\"\npathogens:\n  - {system: s, code: a, pathogen: p}\n")

	reg, err := LoadRegistry(dir, "1", logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	write("v2.yaml", "version: \"2\"\npathogens:\n  - {system: s, code: b, pathogen: q}\n")

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("2")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	// a broken file keeps the previous tables active
	write("broken.yaml", "version: [")
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, reg.Versions())
}
