package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCaseClassIsValid(t *testing.T) {
	tests := []struct {
		class CaseClass
		valid bool
	}{
		{UNCLASSIFIED, true},
		{PROBABLE_CASE, true},
		{CONFIRMED_CASE, true},
		{NOT_A_CASE, true},
		{CaseClass("SUSPECTED"), false},
		{CaseClass(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := tt.class.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestEvidencePresence(t *testing.T) {
	d := MustParseDate("2024-01-02")

	if (Evidence{}).HasLab() {
		t.Error("empty evidence should have no lab evidence")
	}
	if (Evidence{LBInterpretation: LAB_POSITIVE}).HasLab() {
		t.Error("lab evidence without a date should not count")
	}
	if !(Evidence{LBDate: &d, LBInterpretation: LAB_NEGATIVE}).HasLab() {
		t.Error("expected lab evidence")
	}
	if (Evidence{KBDate: &d, KBManifestation: "   "}).HasClinical() {
		t.Error("blank manifestation should not count as clinical evidence")
	}
	if !(Evidence{KBDate: &d, KBManifestation: "rash"}).HasClinical() {
		t.Error("expected clinical evidence")
	}
}

func TestDaysApart(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2024-03-01", "2024-03-01", 0},
		{"2024-03-01", "2024-03-29", 28},
		{"2024-03-29", "2024-03-01", 28},
		{"2024-03-01", "2024-03-30", 29},
		{"2024-02-28", "2024-03-01", 2}, // leap year
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			if got := DaysApart(MustParseDate(tt.a), MustParseDate(tt.b)); got != tt.want {
				t.Errorf("DaysApart() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCalendarDateIgnoresTimeOfDay(t *testing.T) {
	zurich := time.FixedZone("CET", 3600)
	late := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	early := time.Date(2024, 3, 2, 0, 30, 0, 0, zurich) // 2024-03-01T23:30Z

	if !CalendarDate(late).Equal(CalendarDate(early)) {
		t.Errorf("expected same calendar day, got %v and %v", CalendarDate(late), CalendarDate(early))
	}
}

func TestErrorTaxonomy(t *testing.T) {
	unmappable := fmt.Errorf("transforming: %w", &UnmappableCodeError{
		SchemaVersion: "1.0.0", Field: "pathogen", System: "http://loinc.org", Code: "0000-0",
	})
	violation := &InvariantViolationError{ReportID: "r1", CaseIDs: []string{"a", "b"}, Message: "conflicting link"}
	transient := fmt.Errorf("pseudonymizing: %w", ErrTransientDependency)

	if !errors.Is(unmappable, ErrUnmappableCode) || !IsTerminal(unmappable) {
		t.Error("unmappable code must be terminal")
	}
	if !errors.Is(violation, ErrInvariantViolation) || !IsTerminal(violation) {
		t.Error("invariant violation must be terminal")
	}
	if IsTerminal(transient) || !IsTransient(transient) {
		t.Error("transient dependency failure must be retryable")
	}
	if IsTerminal(fmt.Errorf("writing: %w", ErrStorageFailure)) {
		t.Error("storage failure must be retryable")
	}
}

func TestStreamFor(t *testing.T) {
	events := []Event{DocumentStored{}, ReportProduced{}, CaseLinked{}, CaseClassified{}}
	seen := map[string]bool{}
	for _, e := range events {
		s := StreamFor(e.EventType())
		if s == "" {
			t.Fatalf("no stream for %s", e.EventType())
		}
		seen[s] = true
	}
	if len(seen) != len(events) {
		t.Errorf("expected one stream per event type, got %v", seen)
	}
}
