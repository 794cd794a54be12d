package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// MemoryStore is an in-process implementation of ReportRepository and
// CaseRepository for single-node runs and tests. Match locks are held per
// (patient_ref, pathogen_code) key; writes made inside WithMatchLock and
// WithCase are staged and only become visible when fn returns nil.
type MemoryStore struct {
	mu         sync.RWMutex
	reports    map[uuid.UUID]domain.CanonicalReport
	byDocument map[string]uuid.UUID
	cases      map[uuid.UUID]domain.Case
	links      map[uuid.UUID]domain.CaseReportLink
	metrics    []domain.MetricRecord
	nextMetric int64

	matchLocks keyedMutex
	caseLocks  keyedMutex
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:    make(map[uuid.UUID]domain.CanonicalReport),
		byDocument: make(map[string]uuid.UUID),
		cases:      make(map[uuid.UUID]domain.Case),
		links:      make(map[uuid.UUID]domain.CaseReportLink),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Save stores the report, overwriting by report id.
func (s *MemoryStore) Save(ctx context.Context, report *domain.CanonicalReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *report
	stored.ReportDate = domain.CalendarDate(report.ReportDate)
	if existing, ok := s.reports[report.ReportID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = s.now()
	}
	s.reports[report.ReportID] = stored
	s.byDocument[report.SourceDocumentRef] = report.ReportID
	report.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, reportID uuid.UUID) (*domain.CanonicalReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, fmt.Errorf("report %s not found: %w", reportID, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetByDocument(ctx context.Context, documentID string) (*domain.CanonicalReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDocument[documentID]
	if !ok {
		return nil, fmt.Errorf("report for document %s not found: %w", documentID, domain.ErrNotFound)
	}
	r := s.reports[id]
	return &r, nil
}

// Reports returns a view of the store as a ReportRepository.
func (s *MemoryStore) Reports() domain.ReportRepository {
	return s
}

// Cases returns a view of the store as a CaseRepository.
func (s *MemoryStore) Cases() domain.CaseRepository {
	return memoryCases{s}
}

// memoryCases separates the case methods whose names collide with the
// report methods.
type memoryCases struct {
	s *MemoryStore
}

func (m memoryCases) WithMatchLock(ctx context.Context, patientRef, pathogenCode string, fn func(tx domain.MatchTx) error) error {
	unlock := m.s.matchLocks.lock(matchKey(patientRef, pathogenCode))
	defer unlock()

	tx := &memMatchTx{s: m.s, cases: map[uuid.UUID]domain.Case{}, links: map[uuid.UUID]domain.CaseReportLink{}}
	if err := fn(tx); err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, c := range tx.cases {
		m.s.cases[id] = c
	}
	for id, l := range tx.links {
		if _, exists := m.s.links[id]; !exists {
			m.s.links[id] = l
		}
	}
	return nil
}

func (m memoryCases) WithCase(ctx context.Context, caseID uuid.UUID, fn func(c *domain.Case, tx domain.CaseTx) error) error {
	unlock := m.s.caseLocks.lock(caseID.String())
	defer unlock()

	m.s.mu.RLock()
	c, ok := m.s.cases[caseID]
	m.s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("case %s not found: %w", caseID, domain.ErrNotFound)
	}

	tx := &memCaseTx{s: m.s, caseID: caseID}
	current := c
	if err := fn(&current, tx); err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored := m.s.cases[caseID]
	if tx.evidence != nil {
		stored.Evidence = *tx.evidence
		stored.UpdatedAt = m.s.now()
	}
	if tx.class != nil {
		stored.CaseClass = *tx.class
		stored.UpdatedAt = m.s.now()
	}
	m.s.cases[caseID] = stored
	for _, rec := range tx.metrics {
		m.s.nextMetric++
		rec.ID = m.s.nextMetric
		rec.CreatedAt = m.s.now()
		m.s.metrics = append(m.s.metrics, rec)
	}
	return nil
}

func (m memoryCases) GetByID(ctx context.Context, caseID uuid.UUID) (*domain.Case, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	c, ok := m.s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s not found: %w", caseID, domain.ErrNotFound)
	}
	return &c, nil
}

func (m memoryCases) GetByReport(ctx context.Context, reportID uuid.UUID) (*domain.Case, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	link, ok := m.s.links[reportID]
	if !ok {
		return nil, fmt.Errorf("case for report %s not found: %w", reportID, domain.ErrNotFound)
	}
	c := m.s.cases[link.CaseID]
	return &c, nil
}

func (m memoryCases) ListByKey(ctx context.Context, patientRef, pathogenCode string) ([]*domain.Case, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := []*domain.Case{}
	for _, c := range m.s.cases {
		if c.PatientRef == patientRef && c.PathogenCode == pathogenCode {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnchorDate.Equal(out[j].AnchorDate) {
			return out[i].AnchorDate.Before(out[j].AnchorDate)
		}
		return out[i].CaseID.String() < out[j].CaseID.String()
	})
	return out, nil
}

// AllCases returns every case ordered by case id.
func (s *MemoryStore) AllCases() []domain.Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID.String() < out[j].CaseID.String() })
	return out
}

// Links returns every case-report link.
func (s *MemoryStore) Links() []domain.CaseReportLink {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CaseReportLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// Metrics returns the appended metric records in insertion order.
func (s *MemoryStore) Metrics() []domain.MetricRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.MetricRecord(nil), s.metrics...)
}

type memMatchTx struct {
	s     *MemoryStore
	cases map[uuid.UUID]domain.Case
	links map[uuid.UUID]domain.CaseReportLink
}

func (t *memMatchTx) LinkedCaseID(ctx context.Context, reportID uuid.UUID) (uuid.UUID, bool, error) {
	if l, ok := t.links[reportID]; ok {
		return l.CaseID, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if l, ok := t.s.links[reportID]; ok {
		return l.CaseID, true, nil
	}
	return uuid.Nil, false, nil
}

func (t *memMatchTx) CasesInWindow(ctx context.Context, patientRef, pathogenCode string, from, to time.Time) ([]*domain.Case, error) {
	from, to = domain.CalendarDate(from), domain.CalendarDate(to)
	inWindow := func(c domain.Case) bool {
		return c.PatientRef == patientRef && c.PathogenCode == pathogenCode &&
			!c.AnchorDate.Before(from) && !c.AnchorDate.After(to)
	}

	var out []*domain.Case
	t.s.mu.RLock()
	for _, c := range t.s.cases {
		if inWindow(c) {
			c := c
			out = append(out, &c)
		}
	}
	t.s.mu.RUnlock()
	for _, c := range t.cases {
		if inWindow(c) {
			c := c
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnchorDate.Equal(out[j].AnchorDate) {
			return out[i].AnchorDate.Before(out[j].AnchorDate)
		}
		return out[i].CaseID.String() < out[j].CaseID.String()
	})
	return out, nil
}

func (t *memMatchTx) CreateCase(ctx context.Context, c *domain.Case) error {
	now := t.s.now()
	c.AnchorDate = domain.CalendarDate(c.AnchorDate)
	c.CreatedAt, c.UpdatedAt = now, now
	t.cases[c.CaseID] = *c
	return nil
}

func (t *memMatchTx) LinkReport(ctx context.Context, link domain.CaseReportLink) (uuid.UUID, error) {
	if existing, ok, _ := t.LinkedCaseID(ctx, link.ReportID); ok {
		return existing, nil
	}
	link.CreatedAt = t.s.now()
	t.links[link.ReportID] = link
	return link.CaseID, nil
}

type memCaseTx struct {
	s        *MemoryStore
	caseID   uuid.UUID
	evidence *domain.Evidence
	class    *domain.CaseClass
	metrics  []domain.MetricRecord
}

func (t *memCaseTx) LinkedReports(ctx context.Context) ([]*domain.CanonicalReport, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	var out []*domain.CanonicalReport
	for reportID, l := range t.s.links {
		if l.CaseID != t.caseID {
			continue
		}
		if r, ok := t.s.reports[reportID]; ok {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportDate.Equal(out[j].ReportDate) {
			return out[i].ReportDate.Before(out[j].ReportDate)
		}
		return out[i].ReportID.String() < out[j].ReportID.String()
	})
	return out, nil
}

func (t *memCaseTx) UpdateEvidence(ctx context.Context, ev domain.Evidence) error {
	t.evidence = &ev
	return nil
}

func (t *memCaseTx) UpdateClassification(ctx context.Context, class domain.CaseClass) error {
	t.class = &class
	return nil
}

func (t *memCaseTx) AppendMetric(ctx context.Context, m domain.MetricRecord) error {
	m.CaseID = t.caseID
	m.ReportDate = domain.CalendarDate(m.ReportDate)
	t.metrics = append(t.metrics, m)
	return nil
}
