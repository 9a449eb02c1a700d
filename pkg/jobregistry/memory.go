package jobregistry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRegistry keeps records in process memory.
//
// It is used by tests and by the single-process local mode. A single mutex
// makes every Claim atomic.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]*JobRecord
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*JobRecord)}
}

func (m *MemoryRegistry) Create(ctx context.Context, rec *JobRecord) error {
	_ = ctx
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.JobID]; ok {
		return ErrAlreadyExists
	}
	m.records[rec.JobID] = rec.Clone()
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[strings.TrimSpace(jobID)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRegistry) ListByAccount(ctx context.Context, accountID string) ([]JobRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobRecord
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			out = append(out, *rec.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryRegistry) Claim(ctx context.Context, c Claim) (bool, error) {
	_ = ctx
	if err := c.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[c.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if !matches(rec, c.Field, c.Expected) {
		return false, nil
	}
	set(rec, c.Field, c.Next)
	c.Also.apply(rec)
	return true, nil
}

func (m *MemoryRegistry) SetAccountClass(ctx context.Context, jobID string, class AccountClass) error {
	_ = ctx
	if err := checkClass(class); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.AccountClass = class
	return nil
}

func (m *MemoryRegistry) Close() error { return nil }

func sortNewestFirst(recs []JobRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].SubmitTime.Equal(recs[j].SubmitTime) {
			return recs[i].JobID < recs[j].JobID
		}
		return recs[i].SubmitTime.After(recs[j].SubmitTime)
	})
}
