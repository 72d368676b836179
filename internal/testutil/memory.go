package testutil

import (
	"context"
	"sort"
	"sync"

	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"
)

// MemoryRepository is an in-memory snapshot.Repository and
// snapshot.DefinitionProvider with the same conflict semantics as the SQL
// backends. Hooks let tests interleave competing writers.
type MemoryRepository struct {
	mu          sync.Mutex
	byKey       map[string]*models.Snapshot
	byID        map[string]string
	definitions map[string]models.Definition

	// BeforeWrite runs, without the lock held, before every Insert or Replace.
	BeforeWrite func(op string)
	// ForcedConflicts makes the next n writes fail with snapshot.ErrConflict.
	ForcedConflicts int
	// Err, when set, is returned by every call.
	Err error

	inserts  int
	replaces int
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byKey:       make(map[string]*models.Snapshot),
		byID:        make(map[string]string),
		definitions: make(map[string]models.Definition),
	}
}

func keyOf(key models.SnapshotKey) string {
	return key.String()
}

func clone(s *models.Snapshot) *models.Snapshot {
	c := *s
	return &c
}

// GetByKey implements snapshot.Repository.
func (m *MemoryRepository) GetByKey(_ context.Context, key models.SnapshotKey) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	s, ok := m.byKey[keyOf(key)]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return clone(s), nil
}

// GetByID implements snapshot.Repository.
func (m *MemoryRepository) GetByID(_ context.Context, id string) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	key, ok := m.byID[id]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return clone(m.byKey[key]), nil
}

// Insert implements snapshot.Repository.
func (m *MemoryRepository) Insert(_ context.Context, s *models.Snapshot) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite("insert")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.ForcedConflicts > 0 {
		m.ForcedConflicts--
		return snapshot.ErrConflict
	}
	key := keyOf(s.Key())
	if _, exists := m.byKey[key]; exists {
		return snapshot.ErrConflict
	}
	m.byKey[key] = clone(s)
	m.byID[s.ID] = key
	m.inserts++
	return nil
}

// Replace implements snapshot.Repository.
func (m *MemoryRepository) Replace(_ context.Context, prior, next *models.Snapshot) error {
	if m.BeforeWrite != nil {
		m.BeforeWrite("replace")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.ForcedConflicts > 0 {
		m.ForcedConflicts--
		return snapshot.ErrConflict
	}
	key, ok := m.byID[prior.ID]
	if !ok {
		return snapshot.ErrConflict
	}
	current := m.byKey[key]
	if current.Revision != prior.Revision {
		return snapshot.ErrConflict
	}
	delete(m.byID, prior.ID)
	m.byKey[key] = clone(next)
	m.byID[next.ID] = key
	m.replaces++
	return nil
}

// SetValidated implements snapshot.Repository.
func (m *MemoryRepository) SetValidated(_ context.Context, id string, validated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key, ok := m.byID[id]
	if !ok {
		return snapshot.ErrNotFound
	}
	m.byKey[key].Validated = validated
	return nil
}

// QueryRange implements snapshot.Repository.
func (m *MemoryRepository) QueryRange(_ context.Context, q snapshot.RangeQuery) ([]*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.Snapshot
	for _, s := range m.byKey {
		if s.DefinitionID != q.DefinitionID {
			continue
		}
		if s.Intersects(q.Start, q.End) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].DimensionsHash < out[j].DimensionsHash
	})
	return out, nil
}

// GetDefinition implements snapshot.DefinitionProvider.
func (m *MemoryRepository) GetDefinition(_ context.Context, id string) (*models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	def, ok := m.definitions[id]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return &def, nil
}

// PutDefinition implements snapshot.DefinitionProvider.
func (m *MemoryRepository) PutDefinition(_ context.Context, def *models.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if current, ok := m.definitions[def.ID]; ok && current.CurrentVersion > def.CurrentVersion {
		return snapshot.ErrConflict
	}
	m.definitions[def.ID] = *def
	return nil
}

// Ping always succeeds unless Err is set.
func (m *MemoryRepository) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// Close is a no-op.
func (m *MemoryRepository) Close() error { return nil }

// Len returns the number of stored snapshots.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Writes returns the number of successful inserts and replaces.
func (m *MemoryRepository) Writes() (inserts, replaces int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts, m.replaces
}

var (
	_ snapshot.Repository         = (*MemoryRepository)(nil)
	_ snapshot.DefinitionProvider = (*MemoryRepository)(nil)
)
