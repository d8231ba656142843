package step

import (
	"context"
	"sync"
)

// MemoryStore keeps step records in process memory. Records do not survive
// a restart; use it for one-shot runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory step store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func memoryKey(invocationID, stepID string) string {
	return invocationID + "\x00" + stepID
}

// LoadStep implements Store.
func (m *MemoryStore) LoadStep(_ context.Context, invocationID, stepID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[memoryKey(invocationID, stepID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// SaveStep implements Store.
func (m *MemoryStore) SaveStep(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[memoryKey(rec.InvocationID, rec.StepID)] = &cp
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
