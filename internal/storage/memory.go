package storage

import (
	"context"
	"sync"

	"github.com/adverant/nexus/ocr-gateway/internal/quota"
)

// MemoryQuotaStore keeps quota records in process memory.
// Suitable for a single replica or development only.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	records map[string]quota.Record
}

// NewMemoryQuotaStore creates an empty in-memory store
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{records: make(map[string]quota.Record)}
}

func (m *MemoryQuotaStore) Load(ctx context.Context, scope string) (quota.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[scope], nil
}

func (m *MemoryQuotaStore) Add(ctx context.Context, scope, month string, n int) (quota.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.records[scope]
	if rec.Month != month {
		rec = quota.Record{Month: month}
	}
	rec.Used += n
	m.records[scope] = rec
	return rec, nil
}

func (m *MemoryQuotaStore) Save(ctx context.Context, scope string, rec quota.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[scope] = rec
	return nil
}
