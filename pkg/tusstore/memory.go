// Package tusstore provides resumux URLStore implementations: an
// in-memory map for tests and single-process use, a goose-migrated
// SQLite store for durable cross-process persistence, and a JSON-file
// store for simple single-host durability without a database dependency.
package tusstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aleksikoho/resumux"
)

// MemoryStore is an in-memory, process-lifetime URLStore. Safe for
// concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]entry
}

type entry struct {
	fingerprint string
	record      resumux.PersistedRecord
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]entry)}
}

// FindAllUploads implements resumux.URLStore.
func (s *MemoryStore) FindAllUploads(ctx context.Context) ([]resumux.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]resumux.PersistedRecord, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.record)
	}

	return out, nil
}

// FindUploadsByFingerprint implements resumux.URLStore.
func (s *MemoryStore) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]resumux.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []resumux.PersistedRecord

	for _, e := range s.records {
		if e.fingerprint == fingerprint {
			out = append(out, e.record)
		}
	}

	return out, nil
}

// RemoveUpload implements resumux.URLStore.
func (s *MemoryStore) RemoveUpload(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)

	return nil
}

// AddUpload implements resumux.URLStore. By design,
// always returns a non-empty key or a non-nil error.
func (s *MemoryStore) AddUpload(ctx context.Context, fingerprint string, record resumux.PersistedRecord) (string, error) {
	if fingerprint == "" {
		return "", fmt.Errorf("tusstore: empty fingerprint")
	}

	key := uuid.NewString()

	s.mu.Lock()
	s.records[key] = entry{fingerprint: fingerprint, record: record}
	s.mu.Unlock()

	return key, nil
}

var _ resumux.URLStore = (*MemoryStore)(nil)
