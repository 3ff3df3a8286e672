package index

import (
	"context"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.PatientIndexEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.PatientIndexEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[icNumber]
	if !ok {
		return models.PatientIndexEntry{}, ErrNotFound
	}
	return clone(entry), nil
}

func (m *MemoryStore) AddHospital(ctx context.Context, icNumber, hospitalID string, now time.Time) (models.PatientIndexEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[icNumber]
	if !ok {
		entry = models.PatientIndexEntry{ICNumber: icNumber}
	}
	updated, changed := appendHospital(entry, hospitalID, now)
	if changed {
		m.entries[icNumber] = updated
	}
	return clone(updated), changed, nil
}

// Seed installs an entry as-is. Used by tests and fixtures.
func (m *MemoryStore) Seed(entry models.PatientIndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ICNumber] = clone(entry)
}

func clone(e models.PatientIndexEntry) models.PatientIndexEntry {
	ids := make([]string, len(e.HospitalIDs))
	copy(ids, e.HospitalIDs)
	e.HospitalIDs = ids
	return e
}
