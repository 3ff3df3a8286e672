// Package consent holds per-patient, per-hospital visibility blocks. A block
// hides a hospital's records from federated queries by anyone except central
// administrators and emergency access.
package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
)

// Store persists privacy settings. A missing row means not blocked.
type Store interface {
	IsBlocked(ctx context.Context, icNumber, hospitalID string) (bool, error)
	SetBlocked(ctx context.Context, icNumber, hospitalID string, blocked bool, at time.Time) error
	// RestoreBlocked sets blocked only while the row still holds the write
	// made at writtenAt. It reports whether the row was changed.
	RestoreBlocked(ctx context.Context, icNumber, hospitalID string, writtenAt time.Time, blocked bool) (bool, error)
	List(ctx context.Context, icNumber string) ([]models.PrivacySetting, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]map[string]models.PrivacySetting
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]map[string]models.PrivacySetting)}
}

func (m *MemoryStore) IsBlocked(ctx context.Context, icNumber, hospitalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[icNumber][hospitalID].IsBlocked, nil
}

func (m *MemoryStore) SetBlocked(ctx context.Context, icNumber, hospitalID string, blocked bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHospital, ok := m.settings[icNumber]
	if !ok {
		byHospital = make(map[string]models.PrivacySetting)
		m.settings[icNumber] = byHospital
	}
	byHospital[hospitalID] = models.PrivacySetting{
		ICNumber:   icNumber,
		HospitalID: hospitalID,
		IsBlocked:  blocked,
		UpdatedAt:  at,
	}
	return nil
}

func (m *MemoryStore) RestoreBlocked(ctx context.Context, icNumber, hospitalID string, writtenAt time.Time, blocked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.settings[icNumber][hospitalID]
	if !ok || !current.UpdatedAt.Equal(writtenAt) {
		return false, nil
	}
	current.IsBlocked = blocked
	m.settings[icNumber][hospitalID] = current
	return true, nil
}

func (m *MemoryStore) List(ctx context.Context, icNumber string) ([]models.PrivacySetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PrivacySetting, 0, len(m.settings[icNumber]))
	for _, s := range m.settings[icNumber] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HospitalID < out[j].HospitalID })
	return out, nil
}
