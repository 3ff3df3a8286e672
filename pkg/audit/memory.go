package audit

import (
	"context"
	"sync"

	"github.com/medrecnet/platform/pkg/common/models"
)

// MemoryStore keeps the trail in process. Used by tests and single-node
// development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.AuditLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendLinked(ctx context.Context, entry *models.AuditLogEntry, link func(prev *models.AuditLogEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *models.AuditLogEntry
	if n := len(m.entries); n > 0 {
		last := m.entries[n-1]
		prev = &last
	}
	link(prev)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditLogEntry, 0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if filter.Matches(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Walk(ctx context.Context, fn func(models.AuditLogEntry) error) error {
	m.mu.RLock()
	snapshot := make([]models.AuditLogEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Len is a test convenience.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// tamper rewrites a stored entry in place; only tests reach it.
func (m *MemoryStore) tamper(i int, fn func(*models.AuditLogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.entries[i])
}
