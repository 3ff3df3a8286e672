package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/observability/metrics"
)

// Auditor is the slice of the audit service the index needs.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditLogEntry) error
}

type Service struct {
	store   Store
	cache   Cache
	auditor Auditor
	locks   *keyedMutex
	now     func() time.Time
}

// NewService wires the index. cache and auditor may be nil.
func NewService(store Store, cache Cache, auditor Auditor) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		auditor: auditor,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

func (s *Service) Lookup(ctx context.Context, icNumber string) (models.PatientIndexEntry, error) {
	if s.cache != nil {
		entry, ok, err := s.cache.Get(ctx, icNumber)
		if err != nil {
			logger.ForIC(icNumber).WithError(err).Warn("index cache read failed")
		} else if ok {
			return entry, nil
		}
	}

	entry, err := s.store.Get(ctx, icNumber)
	if err != nil {
		return models.PatientIndexEntry{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, entry); err != nil {
			logger.ForIC(icNumber).WithError(err).Warn("index cache write failed")
		}
	}
	return entry, nil
}

// RecordHospital notes that hospitalID holds data for icNumber. It reports
// whether the entry changed; a repeated call is a no-op and does not touch
// LastUpdated.
func (s *Service) RecordHospital(ctx context.Context, icNumber, hospitalID string) (bool, error) {
	icNumber = strings.TrimSpace(icNumber)
	hospitalID = strings.TrimSpace(hospitalID)
	if icNumber == "" || hospitalID == "" {
		return false, fmt.Errorf("record hospital: ic number and hospital id required")
	}

	unlock := s.locks.Lock(icNumber)
	entry, changed, err := s.store.AddHospital(ctx, icNumber, hospitalID, s.now().UTC())
	unlock()
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	metrics.IndexUpdated()
	if s.cache != nil {
		// write through; Set never replaces an entry listing more hospitals
		if err := s.cache.Set(ctx, entry); err != nil {
			if err := s.cache.Delete(ctx, icNumber); err != nil {
				logger.ForIC(icNumber).WithError(err).Warn("index cache invalidation failed")
			}
		}
	}
	if s.auditor != nil {
		err := s.auditor.Record(ctx, models.AuditLogEntry{
			Action:           models.ActionCreate,
			TargetICNumber:   icNumber,
			TargetHospitalID: hospitalID,
			Details:          fmt.Sprintf("index entry now lists %d hospital(s): %s", len(entry.HospitalIDs), strings.Join(entry.HospitalIDs, ",")),
			Success:          true,
		})
		if err != nil {
			logger.ForIC(icNumber).WithError(err).Warn("index change audit failed")
		}
	}

	logger.ForIC(icNumber).WithField("hospital_id", hospitalID).Info("patient index updated")
	return true, nil
}

// HandleEvent applies a record_persisted event from the hospital write path.
// Events of other types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != hospital.EventRecordPersisted {
		return nil
	}
	evt, err := hospital.ParseRecordPersisted(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("dropping malformed record_persisted event")
		return nil
	}
	if _, err := s.RecordHospital(ctx, evt.ICNumber, evt.HospitalID); err != nil {
		metrics.IndexUpdateFailed()
		return err
	}
	return nil
}

// IsNotFound reports whether err means the IC has no index entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// keyedMutex serializes work per key. Entries are dropped once unused so the
// map does not grow with every IC ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
