// Package audit is the append-only access trail of the central hub. Entries
// are linked in a SHA-256 chain so that any rewrite of a stored entry is
// detectable by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrecnet/platform/pkg/common/kafka"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/observability/metrics"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var (
	// ErrWriteFailed wraps every storage failure of Append.
	ErrWriteFailed   = errors.New("audit write failed")
	ErrChainBroken   = errors.New("audit chain broken")
	errInvalidAction = errors.New("invalid audit action")
)

var genesisHash = strings.Repeat("0", 64)

var validActions = map[string]struct{}{
	models.ActionLogin:           {},
	models.ActionLogout:          {},
	models.ActionView:            {},
	models.ActionQuery:           {},
	models.ActionCreate:          {},
	models.ActionEmergencyAccess: {},
}

// Store persists entries. Implementations expose no update or delete path.
type Store interface {
	// AppendLinked reads the chain head, calls link with it, and inserts
	// entry. The head stays locked until the insert commits, for every writer
	// sharing the store, so concurrent services cannot fork the chain.
	AppendLinked(ctx context.Context, entry *models.AuditLogEntry, link func(prev *models.AuditLogEntry)) error
	Find(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error)
	Walk(ctx context.Context, fn func(models.AuditLogEntry) error) error
}

type Service struct {
	store        Store
	mirror       kafka.Publisher
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

type Option func(*Service)

func WithMirror(p kafka.Publisher) Option {
	return func(s *Service) { s.mirror = p }
}

func WithLimits(defaultLimit, maxLimit int) Option {
	return func(s *Service) {
		if defaultLimit > 0 {
			s.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	svc := &Service{
		store:        store,
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.defaultLimit > svc.maxLimit {
		svc.defaultLimit = svc.maxLimit
	}
	return svc
}

// Critical reports whether failing to audit an action must fail the
// operation that triggered it.
func Critical(action string) bool {
	switch action {
	case models.ActionQuery, models.ActionEmergencyAccess, models.ActionView:
		return true
	default:
		return false
	}
}

// Append writes entry and returns it with ID, timestamp and chain hashes set.
func (s *Service) Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error) {
	if _, ok := validActions[entry.Action]; !ok {
		return models.AuditLogEntry{}, fmt.Errorf("%w: %q", errInvalidAction, entry.Action)
	}
	if entry.ActorID == "" {
		entry.ActorID = "system"
	}
	if entry.ActorType == "" {
		entry.ActorType = "system"
	}

	err := s.store.AppendLinked(ctx, &entry, func(prev *models.AuditLogEntry) {
		entry.ID = uuid.New().String()
		entry.Timestamp = s.now().UTC().Truncate(time.Microsecond)
		entry.PrevHash = genesisHash
		if prev != nil {
			entry.PrevHash = prev.Hash
		}
		entry.Hash = ComputeHash(entry)
	})
	if err != nil {
		metrics.AuditFailed()
		return models.AuditLogEntry{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	metrics.AuditAppended()

	s.publish(ctx, entry)
	return entry, nil
}

// Record appends entry, returning an error only for critical actions. Low
// risk actions such as login are written best-effort.
func (s *Service) Record(ctx context.Context, entry models.AuditLogEntry) error {
	if _, err := s.Append(ctx, entry); err != nil {
		if Critical(entry.Action) {
			return err
		}
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"action":   entry.Action,
			"actor_id": entry.ActorID,
		}).Warn("best-effort audit write failed")
	}
	return nil
}

func (s *Service) Query(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = s.defaultLimit
	case filter.Limit > s.maxLimit:
		filter.Limit = s.maxLimit
	}
	return s.store.Find(ctx, filter)
}

// Verify walks the whole trail oldest first and checks every link.
func (s *Service) Verify(ctx context.Context) error {
	expectedPrev := genesisHash
	position := 0
	return s.store.Walk(ctx, func(entry models.AuditLogEntry) error {
		if entry.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d (%s) does not link to its predecessor", ErrChainBroken, position, entry.ID)
		}
		if ComputeHash(entry) != entry.Hash {
			return fmt.Errorf("%w: entry %d (%s) content altered", ErrChainBroken, position, entry.ID)
		}
		expectedPrev = entry.Hash
		position++
		return nil
	})
}

func (s *Service) publish(ctx context.Context, entry models.AuditLogEntry) {
	if s.mirror == nil {
		return
	}
	payload := map[string]interface{}{
		"id":                 entry.ID,
		"timestamp":          entry.Timestamp,
		"action":             entry.Action,
		"actor_id":           entry.ActorID,
		"actor_type":         entry.ActorType,
		"ic_number":          entry.TargetICNumber,
		"target_hospital_id": entry.TargetHospitalID,
		"success":            entry.Success,
		"hash":               entry.Hash,
	}
	if err := s.mirror.PublishEvent(ctx, "audit_appended", "central-audit", payload); err != nil {
		logger.Log.WithError(err).WithField("audit_id", entry.ID).Warn("failed to mirror audit entry")
	}
}

type hashedFields struct {
	ID               string `json:"id"`
	Timestamp        string `json:"timestamp"`
	Action           string `json:"action"`
	ActorID          string `json:"actor_id"`
	ActorType        string `json:"actor_type"`
	ActorHospitalID  string `json:"actor_hospital_id"`
	TargetICNumber   string `json:"target_ic_number"`
	TargetHospitalID string `json:"target_hospital_id"`
	Details          string `json:"details"`
	IPAddress        string `json:"ip_address"`
	Success          bool   `json:"success"`
	PrevHash         string `json:"prev_hash"`
}

// ComputeHash digests every field of entry except Hash itself.
func ComputeHash(entry models.AuditLogEntry) string {
	data, _ := json.Marshal(hashedFields{
		ID:               entry.ID,
		Timestamp:        entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:           entry.Action,
		ActorID:          entry.ActorID,
		ActorType:        entry.ActorType,
		ActorHospitalID:  entry.ActorHospitalID,
		TargetICNumber:   entry.TargetICNumber,
		TargetHospitalID: entry.TargetHospitalID,
		Details:          entry.Details,
		IPAddress:        entry.IPAddress,
		Success:          entry.Success,
		PrevHash:         entry.PrevHash,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
