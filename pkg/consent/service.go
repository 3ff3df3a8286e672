package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
)

var ErrForbidden = errors.New("not permitted to manage privacy settings for this patient")

// Auditor is satisfied by *audit.Service.
type Auditor interface {
	Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error)
}

type Service struct {
	store   Store
	auditor Auditor
	now     func() time.Time
}

func NewService(store Store, auditor Auditor) *Service {
	return &Service{store: store, auditor: auditor, now: time.Now}
}

// CanManage reports whether caller may read or change the settings of ic.
func CanManage(caller models.Caller, icNumber string) bool {
	switch caller.Role {
	case models.RoleCentralAdmin:
		return true
	case models.RolePatient:
		return caller.ICNumber != "" && caller.ICNumber == icNumber
	default:
		return false
	}
}

func (s *Service) IsBlocked(ctx context.Context, icNumber, hospitalID string) (bool, error) {
	return s.store.IsBlocked(ctx, icNumber, hospitalID)
}

func (s *Service) List(ctx context.Context, caller models.Caller, icNumber string) ([]models.PrivacySetting, error) {
	if !CanManage(caller, icNumber) {
		return nil, ErrForbidden
	}
	return s.store.List(ctx, icNumber)
}

// Update sets or clears a block. The change and its audit entry stand or fall
// together: when the audit write fails the previous value is restored.
func (s *Service) Update(ctx context.Context, caller models.Caller, icNumber, hospitalID string, blocked bool) (models.PrivacySetting, error) {
	icNumber = strings.TrimSpace(icNumber)
	hospitalID = strings.TrimSpace(hospitalID)
	entry := models.AuditLogEntry{
		Action:           models.ActionCreate,
		ActorID:          caller.ActorID,
		ActorType:        caller.ActorType(),
		ActorHospitalID:  caller.HomeHospitalID,
		TargetICNumber:   icNumber,
		TargetHospitalID: hospitalID,
		IPAddress:        caller.IPAddress,
		Details:          fmt.Sprintf("privacy setting: blocked=%t", blocked),
	}

	if !CanManage(caller, icNumber) {
		entry.Details = "privacy change denied: " + entry.Details
		if _, err := s.auditor.Append(ctx, entry); err != nil {
			logger.ForIC(icNumber).WithError(err).Error("failed to audit denied privacy change")
		}
		return models.PrivacySetting{}, ErrForbidden
	}

	previous, err := s.store.IsBlocked(ctx, icNumber, hospitalID)
	if err != nil {
		return models.PrivacySetting{}, err
	}
	// microseconds so the write time round-trips through postgres and can
	// identify this write on rollback
	now := s.now().UTC().Truncate(time.Microsecond)
	if err := s.store.SetBlocked(ctx, icNumber, hospitalID, blocked, now); err != nil {
		return models.PrivacySetting{}, err
	}

	entry.Success = true
	if _, err := s.auditor.Append(ctx, entry); err != nil {
		restored, rbErr := s.store.RestoreBlocked(context.WithoutCancel(ctx), icNumber, hospitalID, now, previous)
		switch {
		case rbErr != nil:
			logger.ForIC(icNumber).WithError(rbErr).Error("failed to restore privacy setting after audit failure")
		case !restored:
			logger.ForIC(icNumber).WithField("hospital_id", hospitalID).Warn("privacy setting changed concurrently, not restored")
		}
		return models.PrivacySetting{}, err
	}

	logger.ForIC(icNumber).WithFields(map[string]interface{}{
		"hospital_id": hospitalID,
		"blocked":     blocked,
		"actor_id":    caller.ActorID,
	}).Info("privacy setting updated")

	return models.PrivacySetting{
		ICNumber:   icNumber,
		HospitalID: hospitalID,
		IsBlocked:  blocked,
		UpdatedAt:  now,
	}, nil
}
