// Package hospital adapts each member hospital's private record store to the
// uniform read contract the central hub fans out over. Every hospital is
// served by its own Store instance; stores never share connections.
package hospital

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medrecnet/platform/pkg/common/models"
)

// ErrPatientNotFound means the hospital answered and has no such patient.
var ErrPatientNotFound = errors.New("patient not found")

var (
	errMissingIC       = errors.New("ic number required")
	errMissingVisit    = errors.New("visit date required")
	errInvalidVisit    = errors.New("invalid visit type")
	errMissingDiagnose = errors.New("at least one diagnosis required")
)

// Store is the read contract the orchestrator depends on.
type Store interface {
	GetPatient(ctx context.Context, icNumber string) (*models.Patient, error)
	GetRecordsByPatient(ctx context.Context, icNumber string) ([]models.MedicalRecord, error)
	GetActivePrescriptions(ctx context.Context, icNumber string) ([]models.Prescription, error)
}

// WritableStore is implemented by stores the hospital itself writes to.
type WritableStore interface {
	Store
	PutPatient(ctx context.Context, patient models.Patient) error
	PutRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error)
}

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func validatePatient(p models.Patient) error {
	if strings.TrimSpace(p.ICNumber) == "" {
		return ValidationError{reason: errMissingIC}
	}
	return nil
}

func validateRecord(r models.MedicalRecord) error {
	if strings.TrimSpace(r.ICNumber) == "" {
		return ValidationError{reason: errMissingIC}
	}
	if r.VisitDate.IsZero() {
		return ValidationError{reason: errMissingVisit}
	}
	switch r.VisitType {
	case models.VisitOutpatient, models.VisitInpatient, models.VisitEmergency:
	default:
		return ValidationError{reason: fmt.Errorf("visit type %q: %w", r.VisitType, errInvalidVisit)}
	}
	if len(r.Diagnosis) == 0 {
		return ValidationError{reason: errMissingDiagnose}
	}
	return nil
}

func activePrescriptions(records []models.MedicalRecord) []models.Prescription {
	out := make([]models.Prescription, 0)
	for _, rec := range records {
		for _, rx := range rec.Prescriptions {
			if rx.IsActive {
				out = append(out, rx)
			}
		}
	}
	return out
}
