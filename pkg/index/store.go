// Package index is the central patient index: which hospitals hold data for
// an IC number. It is advisory. Hospitals are the source of truth and the
// index may lag them.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
)

var ErrNotFound = errors.New("ic number not indexed")

// Store persists index entries. AddHospital must be atomic per IC: the read
// of the current hospital list and the write of the new one happen under a
// row lock or equivalent.
type Store interface {
	Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, error)
	AddHospital(ctx context.Context, icNumber, hospitalID string, now time.Time) (models.PatientIndexEntry, bool, error)
}

// appendHospital returns the entry with hospitalID appended, or the entry
// unchanged when it is already present.
func appendHospital(entry models.PatientIndexEntry, hospitalID string, now time.Time) (models.PatientIndexEntry, bool) {
	if entry.Contains(hospitalID) {
		return entry, false
	}
	ids := make([]string, len(entry.HospitalIDs), len(entry.HospitalIDs)+1)
	copy(ids, entry.HospitalIDs)
	entry.HospitalIDs = append(ids, hospitalID)
	entry.LastUpdated = now
	return entry, true
}
