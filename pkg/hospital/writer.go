package hospital

import (
	"context"
	"fmt"
	"time"

	"github.com/medrecnet/platform/pkg/common/kafka"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/observability/metrics"
)

// EventRecordPersisted is the event type consumed by the index service.
const EventRecordPersisted = "record_persisted"

// notifyTimeout bounds the index update and retry publish once they are
// detached from the request.
const notifyTimeout = 10 * time.Second

// IndexNotifier tells the central index that a hospital holds data for an IC.
type IndexNotifier interface {
	RecordHospital(ctx context.Context, icNumber, hospitalID string) (bool, error)
}

// Writer is the hospital-local write path. A local write is never rolled
// back because the index could not be told about it.
type Writer struct {
	hospitalID string
	store      WritableStore
	notifier   IndexNotifier
	retries    kafka.Publisher
	now        func() time.Time
}

func NewWriter(hospitalID string, store WritableStore, notifier IndexNotifier, retries kafka.Publisher) *Writer {
	return &Writer{
		hospitalID: hospitalID,
		store:      store,
		notifier:   notifier,
		retries:    retries,
		now:        time.Now,
	}
}

func (w *Writer) SavePatient(ctx context.Context, patient models.Patient) error {
	if err := w.store.PutPatient(ctx, patient); err != nil {
		return err
	}
	w.notify(ctx, models.RecordPersisted{
		ICNumber:   patient.ICNumber,
		HospitalID: w.hospitalID,
		Kind:       "patient",
		At:         w.now().UTC(),
	})
	return nil
}

func (w *Writer) SaveRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error) {
	saved, err := w.store.PutRecord(ctx, record)
	if err != nil {
		return models.MedicalRecord{}, err
	}
	w.notify(ctx, models.RecordPersisted{
		ICNumber:   saved.ICNumber,
		HospitalID: w.hospitalID,
		RecordID:   saved.ID,
		Kind:       "visit",
		At:         w.now().UTC(),
	})
	return saved, nil
}

// notify waits for the index update. On failure the event is queued on Kafka
// so the index service applies it later. The local write has already
// committed, so a caller that goes away does not cancel either step.
func (w *Writer) notify(ctx context.Context, evt models.RecordPersisted) {
	log := logger.ForIC(evt.ICNumber).WithField("hospital_id", evt.HospitalID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	var err error
	if w.notifier != nil {
		var changed bool
		changed, err = w.notifier.RecordHospital(ctx, evt.ICNumber, evt.HospitalID)
		if err == nil {
			log.WithField("changed", changed).Debug("central index updated")
			return
		}
		metrics.IndexUpdateFailed()
		log.WithError(err).Error("central index update failed, queueing retry")
	}

	if w.retries == nil {
		if err == nil {
			err = fmt.Errorf("no index notifier configured")
		}
		log.WithError(err).Error("index update dropped: no retry queue configured")
		return
	}
	if pubErr := w.retries.PublishEvent(ctx, EventRecordPersisted, "hospital-"+evt.HospitalID, RecordPersistedPayload(evt)); pubErr != nil {
		log.WithError(pubErr).Error("failed to queue index update")
	}
}

// RecordPersistedPayload is the Kafka data map for evt.
func RecordPersistedPayload(evt models.RecordPersisted) map[string]interface{} {
	return map[string]interface{}{
		"ic_number":   evt.ICNumber,
		"hospital_id": evt.HospitalID,
		"record_id":   evt.RecordID,
		"kind":        evt.Kind,
		"at":          evt.At.Format(time.RFC3339Nano),
	}
}

// ParseRecordPersisted reads the payload written by RecordPersistedPayload.
func ParseRecordPersisted(data map[string]interface{}) (models.RecordPersisted, error) {
	var evt models.RecordPersisted
	evt.ICNumber, _ = data["ic_number"].(string)
	evt.HospitalID, _ = data["hospital_id"].(string)
	evt.RecordID, _ = data["record_id"].(string)
	evt.Kind, _ = data["kind"].(string)
	if at, ok := data["at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			evt.At = parsed
		}
	}
	if evt.ICNumber == "" || evt.HospitalID == "" {
		return models.RecordPersisted{}, ValidationError{reason: fmt.Errorf("record_persisted event missing ic_number or hospital_id")}
	}
	return evt, nil
}
