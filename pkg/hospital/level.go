package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore keeps one hospital's records in its own embedded LevelDB.
//
// Keys:
//
//	patient_<ic>                              Patient JSON
//	record_<ic>_<visit unix nanos, 20 digits>_<id>  MedicalRecord JSON
//
// The zero padded visit time makes a prefix scan return records oldest first.
type LevelStore struct {
	hospitalID string
	db         *leveldb.DB
}

func OpenLevelStore(hospitalID, path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"hospital_id": hospitalID,
		"path":        path,
	}).Info("hospital leveldb opened")
	return &LevelStore{hospitalID: hospitalID, db: db}, nil
}

// OpenMemoryLevelStore is backed by in-memory storage; nothing touches disk.
func OpenMemoryLevelStore(hospitalID string) (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{hospitalID: hospitalID, db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func patientKey(ic string) []byte {
	return []byte("patient_" + ic)
}

func recordPrefix(ic string) []byte {
	return []byte("record_" + ic + "_")
}

func recordKey(r models.MedicalRecord) []byte {
	return []byte(fmt.Sprintf("record_%s_%020d_%s", r.ICNumber, r.VisitDate.UnixNano(), r.ID))
}

func (s *LevelStore) GetPatient(ctx context.Context, icNumber string) (*models.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get(patientKey(icNumber), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	var patient models.Patient
	if err := json.Unmarshal(data, &patient); err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", icNumber, err)
	}
	return &patient, nil
}

func (s *LevelStore) GetRecordsByPatient(ctx context.Context, icNumber string) ([]models.MedicalRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(recordPrefix(icNumber)), nil)
	defer iter.Release()

	records := make([]models.MedicalRecord, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec models.MedicalRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *LevelStore) GetActivePrescriptions(ctx context.Context, icNumber string) ([]models.Prescription, error) {
	records, err := s.GetRecordsByPatient(ctx, icNumber)
	if err != nil {
		return nil, err
	}
	return activePrescriptions(records), nil
}

func (s *LevelStore) PutPatient(ctx context.Context, patient models.Patient) error {
	if err := validatePatient(patient); err != nil {
		return err
	}
	data, err := json.Marshal(patient)
	if err != nil {
		return err
	}
	return s.db.Put(patientKey(patient.ICNumber), data, nil)
}

// PutRecord stamps the record with this hospital and assigns missing ids.
func (s *LevelStore) PutRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error) {
	if err := validateRecord(record); err != nil {
		return models.MedicalRecord{}, err
	}
	prepareRecord(&record, s.hospitalID)

	data, err := json.Marshal(record)
	if err != nil {
		return models.MedicalRecord{}, err
	}
	if err := s.db.Put(recordKey(record), data, nil); err != nil {
		return models.MedicalRecord{}, err
	}
	return record, nil
}

func prepareRecord(record *models.MedicalRecord, hospitalID string) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.HospitalID = hospitalID
	record.VisitDate = record.VisitDate.UTC()
	if record.Prescriptions == nil {
		record.Prescriptions = []models.Prescription{}
	}
	if record.LabReports == nil {
		record.LabReports = []models.LabReport{}
	}
	for i := range record.Prescriptions {
		if record.Prescriptions[i].ID == "" {
			record.Prescriptions[i].ID = uuid.New().String()
		}
		record.Prescriptions[i].RecordID = record.ID
	}
	for i := range record.LabReports {
		if record.LabReports[i].ID == "" {
			record.LabReports[i].ID = uuid.New().String()
		}
		record.LabReports[i].RecordID = record.ID
	}
}
