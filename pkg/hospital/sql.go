package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore reads a hospital's own PostgreSQL database.
type SQLStore struct {
	hospitalID string
	db         *gorm.DB
}

func NewSQLStore(hospitalID string, db *gorm.DB) *SQLStore {
	return &SQLStore{hospitalID: hospitalID, db: db}
}

type patientModel struct {
	ICNumber          string         `gorm:"primaryKey;column:ic_number"`
	Name              string         `gorm:"column:name"`
	DateOfBirth       *time.Time     `gorm:"column:date_of_birth"`
	Gender            string         `gorm:"column:gender"`
	BloodType         string         `gorm:"column:blood_type"`
	Allergies         datatypes.JSON `gorm:"column:allergies"`
	ChronicConditions datatypes.JSON `gorm:"column:chronic_conditions"`
	EmergencyContact  datatypes.JSON `gorm:"column:emergency_contact"`
	Phone             string         `gorm:"column:phone"`
	Address           string         `gorm:"column:address"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (patientModel) TableName() string { return "patients" }

type medicalRecordModel struct {
	ID             string         `gorm:"primaryKey;column:id"`
	ICNumber       string         `gorm:"column:ic_number;index"`
	HospitalID     string         `gorm:"column:hospital_id"`
	DoctorID       string         `gorm:"column:doctor_id"`
	VisitDate      time.Time      `gorm:"column:visit_date;index"`
	VisitType      string         `gorm:"column:visit_type"`
	Diagnosis      datatypes.JSON `gorm:"column:diagnosis"`
	DiagnosisCodes datatypes.JSON `gorm:"column:diagnosis_codes"`
	Symptoms       datatypes.JSON `gorm:"column:symptoms"`
	VitalSigns     datatypes.JSON `gorm:"column:vital_signs"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (medicalRecordModel) TableName() string { return "medical_records" }

type prescriptionModel struct {
	ID             string    `gorm:"primaryKey;column:id"`
	RecordID       string    `gorm:"column:record_id;index"`
	ICNumber       string    `gorm:"column:ic_number;index"`
	MedicationName string    `gorm:"column:medication_name"`
	Dosage         string    `gorm:"column:dosage"`
	Frequency      string    `gorm:"column:frequency"`
	Duration       string    `gorm:"column:duration"`
	Quantity       int       `gorm:"column:quantity"`
	Instructions   string    `gorm:"column:instructions"`
	IsActive       bool      `gorm:"column:is_active"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (prescriptionModel) TableName() string { return "prescriptions" }

type labReportModel struct {
	ID           string            `gorm:"primaryKey;column:id"`
	RecordID     string            `gorm:"column:record_id;index"`
	TestName     string            `gorm:"column:test_name"`
	TestCategory string            `gorm:"column:test_category"`
	Results      datatypes.JSONMap `gorm:"column:results"`
	NormalRange  string            `gorm:"column:normal_range"`
	IsAbnormal   bool              `gorm:"column:is_abnormal"`
	ReportDate   time.Time         `gorm:"column:report_date"`
}

func (labReportModel) TableName() string { return "lab_reports" }

func (s *SQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&patientModel{}, &medicalRecordModel{}, &prescriptionModel{}, &labReportModel{})
}

func (s *SQLStore) GetPatient(ctx context.Context, icNumber string) (*models.Patient, error) {
	var row patientModel
	result := s.db.WithContext(ctx).Where("ic_number = ?", icNumber).First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrPatientNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	patient := models.Patient{
		ICNumber:    row.ICNumber,
		Name:        row.Name,
		DateOfBirth: row.DateOfBirth,
		Gender:      row.Gender,
		BloodType:   row.BloodType,
		Phone:       row.Phone,
		Address:     row.Address,
	}
	if err := decodeJSON(row.Allergies, &patient.Allergies); err != nil {
		return nil, err
	}
	if err := decodeJSON(row.ChronicConditions, &patient.ChronicConditions); err != nil {
		return nil, err
	}
	if len(row.EmergencyContact) > 0 && string(row.EmergencyContact) != "null" {
		var contact models.EmergencyContact
		if err := json.Unmarshal(row.EmergencyContact, &contact); err != nil {
			return nil, err
		}
		patient.EmergencyContact = &contact
	}
	return &patient, nil
}

func (s *SQLStore) GetRecordsByPatient(ctx context.Context, icNumber string) ([]models.MedicalRecord, error) {
	var rows []medicalRecordModel
	err := s.db.WithContext(ctx).
		Where("ic_number = ?", icNumber).
		Order("visit_date ASC").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.MedicalRecord{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var rxRows []prescriptionModel
	if err := s.db.WithContext(ctx).Where("record_id IN ?", ids).Order("created_at ASC").Find(&rxRows).Error; err != nil {
		return nil, err
	}
	var labRows []labReportModel
	if err := s.db.WithContext(ctx).Where("record_id IN ?", ids).Order("report_date ASC").Find(&labRows).Error; err != nil {
		return nil, err
	}

	rxByRecord := make(map[string][]models.Prescription)
	for _, rx := range rxRows {
		rxByRecord[rx.RecordID] = append(rxByRecord[rx.RecordID], rx.toPrescription())
	}
	labsByRecord := make(map[string][]models.LabReport)
	for _, lab := range labRows {
		labsByRecord[lab.RecordID] = append(labsByRecord[lab.RecordID], lab.toLabReport())
	}

	records := make([]models.MedicalRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.MedicalRecord{
			ID:            row.ID,
			ICNumber:      row.ICNumber,
			HospitalID:    row.HospitalID,
			DoctorID:      row.DoctorID,
			VisitDate:     row.VisitDate.UTC(),
			VisitType:     row.VisitType,
			Prescriptions: rxByRecord[row.ID],
			LabReports:    labsByRecord[row.ID],
		}
		if rec.Prescriptions == nil {
			rec.Prescriptions = []models.Prescription{}
		}
		if rec.LabReports == nil {
			rec.LabReports = []models.LabReport{}
		}
		if err := decodeJSON(row.Diagnosis, &rec.Diagnosis); err != nil {
			return nil, err
		}
		if err := decodeJSON(row.DiagnosisCodes, &rec.DiagnosisCodes); err != nil {
			return nil, err
		}
		if err := decodeJSON(row.Symptoms, &rec.Symptoms); err != nil {
			return nil, err
		}
		if len(row.VitalSigns) > 0 && string(row.VitalSigns) != "null" {
			var vitals models.VitalSigns
			if err := json.Unmarshal(row.VitalSigns, &vitals); err != nil {
				return nil, err
			}
			rec.VitalSigns = &vitals
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SQLStore) GetActivePrescriptions(ctx context.Context, icNumber string) ([]models.Prescription, error) {
	var rows []prescriptionModel
	err := s.db.WithContext(ctx).
		Where("ic_number = ? AND is_active = ?", icNumber, true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Prescription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPrescription())
	}
	return out, nil
}

func (s *SQLStore) PutPatient(ctx context.Context, patient models.Patient) error {
	if err := validatePatient(patient); err != nil {
		return err
	}
	row := patientModel{
		ICNumber:          patient.ICNumber,
		Name:              patient.Name,
		DateOfBirth:       patient.DateOfBirth,
		Gender:            patient.Gender,
		BloodType:         patient.BloodType,
		Allergies:         encodeJSON(patient.Allergies),
		ChronicConditions: encodeJSON(patient.ChronicConditions),
		EmergencyContact:  encodeJSON(patient.EmergencyContact),
		Phone:             patient.Phone,
		Address:           patient.Address,
		UpdatedAt:         time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ic_number"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// PutRecord writes the visit and its children in one transaction.
func (s *SQLStore) PutRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error) {
	if err := validateRecord(record); err != nil {
		return models.MedicalRecord{}, err
	}
	prepareRecord(&record, s.hospitalID)
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := medicalRecordModel{
			ID:             record.ID,
			ICNumber:       record.ICNumber,
			HospitalID:     record.HospitalID,
			DoctorID:       record.DoctorID,
			VisitDate:      record.VisitDate,
			VisitType:      record.VisitType,
			Diagnosis:      encodeJSON(record.Diagnosis),
			DiagnosisCodes: encodeJSON(record.DiagnosisCodes),
			Symptoms:       encodeJSON(record.Symptoms),
			VitalSigns:     encodeJSON(record.VitalSigns),
			CreatedAt:      now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, rx := range record.Prescriptions {
			rxRow := prescriptionModel{
				ID:             rx.ID,
				RecordID:       record.ID,
				ICNumber:       record.ICNumber,
				MedicationName: rx.MedicationName,
				Dosage:         rx.Dosage,
				Frequency:      rx.Frequency,
				Duration:       rx.Duration,
				Quantity:       rx.Quantity,
				Instructions:   rx.Instructions,
				IsActive:       rx.IsActive,
				CreatedAt:      now,
			}
			if err := tx.Create(&rxRow).Error; err != nil {
				return err
			}
		}
		for _, lab := range record.LabReports {
			labRow := labReportModel{
				ID:           lab.ID,
				RecordID:     record.ID,
				TestName:     lab.TestName,
				TestCategory: lab.TestCategory,
				Results:      datatypes.JSONMap(lab.Results),
				NormalRange:  lab.NormalRange,
				IsAbnormal:   lab.IsAbnormal,
				ReportDate:   lab.ReportDate,
			}
			if err := tx.Create(&labRow).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.MedicalRecord{}, err
	}
	return record, nil
}

func (m prescriptionModel) toPrescription() models.Prescription {
	return models.Prescription{
		ID:             m.ID,
		RecordID:       m.RecordID,
		MedicationName: m.MedicationName,
		Dosage:         m.Dosage,
		Frequency:      m.Frequency,
		Duration:       m.Duration,
		Quantity:       m.Quantity,
		Instructions:   m.Instructions,
		IsActive:       m.IsActive,
	}
}

func (m labReportModel) toLabReport() models.LabReport {
	return models.LabReport{
		ID:           m.ID,
		RecordID:     m.RecordID,
		TestName:     m.TestName,
		TestCategory: m.TestCategory,
		Results:      map[string]interface{}(m.Results),
		NormalRange:  m.NormalRange,
		IsAbnormal:   m.IsAbnormal,
		ReportDate:   m.ReportDate.UTC(),
	}
}

func encodeJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

func decodeJSON(raw datatypes.JSON, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
