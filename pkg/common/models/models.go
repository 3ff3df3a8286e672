package models

import (
	"time"
)

// Roles a caller may act under.
const (
	RoleDoctor        = "doctor"
	RolePatient       = "patient"
	RoleCentralAdmin  = "central_admin"
	RoleHospitalAdmin = "hospital_admin"
)

// Visit types.
const (
	VisitOutpatient = "outpatient"
	VisitInpatient  = "inpatient"
	VisitEmergency  = "emergency"
)

// Audit actions.
const (
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionView            = "view"
	ActionQuery           = "query"
	ActionCreate          = "create"
	ActionEmergencyAccess = "emergency_access"
)

// Caller is the authenticated identity a request runs under.
type Caller struct {
	ActorID        string `json:"actor_id"`
	Role           string `json:"role"`
	HomeHospitalID string `json:"home_hospital_id,omitempty"`
	ICNumber       string `json:"ic_number,omitempty"`
	IPAddress      string `json:"ip_address,omitempty"`
}

// ActorType maps a role onto the audit actor type.
func (c Caller) ActorType() string {
	switch c.Role {
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	default:
		return "admin"
	}
}

// Central index
type PatientIndexEntry struct {
	ICNumber    string    `json:"ic_number"`
	HospitalIDs []string  `json:"hospital_ids"`
	LastUpdated time.Time `json:"last_updated"`
}

// Contains reports whether hospitalID is already indexed for the entry.
func (e PatientIndexEntry) Contains(hospitalID string) bool {
	for _, id := range e.HospitalIDs {
		if id == hospitalID {
			return true
		}
	}
	return false
}

// Consent
type PrivacySetting struct {
	ICNumber   string    `json:"ic_number"`
	HospitalID string    `json:"hospital_id"`
	IsBlocked  bool      `json:"is_blocked"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Hospital-local clinical data
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship,omitempty"`
}

type Patient struct {
	ICNumber          string            `json:"ic_number"`
	Name              string            `json:"name"`
	DateOfBirth       *time.Time        `json:"date_of_birth,omitempty"`
	Gender            string            `json:"gender,omitempty"`
	BloodType         string            `json:"blood_type,omitempty"`
	Allergies         []string          `json:"allergies,omitempty"`
	ChronicConditions []string          `json:"chronic_conditions,omitempty"`
	EmergencyContact  *EmergencyContact `json:"emergency_contact,omitempty"`
	Phone             string            `json:"phone,omitempty"`
	Address           string            `json:"address,omitempty"`
}

type VitalSigns struct {
	BloodPressure    string  `json:"blood_pressure,omitempty"`
	HeartRate        int     `json:"heart_rate,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	Weight           float64 `json:"weight,omitempty"`
	Height           float64 `json:"height,omitempty"`
	OxygenSaturation int     `json:"oxygen_saturation,omitempty"`
}

type Prescription struct {
	ID             string `json:"id"`
	RecordID       string `json:"record_id"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	Frequency      string `json:"frequency"`
	Duration       string `json:"duration"`
	Quantity       int    `json:"quantity"`
	Instructions   string `json:"instructions,omitempty"`
	IsActive       bool   `json:"is_active"`
}

type LabReport struct {
	ID           string                 `json:"id"`
	RecordID     string                 `json:"record_id"`
	TestName     string                 `json:"test_name"`
	TestCategory string                 `json:"test_category,omitempty"`
	Results      map[string]interface{} `json:"results,omitempty"`
	NormalRange  string                 `json:"normal_range,omitempty"`
	IsAbnormal   bool                   `json:"is_abnormal"`
	ReportDate   time.Time              `json:"report_date"`
}

type MedicalRecord struct {
	ID             string         `json:"id"`
	ICNumber       string         `json:"ic_number"`
	HospitalID     string         `json:"hospital_id"`
	DoctorID       string         `json:"doctor_id"`
	VisitDate      time.Time      `json:"visit_date"`
	VisitType      string         `json:"visit_type"`
	Diagnosis      []string       `json:"diagnosis"`
	DiagnosisCodes []string       `json:"diagnosis_codes,omitempty"`
	Symptoms       []string       `json:"symptoms,omitempty"`
	VitalSigns     *VitalSigns    `json:"vital_signs,omitempty"`
	Prescriptions  []Prescription `json:"prescriptions"`
	LabReports     []LabReport    `json:"lab_reports"`
}

// Federated query results
type HospitalRecordBundle struct {
	HospitalID          string          `json:"hospital_id"`
	HospitalName        string          `json:"hospital_name"`
	Patient             *Patient        `json:"patient,omitempty"`
	Records             []MedicalRecord `json:"records"`
	ActivePrescriptions []Prescription  `json:"active_prescriptions,omitempty"`
	IsReadOnly          bool            `json:"is_read_only"`
	SourceHospital      string          `json:"source_hospital"`
	FetchError          string          `json:"fetch_error,omitempty"`
	LatencyMs           int64           `json:"latency_ms"`
}

// Reachable reports whether the hospital answered.
func (b HospitalRecordBundle) Reachable() bool {
	return b.FetchError == ""
}

type DrugInteraction struct {
	MedicationA string `json:"medication_a"`
	MedicationB string `json:"medication_b"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	HospitalA   string `json:"hospital_a"`
	HospitalB   string `json:"hospital_b"`
}

type AggregateQueryResult struct {
	ICNumber                string                 `json:"ic_number"`
	PatientSummary          *Patient               `json:"patient_summary,omitempty"`
	Hospitals               []HospitalRecordBundle `json:"hospitals"`
	Timeline                []MedicalRecord        `json:"timeline"`
	TotalRecords            int                    `json:"total_records"`
	TotalHospitalsQueried   int                    `json:"total_hospitals_queried"`
	TotalHospitalsReachable int                    `json:"total_hospitals_reachable"`
	QueryDurationMs         int64                  `json:"query_duration_ms"`
	Interactions            []DrugInteraction      `json:"interactions,omitempty"`
}

// Complete reports whether every queried hospital answered.
func (r AggregateQueryResult) Complete() bool {
	return r.TotalHospitalsQueried == r.TotalHospitalsReachable
}

type EmergencyBundle struct {
	HospitalID        string `json:"hospital_id"`
	HospitalName      string `json:"hospital_name"`
	ConsentOverridden bool   `json:"consent_overridden"`
	FetchError        string `json:"fetch_error,omitempty"`
}

type EmergencyResult struct {
	ICNumber                string            `json:"ic_number"`
	Name                    string            `json:"name,omitempty"`
	BloodType               string            `json:"blood_type,omitempty"`
	Allergies               []string          `json:"allergies"`
	ChronicConditions       []string          `json:"chronic_conditions"`
	EmergencyContact        *EmergencyContact `json:"emergency_contact,omitempty"`
	Hospitals               []EmergencyBundle `json:"hospitals"`
	TotalHospitalsQueried   int               `json:"total_hospitals_queried"`
	TotalHospitalsReachable int               `json:"total_hospitals_reachable"`
	QueryDurationMs         int64             `json:"query_duration_ms"`
}

// Audit trail
type AuditLogEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	ActorID          string    `json:"actor_id"`
	ActorType        string    `json:"actor_type"`
	ActorHospitalID  string    `json:"actor_hospital_id,omitempty"`
	TargetICNumber   string    `json:"target_ic_number,omitempty"`
	TargetHospitalID string    `json:"target_hospital_id,omitempty"`
	Details          string    `json:"details"`
	IPAddress        string    `json:"ip_address"`
	Success          bool      `json:"success"`
	PrevHash         string    `json:"prev_hash"`
	Hash             string    `json:"hash"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // record_persisted, audit_appended
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// RecordPersisted is emitted by a hospital after a local write so the
// central index can learn about the IC.
type RecordPersisted struct {
	ICNumber   string    `json:"ic_number"`
	HospitalID string    `json:"hospital_id"`
	RecordID   string    `json:"record_id,omitempty"`
	Kind       string    `json:"kind"` // patient, visit
	At         time.Time `json:"at"`
}

// Identity
type Account struct {
	ID         string    `json:"id"`
	ActorType  string    `json:"actor_type"`
	Role       string    `json:"role"`
	HospitalID string    `json:"hospital_id,omitempty"`
	ICNumber   string    `json:"ic_number,omitempty"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Caller builds the request identity for an authenticated account.
func (a Account) Caller(ip string) Caller {
	return Caller{
		ActorID:        a.ID,
		Role:           a.Role,
		HomeHospitalID: a.HospitalID,
		ICNumber:       a.ICNumber,
		IPAddress:      ip,
	}
}

type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	ActorType string `json:"actor_type"`
}

type AuthResponse struct {
	Token   string  `json:"token"`
	Account Account `json:"account"`
}

type PrivacyUpdateRequest struct {
	IsBlocked *bool `json:"isBlocked"`
}

type EmergencyRequest struct {
	Reason string `json:"reason"`
}
