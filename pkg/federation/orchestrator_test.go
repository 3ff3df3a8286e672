package federation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/consent"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIC = "880101-14-5678"

func init() {
	logger.Silence(io.Discard)
}

// funcStore lets a test script each hospital's behaviour.
type funcStore struct {
	patient       func(ctx context.Context, ic string) (*models.Patient, error)
	records       func(ctx context.Context, ic string) ([]models.MedicalRecord, error)
	prescriptions func(ctx context.Context, ic string) ([]models.Prescription, error)
}

func (f funcStore) GetPatient(ctx context.Context, ic string) (*models.Patient, error) {
	if f.patient == nil {
		return nil, hospital.ErrPatientNotFound
	}
	return f.patient(ctx, ic)
}

func (f funcStore) GetRecordsByPatient(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
	if f.records == nil {
		return nil, nil
	}
	return f.records(ctx, ic)
}

func (f funcStore) GetActivePrescriptions(ctx context.Context, ic string) ([]models.Prescription, error) {
	if f.prescriptions == nil {
		return nil, nil
	}
	return f.prescriptions(ctx, ic)
}

func blockingStore() funcStore {
	return funcStore{records: func(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

// deafStore never looks at its context.
func deafStore(release <-chan struct{}) funcStore {
	return funcStore{records: func(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
		<-release
		return []models.MedicalRecord{}, nil
	}}
}

type flakyAuditor struct {
	*audit.Service
	mu      sync.Mutex
	failFor map[string]bool
}

func (f *flakyAuditor) Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error) {
	f.mu.Lock()
	fail := f.failFor[entry.Action]
	f.mu.Unlock()
	if fail {
		return models.AuditLogEntry{}, audit.ErrWriteFailed
	}
	return f.Service.Append(ctx, entry)
}

type fixture struct {
	t        *testing.T
	index    *index.Service
	consent  *consent.MemoryStore
	registry *hospital.Registry
	auditLog *audit.MemoryStore
	auditor  Auditor
	orch     *Orchestrator
}

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return base.AddDate(0, 0, n)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		index:    index.NewService(index.NewMemoryStore(), nil, nil),
		consent:  consent.NewMemoryStore(),
		registry: hospital.NewRegistry(),
		auditLog: audit.NewMemoryStore(),
	}
	f.auditor = audit.NewService(f.auditLog)
	t.Cleanup(func() { _ = f.registry.Close() })
	return f
}

func (f *fixture) build(cfg Config) *Orchestrator {
	f.orch = NewOrchestrator(f.index, f.consent, f.registry, f.auditor, nil, cfg)
	return f.orch
}

// levelHospital registers an in-memory hospital holding records at the given
// day offsets.
func (f *fixture) levelHospital(id, name string, patient *models.Patient, days ...int) *hospital.LevelStore {
	f.t.Helper()
	store, err := hospital.OpenMemoryLevelStore(id)
	require.NoError(f.t, err)
	require.NoError(f.t, f.registry.Register(id, name, store, store.Close))
	ctx := context.Background()
	if patient != nil {
		require.NoError(f.t, store.PutPatient(ctx, *patient))
	}
	for _, d := range days {
		_, err := store.PutRecord(ctx, models.MedicalRecord{
			ICNumber:  testIC,
			DoctorID:  "doc-" + id,
			VisitDate: day(d),
			VisitType: models.VisitOutpatient,
			Diagnosis: []string{id + " visit"},
		})
		require.NoError(f.t, err)
	}
	f.indexed(id)
	return store
}

func (f *fixture) fakeHospital(id string, store hospital.Store) {
	f.t.Helper()
	require.NoError(f.t, f.registry.Register(id, id, store, nil))
	f.indexed(id)
}

func (f *fixture) indexed(id string) {
	f.t.Helper()
	_, err := f.index.RecordHospital(context.Background(), testIC, id)
	require.NoError(f.t, err)
}

func (f *fixture) entries(filter audit.Filter) []models.AuditLogEntry {
	f.t.Helper()
	out, err := f.auditLog.Find(context.Background(), filter)
	require.NoError(f.t, err)
	return out
}

func countAction(entries []models.AuditLogEntry, action string, success bool) int {
	n := 0
	for _, e := range entries {
		if e.Action == action && e.Success == success {
			n++
		}
	}
	return n
}

var (
	klDoctor = models.Caller{ActorID: "doc-kl", Role: models.RoleDoctor, HomeHospitalID: "kl", IPAddress: "10.0.0.1"}
	admin    = models.Caller{ActorID: "adm-1", Role: models.RoleCentralAdmin}
	self     = models.Caller{ActorID: "pat-1", Role: models.RolePatient, ICNumber: testIC}
)

func TestQueryExampleScenario(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "Kuala Lumpur General", &models.Patient{ICNumber: testIC, Name: "Ahmad", BloodType: "O+"}, 1, 5)
	f.levelHospital("penang", "Penang General", nil, 3)
	f.levelHospital("jb", "Johor Bahru Specialist", nil, 4)
	require.NoError(t, f.consent.SetBlocked(context.Background(), testIC, "jb", true, base))
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)

	require.Len(t, result.Hospitals, 2)
	assert.Equal(t, "kl", result.Hospitals[0].HospitalID)
	assert.False(t, result.Hospitals[0].IsReadOnly)
	assert.Equal(t, "Kuala Lumpur General", result.Hospitals[0].HospitalName)
	assert.Equal(t, "penang", result.Hospitals[1].HospitalID)
	assert.True(t, result.Hospitals[1].IsReadOnly)
	assert.Equal(t, 2, result.TotalHospitalsQueried)
	assert.Equal(t, 2, result.TotalHospitalsReachable)
	assert.True(t, result.Complete())
	require.NotNil(t, result.PatientSummary)
	assert.Equal(t, "O+", result.PatientSummary.BloodType)

	require.Len(t, result.Timeline, 3)
	assert.Equal(t, day(5), result.Timeline[0].VisitDate)
	assert.Equal(t, "penang", result.Timeline[1].HospitalID)
	assert.Equal(t, day(1), result.Timeline[2].VisitDate)
	assert.Equal(t, 3, result.TotalRecords)

	trail := f.entries(audit.Filter{TargetICNumber: testIC, ActorID: klDoctor.ActorID})
	assert.Equal(t, 1, countAction(trail, models.ActionQuery, true))
	assert.Equal(t, 2, countAction(trail, models.ActionView, true))
	require.Equal(t, 1, countAction(trail, models.ActionView, false))
	for _, e := range trail {
		if e.Action == models.ActionView && !e.Success {
			assert.Equal(t, "jb", e.TargetHospitalID)
			assert.Equal(t, "consent denied", e.Details)
		}
	}
}

func TestQueryConsentExclusionProperty(t *testing.T) {
	callers := []models.Caller{klDoctor, self}
	for _, caller := range callers {
		t.Run(caller.Role, func(t *testing.T) {
			f := newFixture(t)
			f.levelHospital("kl", "KL", nil, 1)
			f.levelHospital("penang", "Penang", nil, 2)
			require.NoError(t, f.consent.SetBlocked(context.Background(), testIC, "penang", true, base))
			orch := f.build(Config{})

			result, err := orch.Query(context.Background(), testIC, caller, QueryOptions{})
			require.NoError(t, err)
			for _, b := range result.Hospitals {
				assert.NotEqual(t, "penang", b.HospitalID)
			}
			denials := 0
			for _, e := range f.entries(audit.Filter{TargetICNumber: testIC}) {
				if !e.Success && e.TargetHospitalID == "penang" {
					denials++
				}
			}
			assert.Equal(t, 1, denials)
		})
	}
}

func TestQueryCentralAdminBypassesConsent(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	f.levelHospital("jb", "JB", nil, 2)
	require.NoError(t, f.consent.SetBlocked(context.Background(), testIC, "jb", true, base))
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), testIC, admin, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Hospitals, 2)

	trail := f.entries(audit.Filter{ActorID: admin.ActorID})
	assert.Equal(t, 1, countAction(trail, models.ActionQuery, true))
	assert.Zero(t, countAction(trail, models.ActionView, true), "admins do not get per-hospital view entries")
	assert.Zero(t, countAction(trail, models.ActionView, false))
}

func TestQueryNotIndexedIsEmptySuccess(t *testing.T) {
	f := newFixture(t)
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), "000000-00-0000", klDoctor, QueryOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.TotalHospitalsQueried)
	assert.Empty(t, result.Hospitals)
	assert.Empty(t, result.Timeline)

	trail := f.entries(audit.Filter{TargetICNumber: "000000-00-0000"})
	assert.Equal(t, 1, countAction(trail, models.ActionQuery, true))
}

func TestQueryAuthorization(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	orch := f.build(Config{})
	ctx := context.Background()

	otherPatient := models.Caller{ActorID: "pat-2", Role: models.RolePatient, ICNumber: "900202-10-1234"}
	hospitalAdmin := models.Caller{ActorID: "hadm-1", Role: models.RoleHospitalAdmin, HomeHospitalID: "kl"}

	for _, caller := range []models.Caller{otherPatient, hospitalAdmin, {}} {
		_, err := orch.Query(ctx, testIC, caller, QueryOptions{})
		assert.True(t, errors.Is(err, ErrUnauthorized), "role %q", caller.Role)
	}

	_, err := orch.Query(ctx, testIC, self, QueryOptions{})
	require.NoError(t, err)

	denied := f.entries(audit.Filter{ActorID: "pat-2"})
	require.Len(t, denied, 1)
	assert.Equal(t, models.ActionQuery, denied[0].Action)
	assert.False(t, denied[0].Success)
	assert.Equal(t, testIC, denied[0].TargetICNumber)
}

func TestQueryPartialFailureTolerance(t *testing.T) {
	f := newFixture(t)
	f.fakeHospital("slow", blockingStore())
	f.levelHospital("kl", "KL", nil, 1)
	f.fakeHospital("broken", funcStore{records: func(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
		return nil, errors.New("connection refused")
	}})
	f.levelHospital("penang", "Penang", nil, 2)
	orch := f.build(Config{HospitalTimeout: 50 * time.Millisecond})

	start := time.Now()
	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, result.Hospitals, 4)
	assert.Equal(t, 4, result.TotalHospitalsQueried)
	assert.Equal(t, 2, result.TotalHospitalsReachable)
	assert.False(t, result.Complete())

	slow := result.Hospitals[0]
	assert.Equal(t, "slow", slow.HospitalID)
	assert.Contains(t, slow.FetchError, "timeout")
	assert.Empty(t, slow.Records)
	assert.Equal(t, "connection refused", result.Hospitals[2].FetchError)

	assert.Len(t, result.Timeline, 2)
	trail := f.entries(audit.Filter{ActorID: klDoctor.ActorID})
	assert.Equal(t, 2, countAction(trail, models.ActionView, true), "views only for reachable hospitals")
}

func TestQueryTimeoutIgnoresDeafStores(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.fakeHospital("deaf", deafStore(release))
	f.levelHospital("kl", "KL", nil, 1)
	orch := f.build(Config{HospitalTimeout: 30 * time.Millisecond})

	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)
	assert.Contains(t, result.Hospitals[0].FetchError, "timeout")
	assert.True(t, result.Hospitals[1].Reachable())
}

func TestQueryUnregisteredHospital(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	f.indexed("closed-clinic")
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Hospitals, 2)
	assert.Equal(t, "hospital not registered", result.Hospitals[1].FetchError)
}

func TestQueryReadOnlyMarkingProperty(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	f.levelHospital("penang", "Penang", nil, 1)
	f.levelHospital("jb", "JB", nil, 1)
	orch := f.build(Config{})

	for _, caller := range []models.Caller{klDoctor, self, admin, {ActorID: "doc-jb", Role: models.RoleDoctor, HomeHospitalID: "jb"}} {
		result, err := orch.Query(context.Background(), testIC, caller, QueryOptions{})
		require.NoError(t, err)
		for _, b := range result.Hospitals {
			assert.Equal(t, b.HospitalID != caller.HomeHospitalID, b.IsReadOnly)
		}
	}
}

func TestQueryDeterministicMergeOrder(t *testing.T) {
	f := newFixture(t)
	jitter := func(d time.Duration, records []models.MedicalRecord) funcStore {
		return funcStore{records: func(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
			time.Sleep(d)
			return records, nil
		}}
	}
	same := day(3)
	f.fakeHospital("a", jitter(20*time.Millisecond, []models.MedicalRecord{
		{ID: "a1", VisitDate: same}, {ID: "a2", VisitDate: same}, {ID: "a3", VisitDate: day(1)},
	}))
	f.fakeHospital("b", jitter(0, []models.MedicalRecord{
		{ID: "b1", VisitDate: same}, {ID: "b2", VisitDate: day(7)},
	}))
	f.fakeHospital("c", jitter(10*time.Millisecond, []models.MedicalRecord{
		{ID: "c1", VisitDate: day(1)},
	}))
	orch := f.build(Config{})

	want := []string{"b2", "a1", "a2", "b1", "a3", "c1"}
	for i := 0; i < 5; i++ {
		result, err := orch.Query(context.Background(), testIC, admin, QueryOptions{})
		require.NoError(t, err)
		got := make([]string, 0, len(result.Timeline))
		for _, r := range result.Timeline {
			got = append(got, r.ID)
		}
		assert.Equal(t, want, got)
	}
}

func TestQueryAuditWriteFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	f.auditor = &flakyAuditor{Service: audit.NewService(f.auditLog), failFor: map[string]bool{models.ActionQuery: true}}
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrAuditWrite))
}

func TestQueryViewAuditFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	f.auditor = &flakyAuditor{Service: audit.NewService(f.auditLog), failFor: map[string]bool{models.ActionView: true}}
	orch := f.build(Config{})

	_, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	assert.True(t, errors.Is(err, ErrAuditWrite))
}

func TestQueryCancellationDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil, 1)
	started := make(chan struct{})
	f.fakeHospital("slow", funcStore{records: func(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	orch := f.build(Config{HospitalTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := orch.Query(ctx, testIC, klDoctor, QueryOptions{})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))

	trail := f.entries(audit.Filter{ActorID: klDoctor.ActorID})
	assert.Equal(t, 1, countAction(trail, models.ActionQuery, false))
	assert.Zero(t, countAction(trail, models.ActionView, true))
}

func TestQueryIndexedButEmptyEverywhere(t *testing.T) {
	f := newFixture(t)
	f.levelHospital("kl", "KL", nil)
	f.levelHospital("penang", "Penang", nil)
	orch := f.build(Config{})

	result, err := orch.Query(context.Background(), testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalHospitalsReachable)
	assert.Empty(t, result.Timeline)
	for _, b := range result.Hospitals {
		assert.Empty(t, b.FetchError)
	}
}

func TestQueryCheckInteractions(t *testing.T) {
	f := newFixture(t)
	kl := f.levelHospital("kl", "KL", nil)
	penang := f.levelHospital("penang", "Penang", nil)
	ctx := context.Background()
	_, err := kl.PutRecord(ctx, models.MedicalRecord{
		ICNumber: testIC, VisitDate: day(1), VisitType: models.VisitOutpatient, Diagnosis: []string{"AF"},
		Prescriptions: []models.Prescription{{MedicationName: "Warfarin 5mg", IsActive: true}},
	})
	require.NoError(t, err)
	_, err = penang.PutRecord(ctx, models.MedicalRecord{
		ICNumber: testIC, VisitDate: day(2), VisitType: models.VisitOutpatient, Diagnosis: []string{"back pain"},
		Prescriptions: []models.Prescription{{MedicationName: "Naproxen 250mg", IsActive: true}},
	})
	require.NoError(t, err)
	orch := f.build(Config{})

	plain, err := orch.Query(ctx, testIC, klDoctor, QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, plain.Interactions)

	checked, err := orch.Query(ctx, testIC, klDoctor, QueryOptions{CheckInteractions: true})
	require.NoError(t, err)
	require.Len(t, checked.Interactions, 1)
	assert.Equal(t, "major", checked.Interactions[0].Severity)
	assert.ElementsMatch(t, []string{"kl", "penang"}, []string{checked.Interactions[0].HospitalA, checked.Interactions[0].HospitalB})
}
