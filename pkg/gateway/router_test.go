package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/consent"
	"github.com/medrecnet/platform/pkg/federation"
	"github.com/medrecnet/platform/pkg/gateway/auth"
	"github.com/medrecnet/platform/pkg/gateway/routes"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/identity"
	"github.com/medrecnet/platform/pkg/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIC  = "880101-14-5678"
	otherIC = "900202-10-1234"
)

func init() {
	logger.Silence(io.Discard)
}

var (
	doctorAccount  = models.Account{ID: "doc-kl", ActorType: "doctor", Role: models.RoleDoctor, HospitalID: "kl"}
	patientAccount = models.Account{ID: "pat-1", ActorType: "patient", Role: models.RolePatient, ICNumber: testIC}
	adminAccount   = models.Account{ID: "adm-1", ActorType: "admin", Role: models.RoleCentralAdmin}
	hAdminAccount  = models.Account{ID: "hadm-kl", ActorType: "admin", Role: models.RoleHospitalAdmin, HospitalID: "kl"}
)

type testEnv struct {
	t        *testing.T
	router   http.Handler
	tokens   *auth.JWTManager
	auditLog *audit.MemoryStore
	identity *identity.Service
	index    *index.Service
}

// brokenStore fails every audit write.
type brokenStore struct{ *audit.MemoryStore }

func (brokenStore) AppendLinked(ctx context.Context, entry *models.AuditLogEntry, link func(prev *models.AuditLogEntry)) error {
	return errors.New("disk full")
}

type envOptions struct {
	brokenAudit bool
	probe       func(ctx context.Context) error
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	auditLog := audit.NewMemoryStore()
	auditService := audit.NewService(auditLog)
	orchestratorAudit := auditService
	if opts.brokenAudit {
		orchestratorAudit = audit.NewService(brokenStore{audit.NewMemoryStore()})
	}

	indexService := index.NewService(index.NewMemoryStore(), nil, auditService)
	consentStore := consent.NewMemoryStore()
	consentService := consent.NewService(consentStore, auditService)

	registry := hospital.NewRegistry()
	t.Cleanup(func() { _ = registry.Close() })
	for _, id := range []string{"kl", "penang"} {
		store, err := hospital.OpenMemoryLevelStore(id)
		require.NoError(t, err)
		require.NoError(t, registry.Register(id, strings.ToUpper(id)+" General", store, store.Close))
		require.NoError(t, store.PutPatient(ctx, models.Patient{ICNumber: testIC, Name: "Ahmad", BloodType: "A+"}))
		_, err = store.PutRecord(ctx, models.MedicalRecord{
			ICNumber: testIC, VisitDate: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			VisitType: models.VisitOutpatient, Diagnosis: []string{"check-up"},
		})
		require.NoError(t, err)
		_, err = indexService.RecordHospital(ctx, testIC, id)
		require.NoError(t, err)
	}

	orchestrator := federation.NewOrchestrator(indexService, consentService, registry, orchestratorAudit, nil, federation.Config{HospitalTimeout: time.Second})

	tokens, err := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "medrec-central", "medrec", time.Hour, auth.NewMemoryRevoker())
	require.NoError(t, err)

	identityService := identity.NewService(identity.NewMemoryStore())

	var checks []routes.ReadinessCheck
	if opts.probe != nil {
		checks = append(checks, routes.ReadinessCheck{Name: "postgres", Probe: opts.probe})
	}

	router := NewRouter(RouterConfig{
		Tokens:         tokens,
		Central:        routes.NewCentralHandler(orchestrator, auditService, consentService, indexService),
		Emergency:      routes.NewEmergencyHandler(orchestrator),
		Auth:           routes.NewAuthHandler(identityService, tokens, auditService),
		Metrics:        routes.NewMetricsHandler(checks...),
		MaxRequestBody: 1 << 20,
	})

	return &testEnv{
		t:        t,
		router:   router,
		tokens:   tokens,
		auditLog: auditLog,
		identity: identityService,
		index:    indexService,
	}
}

func (e *testEnv) token(account models.Account) string {
	e.t.Helper()
	token, err := e.tokens.IssueToken(account)
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestQueryRequiresAuthentication(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(http.MethodGet, "/central/query/"+testIC, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/central/query/"+testIC, "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestQueryAsDoctor(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(http.MethodGet, "/central/query/"+testIC, env.token(doctorAccount), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[models.AggregateQueryResult](t, rec)
	assert.Equal(t, 2, result.TotalHospitalsQueried)
	assert.Equal(t, 2, result.TotalHospitalsReachable)
	require.Len(t, result.Hospitals, 2)
	assert.False(t, result.Hospitals[0].IsReadOnly)
	assert.True(t, result.Hospitals[1].IsReadOnly)
	assert.Equal(t, "KL General", result.Hospitals[0].HospitalName)
}

func TestQueryForbiddenRoles(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(http.MethodGet, "/central/query/"+testIC, env.token(hAdminAccount), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/central/query/"+otherIC, env.token(patientAccount), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/central/query/"+testIC+"?checkInteractions=maybe", env.token(doctorAccount), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryAuditOutageIsServiceUnavailable(t *testing.T) {
	env := newEnv(t, envOptions{brokenAudit: true})

	rec := env.do(http.MethodGet, "/central/query/"+testIC, env.token(doctorAccount), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Ahmad")
}

func TestPrivacyEndpoints(t *testing.T) {
	env := newEnv(t, envOptions{})
	patient := env.token(patientAccount)

	rec := env.do(http.MethodPost, "/central/privacy/"+testIC+"/penang", patient, map[string]bool{"isBlocked": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.PrivacySetting](t, rec).IsBlocked)

	rec = env.do(http.MethodPost, "/central/privacy/"+testIC+"/penang", env.token(doctorAccount), map[string]bool{"isBlocked": false})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/central/privacy/"+testIC+"/penang", patient, map[string]string{"blocked": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/central/privacy/"+testIC, patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode[[]models.PrivacySetting](t, rec)
	require.Len(t, settings, 1)
	assert.Equal(t, "penang", settings[0].HospitalID)

	// the doctor's view now omits penang
	rec = env.do(http.MethodGet, "/central/query/"+testIC, env.token(doctorAccount), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[models.AggregateQueryResult](t, rec)
	require.Len(t, result.Hospitals, 1)
	assert.Equal(t, "kl", result.Hospitals[0].HospitalID)
}

func TestAuditLogScoping(t *testing.T) {
	env := newEnv(t, envOptions{})
	doctor := env.token(doctorAccount)
	patient := env.token(patientAccount)
	admin := env.token(adminAccount)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/central/query/"+testIC, doctor, nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/central/query/"+testIC, admin, nil).Code)

	rec := env.do(http.MethodGet, "/central/audit-logs", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, e := range decode[[]models.AuditLogEntry](t, rec) {
		assert.Equal(t, doctorAccount.ID, e.ActorID)
	}

	rec = env.do(http.MethodGet, "/central/audit-logs?actorId="+adminAccount.ID, doctor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/central/audit-logs", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]models.AuditLogEntry](t, rec)
	assert.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, testIC, e.TargetICNumber)
	}

	rec = env.do(http.MethodGet, "/central/audit-logs?targetIcNumber="+otherIC, patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/central/audit-logs?actorId="+adminAccount.ID+"&limit=1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.AuditLogEntry](t, rec), 1)

	rec = env.do(http.MethodGet, "/central/audit-logs?startDate=2024-05-02&endDate=2024-05-01", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/central/audit-logs/verify", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/central/audit-logs/verify", doctor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIndexEndpointAdminOnly(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(http.MethodGet, "/central/index/"+testIC, env.token(adminAccount), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []string{"kl", "penang"}, decode[models.PatientIndexEntry](t, rec).HospitalIDs)

	rec = env.do(http.MethodGet, "/central/index/"+testIC, env.token(doctorAccount), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/central/index/"+otherIC, env.token(adminAccount), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmergencyEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{})
	doctor := env.token(doctorAccount)

	rec := env.do(http.MethodPost, "/emergency/query/"+testIC, doctor, map[string]string{"reason": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/emergency/query/"+testIC, env.token(patientAccount), map[string]string{"reason": "help"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/emergency/query/"+testIC, doctor, map[string]string{"reason": "road traffic accident"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[models.EmergencyResult](t, rec)
	assert.Equal(t, "A+", result.BloodType)

	logs, err := env.auditLog.Find(context.Background(), audit.Filter{ActorID: doctorAccount.ID})
	require.NoError(t, err)
	var emergency int
	for _, e := range logs {
		if e.Action == models.ActionEmergencyAccess {
			emergency++
		}
	}
	assert.Equal(t, 2, emergency, "denied and granted attempts are both audited")
}

func TestEmergencyMalformedBodyIsAudited(t *testing.T) {
	env := newEnv(t, envOptions{})
	doctor := env.token(doctorAccount)
	before := env.auditLog.Len()

	for _, body := range []string{"", "{not json", `{"reason":"x","extra":"y"}`} {
		req := httptest.NewRequest(http.MethodPost, "/emergency/query/"+testIC, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+doctor)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	logs, err := env.auditLog.Find(context.Background(), audit.Filter{ActorID: doctorAccount.ID})
	require.NoError(t, err)
	var denied int
	for _, e := range logs {
		if e.Action == models.ActionEmergencyAccess && !e.Success {
			denied++
		}
	}
	assert.Equal(t, 3, denied)
	assert.Equal(t, before+3, env.auditLog.Len())
}

func TestLoginLogout(t *testing.T) {
	env := newEnv(t, envOptions{})
	_, err := env.identity.Register(context.Background(), identity.RegisterRequest{
		ActorType: identity.ActorPatient, ICNumber: testIC, Email: "ahmad@example.com", Password: "correct-horse",
	})
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "ahmad@example.com", Password: "wrong-horse", ActorType: "patient"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "ahmad@example.com", Password: "correct-horse", ActorType: "patient"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[models.AuthResponse](t, rec)
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, testIC, resp.Account.ICNumber)

	rec = env.do(http.MethodGet, "/auth/me", resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/central/query/"+testIC, resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/auth/logout", resp.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/central/query/"+testIC, resp.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	logs, err := env.auditLog.Find(context.Background(), audit.Filter{})
	require.NoError(t, err)
	var logins, failed, logouts int
	for _, e := range logs {
		switch {
		case e.Action == models.ActionLogin && e.Success:
			logins++
		case e.Action == models.ActionLogin:
			failed++
		case e.Action == models.ActionLogout:
			logouts++
		}
	}
	assert.Equal(t, 1, logins)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, logouts)
}

func TestRegisterRequiresCentralAdmin(t *testing.T) {
	env := newEnv(t, envOptions{})
	req := identity.RegisterRequest{ActorType: identity.ActorDoctor, HospitalID: "kl", Email: "new@kl.example", Password: "long-enough"}

	rec := env.do(http.MethodPost, "/auth/register", env.token(doctorAccount), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/auth/register", env.token(adminAccount), req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/auth/register", env.token(adminAccount), req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newEnv(t, envOptions{probe: func(ctx context.Context) error { return errors.New("connection refused") }})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", nil).Code)

	rec := env.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "medrec_federated_queries_total")

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/nowhere", "", nil).Code)
}
