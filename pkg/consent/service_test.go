package consent

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIC = "880101-14-5678"

func init() {
	logger.Silence(io.Discard)
}

type brokenAuditor struct{}

func (brokenAuditor) Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error) {
	return models.AuditLogEntry{}, audit.ErrWriteFailed
}

var (
	patient = models.Caller{ActorID: "pat-1", Role: models.RolePatient, ICNumber: testIC}
	other   = models.Caller{ActorID: "pat-2", Role: models.RolePatient, ICNumber: "900202-10-1234"}
	doctor  = models.Caller{ActorID: "doc-1", Role: models.RoleDoctor, HomeHospitalID: "kl"}
	admin   = models.Caller{ActorID: "adm-1", Role: models.RoleCentralAdmin}
)

func TestDefaultIsNotBlocked(t *testing.T) {
	svc := NewService(NewMemoryStore(), audit.NewService(audit.NewMemoryStore()))
	blocked, err := svc.IsBlocked(context.Background(), testIC, "penang")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestPatientCanBlockAndUnblock(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	svc := NewService(NewMemoryStore(), audit.NewService(auditStore))
	ctx := context.Background()

	setting, err := svc.Update(ctx, patient, testIC, "penang", true)
	require.NoError(t, err)
	assert.True(t, setting.IsBlocked)

	blocked, err := svc.IsBlocked(ctx, testIC, "penang")
	require.NoError(t, err)
	assert.True(t, blocked)

	_, err = svc.Update(ctx, patient, testIC, "penang", false)
	require.NoError(t, err)
	blocked, err = svc.IsBlocked(ctx, testIC, "penang")
	require.NoError(t, err)
	assert.False(t, blocked)

	list, err := svc.List(ctx, patient, testIC)
	require.NoError(t, err)
	require.Len(t, list, 1)

	entries, err := auditStore.Find(ctx, audit.Filter{ActorID: "pat-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, entries[0].Success)
}

func TestOnlyOwnerOrAdminMayUpdate(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	svc := NewService(NewMemoryStore(), audit.NewService(auditStore))
	ctx := context.Background()

	_, err := svc.Update(ctx, other, testIC, "penang", true)
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = svc.Update(ctx, doctor, testIC, "penang", true)
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = svc.List(ctx, doctor, testIC)
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = svc.Update(ctx, admin, testIC, "penang", true)
	require.NoError(t, err)

	denied, err := auditStore.Find(ctx, audit.Filter{TargetICNumber: testIC})
	require.NoError(t, err)
	require.Len(t, denied, 3)
	assert.True(t, denied[0].Success)
	assert.False(t, denied[1].Success)
	assert.False(t, denied[2].Success)
}

func TestAuditFailureRestoresPreviousValue(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, brokenAuditor{})
	ctx := context.Background()

	_, err := svc.Update(ctx, patient, testIC, "penang", true)
	require.ErrorIs(t, err, audit.ErrWriteFailed)

	blocked, err := store.IsBlocked(ctx, testIC, "penang")
	require.NoError(t, err)
	assert.False(t, blocked)
}

type auditorFunc func(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error)

func (f auditorFunc) Append(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error) {
	return f(ctx, entry)
}

func TestAuditFailureKeepsConcurrentUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	later := time.Now().Add(time.Minute)

	// another update lands while this one is being audited
	svc := NewService(store, auditorFunc(func(ctx context.Context, entry models.AuditLogEntry) (models.AuditLogEntry, error) {
		require.NoError(t, store.SetBlocked(ctx, testIC, "penang", true, later))
		return models.AuditLogEntry{}, audit.ErrWriteFailed
	}))

	_, err := svc.Update(ctx, patient, testIC, "penang", true)
	require.ErrorIs(t, err, audit.ErrWriteFailed)

	list, err := store.List(ctx, testIC)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsBlocked)
	assert.True(t, list[0].UpdatedAt.Equal(later))
}

func TestLastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, audit.NewService(audit.NewMemoryStore()))
	ctx := context.Background()

	for _, blocked := range []bool{true, false, true} {
		_, err := svc.Update(ctx, admin, testIC, "jb", blocked)
		require.NoError(t, err)
	}
	list, err := store.List(ctx, testIC)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsBlocked)
}
