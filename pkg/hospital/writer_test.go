package hospital

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

type notifierFunc func(ctx context.Context, ic, hospitalID string) (bool, error)

func (f notifierFunc) RecordHospital(ctx context.Context, ic, hospitalID string) (bool, error) {
	return f(ctx, ic, hospitalID)
}

type capturePublisher struct {
	mu     sync.Mutex
	types  []string
	events []map[string]interface{}
}

func (p *capturePublisher) PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	p.events = append(p.events, data)
	return nil
}

func TestWriterAwaitsIndexUpdate(t *testing.T) {
	store := newLevelStore(t, "kl")
	pub := &capturePublisher{}
	var got []string
	notifier := notifierFunc(func(ctx context.Context, ic, hospitalID string) (bool, error) {
		got = append(got, ic+"@"+hospitalID)
		return true, nil
	})
	w := NewWriter("kl", store, notifier, pub)

	saved, err := w.SaveRecord(context.Background(), visit(testIC, time.Now(), "flu"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, []string{testIC + "@kl"}, got)
	assert.Empty(t, pub.events)
}

func TestWriterQueuesRetryOnIndexFailure(t *testing.T) {
	store := newLevelStore(t, "penang")
	pub := &capturePublisher{}
	notifier := notifierFunc(func(ctx context.Context, ic, hospitalID string) (bool, error) {
		return false, errors.New("central db unavailable")
	})
	w := NewWriter("penang", store, notifier, pub)
	before := metrics.IndexUpdateFailures()

	saved, err := w.SaveRecord(context.Background(), visit(testIC, time.Now(), "flu"))
	require.NoError(t, err, "local write must survive an index failure")

	records, err := store.GetRecordsByPatient(context.Background(), testIC)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventRecordPersisted, pub.types[0])
	evt, err := ParseRecordPersisted(pub.events[0])
	require.NoError(t, err)
	assert.Equal(t, testIC, evt.ICNumber)
	assert.Equal(t, "penang", evt.HospitalID)
	assert.Equal(t, saved.ID, evt.RecordID)
	assert.Greater(t, metrics.IndexUpdateFailures(), before)
}

func TestWriterNotifiesAfterCallerGoesAway(t *testing.T) {
	store := newLevelStore(t, "kl")
	pub := &capturePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := notifierFunc(func(nctx context.Context, ic, hospitalID string) (bool, error) {
		cancel()
		assert.NoError(t, nctx.Err())
		return false, errors.New("central db unavailable")
	})
	w := NewWriter("kl", store, notifier, pub)

	_, err := w.SaveRecord(ctx, visit(testIC, time.Now(), "flu"))
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Len(t, pub.events, 1, "retry is queued even though the caller cancelled")
}

func TestWriterSavePatientNotifies(t *testing.T) {
	store := newLevelStore(t, "jb")
	calls := 0
	w := NewWriter("jb", store, notifierFunc(func(ctx context.Context, ic, hospitalID string) (bool, error) {
		calls++
		return false, nil
	}), nil)

	require.NoError(t, w.SavePatient(context.Background(), models.Patient{ICNumber: testIC, Name: "Ahmad"}))
	assert.Equal(t, 1, calls)

	assert.True(t, IsValidationError(w.SavePatient(context.Background(), models.Patient{})))
	assert.Equal(t, 1, calls)
}

func TestParseRecordPersistedRequiresKeys(t *testing.T) {
	_, err := ParseRecordPersisted(map[string]interface{}{"ic_number": testIC})
	assert.True(t, IsValidationError(err))
}
