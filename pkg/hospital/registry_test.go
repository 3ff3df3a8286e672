package hospital

import (
	"context"
	"testing"

	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readOnlyStore struct{}

func (readOnlyStore) GetPatient(ctx context.Context, ic string) (*models.Patient, error) {
	return nil, ErrPatientNotFound
}

func (readOnlyStore) GetRecordsByPatient(ctx context.Context, ic string) ([]models.MedicalRecord, error) {
	return nil, nil
}

func (readOnlyStore) GetActivePrescriptions(ctx context.Context, ic string) ([]models.Prescription, error) {
	return nil, nil
}

func TestParseDirectory(t *testing.T) {
	t.Setenv("PENANG_DSN", "host=db-penang dbname=penang")
	content := []byte(`
hospitals:
  - id: kl
    name: Kuala Lumpur General
    kind: leveldb
    path: /var/lib/medrec/kl
  - id: penang
    name: Penang General
    kind: postgres
    dsn: ${PENANG_DSN}
  - id: jb
    name: Johor Bahru Specialist
    kind: remote
    url: https://jb.example.my
    oauth:
      client_id: hub
      client_secret: s3cret
      token_url: https://jb.example.my/oauth/token
`)
	dir, err := ParseDirectory(content)
	require.NoError(t, err)
	require.Len(t, dir.Hospitals, 3)
	assert.Equal(t, "host=db-penang dbname=penang", dir.Hospitals[1].DSN)
	require.NotNil(t, dir.Hospitals[2].OAuth)
	assert.Equal(t, "hub", dir.Hospitals[2].OAuth.ClientID)
}

func TestParseDirectoryRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"empty":     `hospitals: []`,
		"no id":     "hospitals:\n  - kind: leveldb\n    path: /x\n",
		"duplicate": "hospitals:\n  - {id: kl, kind: leveldb, path: /a}\n  - {id: kl, kind: leveldb, path: /b}\n",
		"bad kind":  "hospitals:\n  - {id: kl, kind: mongo}\n",
		"no dsn":    "hospitals:\n  - {id: kl, kind: postgres}\n",
		"no url":    "hospitals:\n  - {id: kl, kind: remote}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDirectory([]byte(content))
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	kl := newLevelStore(t, "kl")
	closed := false

	require.NoError(t, reg.Register("kl", "Kuala Lumpur General", kl, nil))
	require.NoError(t, reg.Register("penang", "", readOnlyStore{}, func() error { closed = true; return nil }))
	assert.Error(t, reg.Register("kl", "again", kl, nil))

	assert.Equal(t, []string{"kl", "penang"}, reg.IDs())
	assert.Equal(t, "penang", reg.Name("penang"))
	assert.Equal(t, "jb", reg.Name("jb"))

	_, ok := reg.Lookup("jb")
	assert.False(t, ok)

	_, ok = reg.Writable("kl")
	assert.True(t, ok)
	_, ok = reg.Writable("penang")
	assert.False(t, ok)

	require.NoError(t, reg.Close())
	assert.True(t, closed)
}

func TestOpenLevelDBDirectory(t *testing.T) {
	dir := Directory{Hospitals: []Definition{
		{ID: "kl", Name: "KL", Kind: KindLevelDB, Path: t.TempDir()},
		{ID: "jb", Name: "JB", Kind: KindRemote, URL: "http://jb.invalid", Token: "t"},
	}}
	reg, err := Open(dir, OpenOptions{})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"kl", "jb"}, reg.IDs())
	m, ok := reg.Lookup("jb")
	require.True(t, ok)
	assert.IsType(t, &RemoteStore{}, m.Store)
}

func TestDirectoryOnly(t *testing.T) {
	dir := Directory{Hospitals: []Definition{
		{ID: "kl", Kind: KindLevelDB, Path: "/tmp/kl"},
		{ID: "penang", Kind: KindRemote, URL: "http://penang"},
	}}

	own, err := dir.Only("penang")
	require.NoError(t, err)
	require.Len(t, own.Hospitals, 1)
	assert.Equal(t, "http://penang", own.Hospitals[0].URL)

	_, err = dir.Only("jb")
	assert.Error(t, err)
}
