package identity

import (
	"context"
	"testing"

	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService() *Service {
	s := NewService(NewMemoryStore())
	s.cost = bcrypt.MinCost
	return s
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newService()
	ctx := context.Background()

	acct, err := s.Register(ctx, RegisterRequest{
		ActorType: ActorDoctor, HospitalID: "kl", Email: " Dr.Lim@KL.example ", Name: "Dr Lim", Password: "s3cret-pass",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleDoctor, acct.Role)
	assert.Equal(t, "dr.lim@kl.example", acct.Email)

	got, err := s.Authenticate(ctx, "dr.lim@kl.example", "s3cret-pass", ActorDoctor)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = s.Authenticate(ctx, "dr.lim@kl.example", "wrong", ActorDoctor)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody@kl.example", "s3cret-pass", ActorDoctor)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSameEmailSeparateActorTypes(t *testing.T) {
	s := newService()
	ctx := context.Background()

	asDoctor, err := s.Register(ctx, RegisterRequest{ActorType: ActorDoctor, HospitalID: "kl", Email: "tan@example.com", Password: "doctor-pass"})
	require.NoError(t, err)
	asPatient, err := s.Register(ctx, RegisterRequest{ActorType: ActorPatient, ICNumber: "880101-14-5678", Email: "tan@example.com", Password: "patient-pass"})
	require.NoError(t, err)
	assert.NotEqual(t, asDoctor.ID, asPatient.ID)

	// each credential only opens its own actor type
	_, err = s.Authenticate(ctx, "tan@example.com", "doctor-pass", ActorPatient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	got, err := s.Authenticate(ctx, "tan@example.com", "patient-pass", ActorPatient)
	require.NoError(t, err)
	assert.Equal(t, "880101-14-5678", got.ICNumber)

	_, err = s.Register(ctx, RegisterRequest{ActorType: ActorDoctor, HospitalID: "jb", Email: "TAN@example.com", Password: "another-pass"})
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestRegisterValidation(t *testing.T) {
	s := newService()
	cases := map[string]RegisterRequest{
		"unknown actor":        {ActorType: "nurse", Email: "a@b.c", Password: "long-enough"},
		"short password":       {ActorType: ActorPatient, ICNumber: "1", Email: "a@b.c", Password: "short"},
		"doctor no hospital":   {ActorType: ActorDoctor, Email: "a@b.c", Password: "long-enough"},
		"patient no ic":        {ActorType: ActorPatient, Email: "a@b.c", Password: "long-enough"},
		"admin bad role":       {ActorType: ActorAdmin, Role: models.RoleDoctor, Email: "a@b.c", Password: "long-enough"},
		"missing email":        {ActorType: ActorAdmin, Password: "long-enough"},
		"hospital admin no id": {ActorType: ActorAdmin, Role: models.RoleHospitalAdmin, Email: "a@b.c", Password: "long-enough"},
	}
	for name, req := range cases {
		_, err := s.Register(context.Background(), req)
		assert.True(t, IsValidationError(err), name)
	}

	acct, err := s.Register(context.Background(), RegisterRequest{ActorType: ActorAdmin, Email: "root@central", Password: "long-enough"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleCentralAdmin, acct.Role)
}
