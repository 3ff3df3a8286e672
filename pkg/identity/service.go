package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medrecnet/platform/pkg/common/models"
	"golang.org/x/crypto/bcrypt"
)

// Actor types an account can log in as.
const (
	ActorDoctor  = "doctor"
	ActorPatient = "patient"
	ActorAdmin   = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type ValidationError struct {
	reason string
}

func (e ValidationError) Error() string {
	return e.reason
}

func IsValidationError(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

type Service struct {
	store Store
	cost  int
}

func NewService(store Store) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type RegisterRequest struct {
	ActorType  string `json:"actor_type"`
	Role       string `json:"role"`
	HospitalID string `json:"hospital_id"`
	ICNumber   string `json:"ic_number"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Password   string `json:"password"`
}

// roleFor returns the role an actor type implies, or checks an explicit one.
func roleFor(actorType, role string) (string, error) {
	switch actorType {
	case ActorDoctor:
		return models.RoleDoctor, nil
	case ActorPatient:
		return models.RolePatient, nil
	case ActorAdmin:
		switch role {
		case "", models.RoleCentralAdmin:
			return models.RoleCentralAdmin, nil
		case models.RoleHospitalAdmin:
			return role, nil
		}
		return "", ValidationError{reason: fmt.Sprintf("role %q not valid for admin accounts", role)}
	default:
		return "", ValidationError{reason: fmt.Sprintf("unknown actor type %q", actorType)}
	}
}

// Register creates an account. Doctors and hospital admins belong to a
// hospital; patients carry their IC number.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (models.Account, error) {
	role, err := roleFor(req.ActorType, req.Role)
	if err != nil {
		return models.Account{}, err
	}
	if strings.TrimSpace(req.Email) == "" {
		return models.Account{}, ValidationError{reason: "email required"}
	}
	if len(req.Password) < 8 {
		return models.Account{}, ValidationError{reason: "password must be at least 8 characters"}
	}
	if (role == models.RoleDoctor || role == models.RoleHospitalAdmin) && req.HospitalID == "" {
		return models.Account{}, ValidationError{reason: "hospital_id required for " + role}
	}
	if role == models.RolePatient && strings.TrimSpace(req.ICNumber) == "" {
		return models.Account{}, ValidationError{reason: "ic_number required for patient accounts"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return models.Account{}, err
	}

	return s.store.CreateAccount(ctx, CreateAccountInput{
		ActorType:    req.ActorType,
		Role:         role,
		HospitalID:   strings.TrimSpace(req.HospitalID),
		ICNumber:     strings.TrimSpace(req.ICNumber),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
	})
}

// Authenticate checks a password against the account registered for email
// under actorType. Unknown accounts and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password, actorType string) (models.Account, error) {
	if password == "" || actorType == "" {
		return models.Account{}, ErrInvalidCredentials
	}
	account, hash, err := s.store.GetAccount(ctx, email, actorType)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return s.store.GetAccountByID(ctx, id)
}
