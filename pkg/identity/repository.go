package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medrecnet/platform/pkg/common/models"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailAlreadyExists = errors.New("email already registered for this actor type")
)

// Store persists accounts with their password hashes. An email may hold one
// account per actor type.
type Store interface {
	CreateAccount(ctx context.Context, input CreateAccountInput) (models.Account, error)
	GetAccount(ctx context.Context, email, actorType string) (models.Account, string, error)
	GetAccountByID(ctx context.Context, id string) (models.Account, error)
}

type CreateAccountInput struct {
	ActorType    string
	Role         string
	HospitalID   string
	ICNumber     string
	Email        string
	Name         string
	PasswordHash string
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type accountModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Email        string `gorm:"uniqueIndex:idx_account_email_actor"`
	ActorType    string `gorm:"uniqueIndex:idx_account_email_actor"`
	Role         string `gorm:"index"`
	HospitalID   string
	ICNumber     string `gorm:"index"`
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountModel) TableName() string {
	return "accounts"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&accountModel{})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *Repository) CreateAccount(ctx context.Context, input CreateAccountInput) (models.Account, error) {
	email := normalizeEmail(input.Email)

	var existing int64
	if err := r.db.WithContext(ctx).Model(&accountModel{}).
		Where("email = ? AND actor_type = ?", email, input.ActorType).
		Count(&existing).Error; err != nil {
		return models.Account{}, err
	}
	if existing > 0 {
		return models.Account{}, ErrEmailAlreadyExists
	}

	now := time.Now().UTC()
	row := accountModel{
		ID:           uuid.NewString(),
		Email:        email,
		ActorType:    input.ActorType,
		Role:         input.Role,
		HospitalID:   input.HospitalID,
		ICNumber:     input.ICNumber,
		Name:         input.Name,
		PasswordHash: input.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Account{}, err
	}
	return row.toAccount(), nil
}

func (r *Repository) GetAccount(ctx context.Context, email, actorType string) (models.Account, string, error) {
	var row accountModel
	err := r.db.WithContext(ctx).
		Where("email = ? AND actor_type = ?", normalizeEmail(email), actorType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, "", ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, "", err
	}
	return row.toAccount(), row.PasswordHash, nil
}

func (r *Repository) GetAccountByID(ctx context.Context, id string) (models.Account, error) {
	var row accountModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return row.toAccount(), nil
}

func (m accountModel) toAccount() models.Account {
	return models.Account{
		ID:         m.ID,
		ActorType:  m.ActorType,
		Role:       m.Role,
		HospitalID: m.HospitalID,
		ICNumber:   m.ICNumber,
		Email:      m.Email,
		Name:       m.Name,
		CreatedAt:  m.CreatedAt,
	}
}

// MemoryStore keeps accounts in process.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]accountModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]accountModel)}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, input CreateAccountInput) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(input.Email)
	for _, row := range m.rows {
		if row.Email == email && row.ActorType == input.ActorType {
			return models.Account{}, ErrEmailAlreadyExists
		}
	}
	now := time.Now().UTC()
	row := accountModel{
		ID:           uuid.NewString(),
		Email:        email,
		ActorType:    input.ActorType,
		Role:         input.Role,
		HospitalID:   input.HospitalID,
		ICNumber:     input.ICNumber,
		Name:         input.Name,
		PasswordHash: input.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.rows[row.ID] = row
	return row.toAccount(), nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, email, actorType string) (models.Account, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = normalizeEmail(email)
	for _, row := range m.rows {
		if row.Email == email && row.ActorType == actorType {
			return row.toAccount(), row.PasswordHash, nil
		}
	}
	return models.Account{}, "", ErrAccountNotFound
}

func (m *MemoryStore) GetAccountByID(ctx context.Context, id string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return models.Account{}, ErrAccountNotFound
	}
	return row.toAccount(), nil
}
