package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/medrecnet/platform/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type privacySettingModel struct {
	ID         uuid.UUID `gorm:"primaryKey;column:id"`
	ICNumber   string    `gorm:"column:ic_number;uniqueIndex:idx_privacy_ic_hospital"`
	HospitalID string    `gorm:"column:hospital_id;uniqueIndex:idx_privacy_ic_hospital"`
	IsBlocked  bool      `gorm:"column:is_blocked"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (privacySettingModel) TableName() string { return "privacy_settings" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&privacySettingModel{})
}

func (r *Repository) IsBlocked(ctx context.Context, icNumber, hospitalID string) (bool, error) {
	var row privacySettingModel
	result := r.db.WithContext(ctx).
		Where("ic_number = ? AND hospital_id = ?", icNumber, hospitalID).
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		return false, result.Error
	}
	return row.IsBlocked, nil
}

// SetBlocked upserts on (ic_number, hospital_id); the last write wins.
func (r *Repository) SetBlocked(ctx context.Context, icNumber, hospitalID string, blocked bool, at time.Time) error {
	row := privacySettingModel{
		ID:         uuid.New(),
		ICNumber:   icNumber,
		HospitalID: hospitalID,
		IsBlocked:  blocked,
		UpdatedAt:  at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ic_number"}, {Name: "hospital_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_blocked", "updated_at"}),
	}).Create(&row).Error
}

func (r *Repository) RestoreBlocked(ctx context.Context, icNumber, hospitalID string, writtenAt time.Time, blocked bool) (bool, error) {
	result := r.db.WithContext(ctx).Model(&privacySettingModel{}).
		Where("ic_number = ? AND hospital_id = ? AND updated_at = ?", icNumber, hospitalID, writtenAt).
		Update("is_blocked", blocked)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) List(ctx context.Context, icNumber string) ([]models.PrivacySetting, error) {
	var rows []privacySettingModel
	err := r.db.WithContext(ctx).
		Where("ic_number = ?", icNumber).
		Order("hospital_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.PrivacySetting, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.PrivacySetting{
			ICNumber:   row.ICNumber,
			HospitalID: row.HospitalID,
			IsBlocked:  row.IsBlocked,
			UpdatedAt:  row.UpdatedAt.UTC(),
		})
	}
	return out, nil
}
