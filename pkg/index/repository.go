package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type patientIndexModel struct {
	ICNumber    string         `gorm:"primaryKey;column:ic_number"`
	HospitalIDs datatypes.JSON `gorm:"column:hospital_ids"`
	LastUpdated time.Time      `gorm:"column:last_updated"`
}

func (patientIndexModel) TableName() string { return "patient_index" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&patientIndexModel{})
}

func (r *Repository) Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, error) {
	var row patientIndexModel
	result := r.db.WithContext(ctx).Where("ic_number = ?", icNumber).First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.PatientIndexEntry{}, ErrNotFound
	}
	if result.Error != nil {
		return models.PatientIndexEntry{}, result.Error
	}
	return row.toEntry()
}

// AddHospital locks the row with SELECT ... FOR UPDATE so concurrent writers
// for one IC, possibly in other processes, cannot lose each other's append.
func (r *Repository) AddHospital(ctx context.Context, icNumber, hospitalID string, now time.Time) (models.PatientIndexEntry, bool, error) {
	var (
		out     models.PatientIndexEntry
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := patientIndexModel{ICNumber: icNumber, HospitalIDs: datatypes.JSON("[]"), LastUpdated: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var row patientIndexModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ic_number = ?", icNumber).
			First(&row).Error; err != nil {
			return err
		}
		current, err := row.toEntry()
		if err != nil {
			return err
		}
		out, changed = appendHospital(current, hospitalID, now)
		if !changed {
			return nil
		}
		ids, err := json.Marshal(out.HospitalIDs)
		if err != nil {
			return err
		}
		return tx.Model(&patientIndexModel{}).
			Where("ic_number = ?", icNumber).
			Updates(map[string]interface{}{
				"hospital_ids": datatypes.JSON(ids),
				"last_updated": out.LastUpdated,
			}).Error
	})
	if err != nil {
		return models.PatientIndexEntry{}, false, fmt.Errorf("index add %s: %w", hospitalID, err)
	}
	return out, changed, nil
}

func (m patientIndexModel) toEntry() (models.PatientIndexEntry, error) {
	entry := models.PatientIndexEntry{
		ICNumber:    m.ICNumber,
		HospitalIDs: []string{},
		LastUpdated: m.LastUpdated.UTC(),
	}
	if len(m.HospitalIDs) > 0 {
		if err := json.Unmarshal(m.HospitalIDs, &entry.HospitalIDs); err != nil {
			return models.PatientIndexEntry{}, fmt.Errorf("decode hospital ids for %s: %w", m.ICNumber, err)
		}
	}
	return entry, nil
}
