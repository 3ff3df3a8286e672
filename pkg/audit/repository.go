package audit

import (
	"context"
	"errors"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"gorm.io/gorm"
)

const walkBatchSize = 500

// chainLockKey names the advisory lock guarding the chain head.
const chainLockKey int64 = 0x61756469

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type auditLogModel struct {
	Seq              int64     `gorm:"primaryKey;autoIncrement;column:seq"`
	ID               string    `gorm:"column:id;uniqueIndex"`
	Timestamp        time.Time `gorm:"column:timestamp;index"`
	Action           string    `gorm:"column:action"`
	ActorID          string    `gorm:"column:actor_id;index"`
	ActorType        string    `gorm:"column:actor_type"`
	ActorHospitalID  string    `gorm:"column:actor_hospital_id"`
	TargetICNumber   string    `gorm:"column:target_ic_number;index"`
	TargetHospitalID string    `gorm:"column:target_hospital_id"`
	Details          string    `gorm:"column:details"`
	IPAddress        string    `gorm:"column:ip_address"`
	Success          bool      `gorm:"column:success"`
	PrevHash         string    `gorm:"column:prev_hash"`
	Hash             string    `gorm:"column:hash"`
}

func (auditLogModel) TableName() string { return "audit_logs" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&auditLogModel{})
}

// AppendLinked holds a transaction-scoped advisory lock across reading the
// head and inserting, so services in different processes append in turn.
func (r *Repository) AppendLinked(ctx context.Context, entry *models.AuditLogEntry, link func(prev *models.AuditLogEntry)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", chainLockKey).Error; err != nil {
			return err
		}
		prev, err := lastEntry(tx)
		if err != nil {
			return err
		}
		link(prev)
		row := toAuditModel(entry)
		return tx.Create(&row).Error
	})
}

func lastEntry(tx *gorm.DB) (*models.AuditLogEntry, error) {
	var row auditLogModel
	result := tx.Order("seq DESC").First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	entry := row.toEntry()
	return &entry, nil
}

func (r *Repository) Find(ctx context.Context, filter Filter) ([]models.AuditLogEntry, error) {
	query := r.db.WithContext(ctx).Model(&auditLogModel{})
	if filter.ActorID != "" {
		query = query.Where("actor_id = ?", filter.ActorID)
	}
	if filter.TargetICNumber != "" {
		query = query.Where("target_ic_number = ?", filter.TargetICNumber)
	}
	if filter.From != nil {
		query = query.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("timestamp <= ?", *filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []auditLogModel
	if err := query.Order("seq DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntry())
	}
	return out, nil
}

// Walk visits entries in insertion order, paging by sequence number.
func (r *Repository) Walk(ctx context.Context, fn func(models.AuditLogEntry) error) error {
	var cursor int64
	for {
		var rows []auditLogModel
		err := r.db.WithContext(ctx).
			Where("seq > ?", cursor).
			Order("seq ASC").
			Limit(walkBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row.toEntry()); err != nil {
				return err
			}
			cursor = row.Seq
		}
		if len(rows) < walkBatchSize {
			return nil
		}
	}
}

func toAuditModel(entry *models.AuditLogEntry) auditLogModel {
	return auditLogModel{
		ID:               entry.ID,
		Timestamp:        entry.Timestamp,
		Action:           entry.Action,
		ActorID:          entry.ActorID,
		ActorType:        entry.ActorType,
		ActorHospitalID:  entry.ActorHospitalID,
		TargetICNumber:   entry.TargetICNumber,
		TargetHospitalID: entry.TargetHospitalID,
		Details:          entry.Details,
		IPAddress:        entry.IPAddress,
		Success:          entry.Success,
		PrevHash:         entry.PrevHash,
		Hash:             entry.Hash,
	}
}

func (m auditLogModel) toEntry() models.AuditLogEntry {
	return models.AuditLogEntry{
		ID:               m.ID,
		Timestamp:        m.Timestamp.UTC(),
		Action:           m.Action,
		ActorID:          m.ActorID,
		ActorType:        m.ActorType,
		ActorHospitalID:  m.ActorHospitalID,
		TargetICNumber:   m.TargetICNumber,
		TargetHospitalID: m.TargetHospitalID,
		Details:          m.Details,
		IPAddress:        m.IPAddress,
		Success:          m.Success,
		PrevHash:         m.PrevHash,
		Hash:             m.Hash,
	}
}
