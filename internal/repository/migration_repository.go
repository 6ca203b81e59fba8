package repository

import (
	"errors"

	"gorm.io/gorm"

	"doc-chat-go/internal/model"
)

// MigrationRepository 持久化 schema_migrations 表中的迁移状态。
type MigrationRepository interface {
	List() ([]model.MigrationRecord, error)
	// Get 在没有记录时返回 nil, nil（即 PENDING）。
	Get(version int) (*model.MigrationRecord, error)
	Save(rec *model.MigrationRecord) error
	Delete(version int) error
}

type migrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository 创建一个新的 MigrationRepository 实例。
func NewMigrationRepository(db *gorm.DB) MigrationRepository {
	return &migrationRepository{db: db}
}

func (r *migrationRepository) List() ([]model.MigrationRecord, error) {
	var records []model.MigrationRecord
	err := r.db.Order("version asc").Find(&records).Error
	return records, err
}

func (r *migrationRepository) Get(version int) (*model.MigrationRecord, error) {
	var rec model.MigrationRecord
	err := r.db.Where("version = ?", version).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save 按主键 version 插入或更新。
func (r *migrationRepository) Save(rec *model.MigrationRecord) error {
	return r.db.Save(rec).Error
}

func (r *migrationRepository) Delete(version int) error {
	return r.db.Where("version = ?", version).Delete(&model.MigrationRecord{}).Error
}
