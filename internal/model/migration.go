package model

import "time"

// 迁移状态机中的持久化状态。PENDING 不落库：没有记录即视为 PENDING。
const (
	MigrationPending = "PENDING"
	MigrationRunning = "RUNNING"
	MigrationApplied = "APPLIED"
	MigrationFailed  = "FAILED"
)

// MigrationRecord 对应 schema_migrations 表，记录每个迁移版本的执行状态。
type MigrationRecord struct {
	Version   int        `gorm:"primaryKey;autoIncrement:false" json:"version"`
	Name      string     `gorm:"type:varchar(128);not null" json:"name"`
	Status    string     `gorm:"type:varchar(16);not null" json:"status"`
	AppliedAt *time.Time `gorm:"default:null" json:"appliedAt"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	Log       string     `gorm:"type:text" json:"log"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}
