// Package model 定义了与数据库表对应的 Go 结构体以及向量库中的数据形态。
package model

import (
	"fmt"
	"strings"
	"time"
)

// 文档入库状态。
const (
	DocumentStatusProcessing = 0
	DocumentStatusReady      = 1
	DocumentStatusFailed     = 2
)

// Document 定义了 documents 表的 ORM 模型，一条记录对应一个上传的 PDF。
type Document struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"userId"`
	FileName     string    `gorm:"type:varchar(255);not null" json:"fileName"`
	FilePath     string    `gorm:"type:varchar(512);not null" json:"-"`
	FileSize     int64     `gorm:"not null;default:0" json:"fileSize"`
	CollectionID string    `gorm:"type:varchar(128);index" json:"collectionId"`
	Status       int       `gorm:"type:tinyint;not null;default:0" json:"status"`
	ChunkCount   int       `gorm:"not null;default:0" json:"chunkCount"`
	UploadedAt   time.Time `gorm:"autoCreateTime" json:"uploadedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// DocumentDTO 是返回给前端的文档视图。
type DocumentDTO struct {
	ID           uint      `json:"id"`
	FileName     string    `json:"fileName"`
	FileSize     int64     `json:"fileSize"`
	CollectionID string    `json:"collectionId"`
	Status       int       `json:"status"`
	ChunkCount   int       `json:"chunkCount"`
	UploadedAt   LocalTime `json:"uploadedAt"`
}

// ToDTO 转换为对外展示的结构。
func (d *Document) ToDTO() DocumentDTO {
	return DocumentDTO{
		ID:           d.ID,
		FileName:     d.FileName,
		FileSize:     d.FileSize,
		CollectionID: d.CollectionID,
		Status:       d.Status,
		ChunkCount:   d.ChunkCount,
		UploadedAt:   LocalTime(d.UploadedAt),
	}
}

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 格式序列化时间。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Time(t).Format(timeFormat))), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *LocalTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = LocalTime(time.Time{})
		return nil
	}
	parsed, err := time.ParseInLocation(timeFormat, s, time.Local)
	if err != nil {
		return err
	}
	*t = LocalTime(parsed)
	return nil
}
