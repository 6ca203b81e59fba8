// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"doc-chat-go/internal/model"
)

// DocumentRepository 定义了文档记录的持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id uint) (*model.Document, error)
	FindByUserID(userID uint) ([]model.Document, error)
	FindAll() ([]model.Document, error)
	UpdateStatus(id uint, status, chunkCount int) error
	UpdateCollectionID(id uint, collectionID string) error
	Delete(id uint) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 找不到时返回 model.ErrDocumentNotFound。
func (r *documentRepository) FindByID(id uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id=%d", model.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByUserID(userID uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ?", userID).Order("uploaded_at DESC, id DESC").Find(&docs).Error
	return docs, err
}

// FindAll 按 (user_id, id) 排序返回全部文档，供迁移逐用户处理。
func (r *documentRepository) FindAll() ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Order("user_id ASC, id ASC").Find(&docs).Error
	return docs, err
}

func (r *documentRepository) UpdateStatus(id uint, status, chunkCount int) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "chunk_count": chunkCount}).Error
}

func (r *documentRepository) UpdateCollectionID(id uint, collectionID string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).Update("collection_id", collectionID).Error
}

func (r *documentRepository) Delete(id uint) error {
	return r.db.Delete(&model.Document{}, id).Error
}
