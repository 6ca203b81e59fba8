package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"doc-chat-go/internal/model"
	"doc-chat-go/internal/repository"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/storage"
	"doc-chat-go/pkg/tasks"
)

// ErrNotPDF 上传的文件不是 PDF。
var ErrNotPDF = errors.New("only PDF files are supported")

// IngestProcessor 执行或放弃一个入库任务，由 pipeline.Processor 实现。
type IngestProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
	Discard(ctx context.Context, task tasks.IngestTask, cause error)
}

// TaskPublisher 把入库任务投递到消息队列。
type TaskPublisher interface {
	PublishIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// DocumentIndex 是删除文档时需要的集合操作，由 vectorstore.Store 实现。
type DocumentIndex interface {
	RemoveDocument(ctx context.Context, userID, docID uint) error
	DropCollection(ctx context.Context, name string) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, userID uint, fileName string, r io.Reader, size int64) (*model.DocumentDTO, error)
	List(userID uint) ([]model.DocumentDTO, error)
	Delete(ctx context.Context, userID, docID uint) error
}

type documentService struct {
	docRepo   repository.DocumentRepository
	files     storage.FileStore
	index     DocumentIndex
	processor IngestProcessor
	publisher TaskPublisher // 为 nil 时同步入库
}

// NewDocumentService 创建一个新的 DocumentService 实例。publisher 为 nil 时上传请求内同步完成入库。
func NewDocumentService(docRepo repository.DocumentRepository, files storage.FileStore, index DocumentIndex, processor IngestProcessor, publisher TaskPublisher) DocumentService {
	return &documentService{
		docRepo:   docRepo,
		files:     files,
		index:     index,
		processor: processor,
		publisher: publisher,
	}
}

// Upload 保存文件、创建文档记录并入库。同步模式下返回时文档已可检索；
// 入库失败时文档记录和文件都会被清理。
func (s *documentService) Upload(ctx context.Context, userID uint, fileName string, r io.Reader, size int64) (*model.DocumentDTO, error) {
	fileName = filepath.Base(fileName)
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		return nil, ErrNotPDF
	}

	objectKey := fmt.Sprintf("uploads/%d/%s_%s", userID, uuid.NewString(), fileName)
	if err := s.files.Put(ctx, objectKey, r, size, "application/pdf"); err != nil {
		return nil, err
	}

	doc := &model.Document{
		UserID:       userID,
		FileName:     fileName,
		FilePath:     objectKey,
		FileSize:     size,
		CollectionID: vectorstore.CollectionName(userID, vectorstore.PurposeDefault),
		Status:       model.DocumentStatusProcessing,
	}
	if err := s.docRepo.Create(doc); err != nil {
		if rmErr := s.files.Remove(context.WithoutCancel(ctx), objectKey); rmErr != nil {
			log.Errorf("[DocumentService] 清理文件 %s 失败: %v", objectKey, rmErr)
		}
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档记录已创建, DocID: %d, UserID: %d, FileName: %s", doc.ID, userID, fileName)

	task := tasks.IngestTask{DocID: doc.ID, UserID: userID, ObjectKey: objectKey, FileName: fileName}
	if s.publisher != nil {
		if err := s.publisher.PublishIngestTask(ctx, task); err != nil {
			s.processor.Discard(ctx, task, err)
			return nil, fmt.Errorf("投递入库任务失败: %w", err)
		}
		dto := doc.ToDTO()
		return &dto, nil
	}

	if err := s.processor.Process(ctx, task); err != nil {
		// 提取失败时 Process 已经清理
		if !errors.Is(err, model.ErrExtraction) {
			s.processor.Discard(ctx, task, err)
		}
		return nil, fmt.Errorf("文档处理失败, 请重试: %w", err)
	}

	saved, err := s.docRepo.FindByID(doc.ID)
	if err != nil {
		return nil, err
	}
	dto := saved.ToDTO()
	return &dto, nil
}

func (s *documentService) List(userID uint) ([]model.DocumentDTO, error) {
	docs, err := s.docRepo.FindByUserID(userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.DocumentDTO, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].ToDTO())
	}
	return out, nil
}

// Delete 删除文档的分块、文件和记录。尚未迁移的文档直接删除其独立集合。
func (s *documentService) Delete(ctx context.Context, userID, docID uint) error {
	doc, err := s.docRepo.FindByID(docID)
	if err != nil {
		return err
	}
	if doc.UserID != userID {
		return fmt.Errorf("%w: id=%d", model.ErrDocumentNotFound, docID)
	}

	legacy := vectorstore.LegacyCollectionName(userID, docID)
	if doc.CollectionID == legacy {
		if err := s.index.DropCollection(ctx, legacy); err != nil {
			return fmt.Errorf("删除集合 %s 失败: %w", legacy, err)
		}
	} else if err := s.index.RemoveDocument(ctx, userID, docID); err != nil {
		return err
	}

	if doc.FilePath != "" {
		if err := s.files.Remove(ctx, doc.FilePath); err != nil {
			log.Warnf("[DocumentService] 删除文件 %s 失败: %v", doc.FilePath, err)
		}
	}
	if err := s.docRepo.Delete(docID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档 %d 已删除", docID)
	return nil
}
