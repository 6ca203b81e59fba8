package pipeline

import (
	"context"
	"errors"
	"fmt"

	"doc-chat-go/internal/model"
	"doc-chat-go/internal/repository"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/storage"
	"doc-chat-go/pkg/tasks"
)

// Processor 把一个入库任务落到文档记录上：下载文件、入库、更新状态。
// 同步上传和 Kafka 消费者共用它。
type Processor struct {
	ingestor *Ingestor
	chunks   ChunkRemover
	docRepo  repository.DocumentRepository
	files    storage.FileStore
}

// ChunkRemover 删除某个文档已写入的全部分块，由 vectorstore.Store 实现。
type ChunkRemover interface {
	RemoveDocument(ctx context.Context, userID, docID uint) error
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(ingestor *Ingestor, chunks ChunkRemover, docRepo repository.DocumentRepository, files storage.FileStore) *Processor {
	return &Processor{
		ingestor: ingestor,
		chunks:   chunks,
		docRepo:  docRepo,
		files:    files,
	}
}

// Process 是文件处理的主函数。PDF 无法解析时文档被直接清理，返回的错误包裹 model.ErrExtraction；
// 其他错误保留文档记录，由调用方决定是否重试或调用 Discard。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理文件, DocID: %d, FileName: %s, UserID: %d", task.DocID, task.FileName, task.UserID)

	doc, err := p.docRepo.FindByID(task.DocID)
	if errors.Is(err, model.ErrDocumentNotFound) {
		log.Warnf("[Processor] 文档 %d 已不存在, 跳过任务", task.DocID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("查询文档记录失败: %w", err)
	}

	log.Infof("[Processor] 步骤1: 从对象存储下载文件, Object: %s", task.ObjectKey)
	data, err := p.files.Get(ctx, task.ObjectKey)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		err := fmt.Errorf("%w: 文件 '%s' 内容为空", model.ErrExtraction, task.FileName)
		p.Discard(ctx, task, err)
		return err
	}

	chunkCount, err := p.ingestor.Ingest(ctx, doc.UserID, doc.ID, data)
	if err != nil {
		if errors.Is(err, model.ErrExtraction) {
			p.Discard(ctx, task, err)
		}
		return err
	}

	if err := p.docRepo.UpdateStatus(doc.ID, model.DocumentStatusReady, chunkCount); err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	log.Infof("[Processor] 文件处理成功完成, DocID: %d, 分块数: %d", doc.ID, chunkCount)
	return nil
}

// Discard 放弃一个无法完成的任务：删除已写入的分块、文档记录和已上传的文件，
// 保证不会留下没有分块的文档，也不会留下没有文档的分块。
func (p *Processor) Discard(ctx context.Context, task tasks.IngestTask, cause error) {
	log.Errorf("[Processor] 放弃文档 %d (%s) 的入库: %v", task.DocID, task.FileName, cause)
	cleanupCtx := context.WithoutCancel(ctx)
	userID := task.UserID
	if doc, err := p.docRepo.FindByID(task.DocID); err == nil {
		userID = doc.UserID
	}
	// 分块先于记录删除：删除失败时记录仍在，可以通过删除接口再次清理
	if err := p.chunks.RemoveDocument(cleanupCtx, userID, task.DocID); err != nil {
		log.Errorf("[Processor] 删除文档 %d 的分块失败, 保留文档记录: %v", task.DocID, err)
		return
	}
	if err := p.docRepo.Delete(task.DocID); err != nil {
		log.Errorf("[Processor] 删除文档记录 %d 失败: %v", task.DocID, err)
	}
	if task.ObjectKey != "" {
		if err := p.files.Remove(cleanupCtx, task.ObjectKey); err != nil {
			log.Errorf("[Processor] 删除文件 %s 失败: %v", task.ObjectKey, err)
		}
	}
}
