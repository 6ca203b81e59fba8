package pipeline

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/log"
)

// Embedder 是 Ingestor 依赖的批量向量化能力，由 embedding.Generator 实现。
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter 是 Ingestor 依赖的写入能力，由 vectorstore.Store 实现。
type ChunkWriter interface {
	AppendChunks(ctx context.Context, userID, docID uint, chunks []model.EmbeddedChunk) error
}

// Ingestor 执行 提取 -> 切块 -> 向量化 -> 写入 的完整入库流程。
// 一篇文档要么全部写入，要么什么都不留下。
type Ingestor struct {
	extractor Extractor
	chunker   *Chunker
	embedder  Embedder
	writer    ChunkWriter
	timeout   time.Duration
}

// NewIngestor 创建 Ingestor。timeout <= 0 表示不额外限制单篇文档的处理时间。
func NewIngestor(extractor Extractor, chunker *Chunker, embedder Embedder, writer ChunkWriter, timeout time.Duration) *Ingestor {
	return &Ingestor{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		writer:    writer,
		timeout:   timeout,
	}
}

// Ingest 处理一篇 PDF，返回写入的分块数。
// 错误可用 errors.Is 区分 model.ErrExtraction、model.ErrEmbeddingUnavailable、model.ErrCollectionWrite。
func (i *Ingestor) Ingest(ctx context.Context, userID, docID uint, data []byte) (int, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	log.Infof("[Ingestor] 开始处理文档, DocID: %d, UserID: %d, 大小: %d 字节", docID, userID, len(data))

	// 1. 提取文本
	pages, err := i.extractor.Extract(ctx, data)
	if err != nil {
		log.Errorf("[Ingestor] 步骤1: 文本提取失败, DocID: %d, Error: %v", docID, err)
		return 0, err
	}
	log.Infof("[Ingestor] 步骤1: 文本提取成功, 共 %d 页", pages.NumPages())

	// 2. 切块
	chunks := i.chunker.ChunkDocument(pages.Pages())
	if len(chunks) == 0 {
		log.Warnf("[Ingestor] 步骤2: 文档 %d 没有可提取的文本, 处理中止", docID)
		return 0, fmt.Errorf("%w: document %d contains no extractable text", model.ErrExtraction, docID)
	}
	totalRunes := 0
	for _, c := range chunks {
		totalRunes += utf8.RuneCountInString(c.Text)
	}
	log.Infof("[Ingestor] 步骤2: 文本分块完成, chunkSize: %d, overlap: %d, 共生成 %d 个分块 (%d 字符)",
		i.chunker.Size(), i.chunker.Overlap(), len(chunks), totalRunes)

	// 3. 向量化
	texts := make([]string, len(chunks))
	for idx, c := range chunks {
		texts[idx] = c.Text
	}
	vectors, err := i.embedder.EmbedMany(ctx, texts)
	if err != nil {
		log.Errorf("[Ingestor] 步骤3: 向量化失败, DocID: %d, Error: %v", docID, err)
		return 0, err
	}
	log.Infof("[Ingestor] 步骤3: 向量化完成, 共 %d 个向量", len(vectors))

	// 4. 写入用户集合
	embedded := make([]model.EmbeddedChunk, len(chunks))
	for idx, c := range chunks {
		embedded[idx] = model.EmbeddedChunk{ChunkRecord: c, Vector: vectors[idx]}
	}
	if err := i.writer.AppendChunks(ctx, userID, docID, embedded); err != nil {
		log.Errorf("[Ingestor] 步骤4: 写入向量库失败, DocID: %d, Error: %v", docID, err)
		return 0, err
	}

	log.Infof("[Ingestor] 文档处理成功完成, DocID: %d, 分块数: %d", docID, len(embedded))
	return len(embedded), nil
}
