// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/log"
)

const contextSeparator = "\n\n---\n\n"

// QueryEmbedder 把查询文本映射为向量，由 embedding.Generator 实现。
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher 在用户默认集合中做相似度检索，由 vectorstore.Store 实现。
type ChunkSearcher interface {
	Search(ctx context.Context, userID uint, vector []float32, docIDs []uint, limit int) ([]model.SearchHit, error)
}

// DocumentLister 列出用户的文档记录，由 repository.DocumentRepository 实现。
type DocumentLister interface {
	FindByUserID(userID uint) ([]model.Document, error)
}

// RetrievalService 定义了检索操作。
type RetrievalService interface {
	// Retrieve 返回拼装好的上下文字符串。任何失败都降级为空字符串，不会中断对话。
	Retrieve(ctx context.Context, userID uint, query string, docIDs []uint, topK int) string
	// Search 返回排序后的检索结果，错误原样返回。
	Search(ctx context.Context, userID uint, query string, docIDs []uint, topK int) ([]model.SearchHit, error)
}

type retrievalService struct {
	embedder QueryEmbedder
	searcher ChunkSearcher
	docs     DocumentLister
	cfg      config.RetrievalConfig
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
// docs 不为 nil 时只检索状态为 ready 的文档，其他进程正在写入的文档不可见。
func NewRetrievalService(embedder QueryEmbedder, searcher ChunkSearcher, cfg config.RetrievalConfig, docs DocumentLister) RetrievalService {
	return &retrievalService{embedder: embedder, searcher: searcher, docs: docs, cfg: cfg}
}

// readyScope 把检索范围收窄到 ready 文档。ok 为 false 表示范围为空，无需检索。
func (s *retrievalService) readyScope(userID uint, docIDs []uint) (_ []uint, ok bool, err error) {
	if s.docs == nil {
		return docIDs, true, nil
	}
	docs, err := s.docs.FindByUserID(userID)
	if err != nil {
		return nil, false, fmt.Errorf("查询用户 %d 的文档失败: %w", userID, err)
	}
	ready := make(map[uint]struct{}, len(docs))
	var all []uint
	for _, d := range docs {
		if d.Status == model.DocumentStatusReady {
			ready[d.ID] = struct{}{}
			all = append(all, d.ID)
		}
	}
	if len(docIDs) == 0 {
		return all, len(all) > 0, nil
	}
	scoped := make([]uint, 0, len(docIDs))
	for _, id := range docIDs {
		if _, ok := ready[id]; ok {
			scoped = append(scoped, id)
		}
	}
	return scoped, len(scoped) > 0, nil
}

// Search 的 topK 语义：负数使用默认值（不过滤或单文档时为 retrieval.top_k，
// 多文档时为每篇 retrieval.per_document_top_k）；0 直接返回空；正数在多文档时按每篇计。
func (s *retrievalService) Search(ctx context.Context, userID uint, query string, docIDs []uint, topK int) ([]model.SearchHit, error) {
	docIDs = uniqueIDs(docIDs)
	perDocument := len(docIDs) > 1
	if topK < 0 {
		topK = s.cfg.TopK
		if perDocument {
			topK = s.cfg.PerDocumentTopK
		}
	}
	if topK == 0 {
		return nil, nil
	}
	docIDs, ok, err := s.readyScope(userID, docIDs)
	if err != nil || !ok {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	if !perDocument {
		hits, err := s.searcher.Search(ctx, userID, vector, docIDs, topK)
		if err != nil {
			return nil, err
		}
		vectorstore.SortHits(hits)
		return hits, nil
	}

	// 多文档时逐篇检索，per-document 语义以请求的文档数为准，保证每篇文档都有机会进入结果
	var hits []model.SearchHit
	for _, id := range docIDs {
		part, err := s.searcher.Search(ctx, userID, vector, []uint{id}, topK)
		if err != nil {
			return nil, fmt.Errorf("检索文档 %d 失败: %w", id, err)
		}
		hits = append(hits, part...)
	}
	vectorstore.SortHits(hits)
	return hits, nil
}

func (s *retrievalService) Retrieve(ctx context.Context, userID uint, query string, docIDs []uint, topK int) string {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	hits, err := s.Search(ctx, userID, query, docIDs, topK)
	if err != nil {
		log.Warnw("[Retriever] 检索失败, 本轮不使用文档上下文",
			"userID", userID,
			"docIDs", docIDs,
			"error", err,
		)
		return ""
	}
	log.Infof("[Retriever] 用户 %d 检索到 %d 个分块", userID, len(hits))
	return FormatContext(hits, s.cfg.MaxContextChars)
}

// FormatContext 把检索结果拼装为上下文，每段带文档与页码前缀。
// maxChars > 0 时超出预算的尾部条目被丢弃，第一条始终保留。
func FormatContext(hits []model.SearchHit, maxChars int) string {
	var b strings.Builder
	used := 0
	for i, h := range hits {
		entry := fmt.Sprintf("[Document: %d, Page %d]\n%s", h.DocID, h.PageNumber, h.Text)
		size := utf8.RuneCountInString(entry)
		if i > 0 {
			size += utf8.RuneCountInString(contextSeparator)
		}
		if i > 0 && maxChars > 0 && used+size > maxChars {
			log.Debugf("[Retriever] 上下文超出 %d 字符预算, 丢弃其余 %d 个分块", maxChars, len(hits)-i)
			break
		}
		if i > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(entry)
		used += size
	}
	return b.String()
}

func uniqueIDs(ids []uint) []uint {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
