// Package vectorstore 实现按用户隔离的集合存储：集合命名与生命周期、按文档原子写入、
// 按 doc_id 删除以及相似度检索。具体向量库通过 Backend 接入。
package vectorstore

import (
	"context"
	"errors"

	"doc-chat-go/internal/model"
)

// ErrCollectionNotFound 表示目标集合不存在。
var ErrCollectionNotFound = errors.New("collection not found")

// ErrUnscopedDelete 表示删除请求没有带 doc_id 过滤条件。
var ErrUnscopedDelete = errors.New("delete requires at least one doc_id")

// Filter 是对点元数据 doc_id 的类型化过滤条件，翻译成各向量库的原生语法由 Backend 完成。
type Filter struct {
	DocIDs        []string
	ExcludeDocIDs []string
}

// IsEmpty 判断过滤条件是否为空。
func (f Filter) IsEmpty() bool {
	return len(f.DocIDs) == 0 && len(f.ExcludeDocIDs) == 0
}

// Match 判断某个 doc_id 是否满足过滤条件。
func (f Filter) Match(docID string) bool {
	if len(f.DocIDs) > 0 && !contains(f.DocIDs, docID) {
		return false
	}
	return !contains(f.ExcludeDocIDs, docID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Backend 是底层向量库需要提供的最小能力集合。
//
// CreateCollection 和 DropCollection 必须是幂等的；Upsert 以点 ID 覆盖写；
// Query 返回按余弦相似度降序排列的结果；Scan 返回包含向量的完整点。
type Backend interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, dim int) error
	DropCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, points []model.VectorPoint) error
	Delete(ctx context.Context, name string, filter Filter) error
	Query(ctx context.Context, name string, vector []float32, filter Filter, limit int) ([]model.ScoredPoint, error)
	Scan(ctx context.Context, name string, filter Filter) ([]model.VectorPoint, error)
}
