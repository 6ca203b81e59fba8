package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/lock"
	"doc-chat-go/pkg/log"
)

const rollbackTimeout = 30 * time.Second

// Store 是按用户隔离的集合存储。所有读写都以 user_{id}_{purpose} 为目标，
// 不存在跨用户的检索路径。
type Store struct {
	backend   Backend
	locker    lock.Locker
	batchSize int
	timeout   time.Duration

	mu sync.Mutex
	// 正在写入的文档，collection -> doc_id -> 并发写入数；检索时排除
	pending map[string]map[string]int
}

// Option 配置 Store。
type Option func(*Store)

// WithWriteBatchSize 设置单次 Upsert 的点数。
func WithWriteBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithTimeout 为每次向量库调用设置超时。
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// NewStore 创建集合存储。locker 为 nil 时使用进程内锁。
func NewStore(backend Backend, locker lock.Locker, opts ...Option) *Store {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	s := &Store{
		backend:   backend,
		locker:    locker,
		batchSize: 64,
		pending:   make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend 返回底层向量库，供迁移等需要直接访问旧布局的场景使用。
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureCollection 获取或创建 (userID, purpose) 对应的集合。
// 创建过程在锁内完成，同一集合不会被重复创建。dim 仅在创建时使用。
func (s *Store) EnsureCollection(ctx context.Context, userID uint, purpose Purpose, dim int) (Collection, error) {
	coll := Collection{Name: CollectionName(userID, purpose), UserID: userID, Purpose: purpose}
	if err := s.ensureNamed(ctx, coll.Name, dim); err != nil {
		return Collection{}, err
	}
	return coll, nil
}

func (s *Store) ensureNamed(ctx context.Context, name string, dim int) error {
	unlock, err := s.locker.Lock(ctx, "collection:"+name)
	if err != nil {
		return fmt.Errorf("获取集合锁失败 (%s): %w", name, err)
	}
	defer unlock()

	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	exists, err := s.backend.HasCollection(callCtx, name)
	if err != nil {
		return fmt.Errorf("检查集合 %s 是否存在失败: %w", name, err)
	}
	if exists {
		return nil
	}
	if dim <= 0 {
		return fmt.Errorf("创建集合 %s 需要正的向量维度, 当前 %d", name, dim)
	}
	if err := s.backend.CreateCollection(callCtx, name, dim); err != nil {
		return fmt.Errorf("创建集合 %s 失败: %w", name, err)
	}
	log.Infof("[CollectionStore] 集合 %s 已创建, dim=%d", name, dim)
	return nil
}

// DropCollection 删除整个集合，集合不存在时为 no-op。
func (s *Store) DropCollection(ctx context.Context, name string) error {
	unlock, err := s.locker.Lock(ctx, "collection:"+name)
	if err != nil {
		return fmt.Errorf("获取集合锁失败 (%s): %w", name, err)
	}
	defer unlock()

	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.DropCollection(callCtx, name)
}

// AppendChunks 写入一篇文档的全部分块。对调用方而言要么全部可检索，要么一个都不可见：
// 写入期间该文档被排除在检索结果之外；任何一批写入失败都会按 doc_id 删除已写入的部分，
// 然后返回 model.ErrCollectionWrite。
func (s *Store) AppendChunks(ctx context.Context, userID, docID uint, chunks []model.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim := len(chunks[0].Vector)
	for _, c := range chunks {
		if len(c.Vector) == 0 || len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %d has vector dimension %d, expected %d", model.ErrCollectionWrite, c.ChunkIndex, len(c.Vector), dim)
		}
	}

	coll, err := s.EnsureCollection(ctx, userID, PurposeDefault, dim)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCollectionWrite, err)
	}

	docKey := model.DocIDString(docID)
	s.markPending(coll.Name, docKey)
	defer s.unmarkPending(coll.Name, docKey)

	// 清理上一次失败或重复入库留下的分块
	if err := s.deleteDoc(ctx, coll.Name, docKey); err != nil {
		return fmt.Errorf("%w: 清理文档 %d 的旧分块失败: %w", model.ErrCollectionWrite, docID, err)
	}

	points := make([]model.VectorPoint, len(chunks))
	for i, c := range chunks {
		points[i] = model.VectorPoint{
			ID:     model.ChunkPointID(docID, c.ChunkIndex),
			Vector: c.Vector,
			Text:   c.Text,
			Metadata: map[string]interface{}{
				model.MetaDocID:      docKey,
				model.MetaPageNumber: c.PageNumber,
				model.MetaChunkIndex: c.ChunkIndex,
			},
		}
	}

	written := 0
	for start := 0; start < len(points); start += s.batchSize {
		end := min(start+s.batchSize, len(points))
		callCtx, cancel := s.withTimeout(ctx)
		err := s.backend.Upsert(callCtx, coll.Name, points[start:end])
		cancel()
		if err != nil {
			return s.rollback(ctx, coll.Name, docID, written, len(points), err)
		}
		written = end
	}

	log.Infof("[CollectionStore] 文档 %d 的 %d 个分块已写入 %s", docID, len(points), coll.Name)
	return nil
}

func (s *Store) rollback(ctx context.Context, collection string, docID uint, written, total int, cause error) error {
	log.Warnf("[CollectionStore] 文档 %d 写入 %s 失败 (已写入 %d/%d), 开始回滚: %v", docID, collection, written, total, cause)
	// 调用方的 ctx 可能已经超时，回滚使用独立的超时
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	writeErr := fmt.Errorf("%w: doc %d wrote %d/%d chunks to %s: %w", model.ErrCollectionWrite, docID, written, total, collection, cause)
	if err := s.backend.Delete(rbCtx, collection, Filter{DocIDs: []string{model.DocIDString(docID)}}); err != nil {
		log.Errorf("[CollectionStore] 回滚文档 %d 失败: %v", docID, err)
		return errors.Join(writeErr, fmt.Errorf("rollback failed: %w", err))
	}
	return writeErr
}

func (s *Store) deleteDoc(ctx context.Context, collection, docKey string) error {
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.Delete(callCtx, collection, Filter{DocIDs: []string{docKey}})
}

// RemoveDocument 删除用户默认集合中 doc_id 匹配的全部分块，集合本身保留。
// 文档或集合不存在时为 no-op。
func (s *Store) RemoveDocument(ctx context.Context, userID, docID uint) error {
	name := CollectionName(userID, PurposeDefault)
	callCtx, cancel := s.withTimeout(ctx)
	exists, err := s.backend.HasCollection(callCtx, name)
	cancel()
	if err != nil {
		return fmt.Errorf("检查集合 %s 是否存在失败: %w", name, err)
	}
	if !exists {
		return nil
	}
	if err := s.deleteDoc(ctx, name, model.DocIDString(docID)); err != nil {
		return fmt.Errorf("删除文档 %d 的分块失败: %w", docID, err)
	}
	log.Infof("[CollectionStore] 已从 %s 删除文档 %d 的分块", name, docID)
	return nil
}

// Search 在用户默认集合中检索与 vector 最相近的至多 limit 个分块，按距离升序返回。
// docIDs 非空时只在这些文档中检索。
func (s *Store) Search(ctx context.Context, userID uint, vector []float32, docIDs []uint, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	name := CollectionName(userID, PurposeDefault)
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.backend.HasCollection(callCtx, name)
	if err != nil {
		return nil, fmt.Errorf("检查集合 %s 是否存在失败: %w", name, err)
	}
	if !exists {
		return nil, nil
	}

	filter := Filter{ExcludeDocIDs: s.pendingDocs(name)}
	for _, id := range docIDs {
		filter.DocIDs = append(filter.DocIDs, model.DocIDString(id))
	}
	points, err := s.backend.Query(callCtx, name, vector, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("检索集合 %s 失败: %w", name, err)
	}

	hits := make([]model.SearchHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, p.ToSearchHit())
	}
	SortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// AddMemoryRecord 将一条会话消息写入用户的 conversations 集合。该集合目前只写不查。
func (s *Store) AddMemoryRecord(ctx context.Context, userID uint, rec model.MemoryRecord) error {
	if rec.MessageID == "" {
		return errors.New("memory record requires a message id")
	}
	if rec.Type != model.MemoryUserMessage && rec.Type != model.MemoryAssistantMessage {
		return fmt.Errorf("unknown memory record type %q", rec.Type)
	}
	if len(rec.Embedding) == 0 {
		return errors.New("memory record requires an embedding")
	}

	coll, err := s.EnsureCollection(ctx, userID, PurposeConversations, len(rec.Embedding))
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCollectionWrite, err)
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.backend.Upsert(callCtx, coll.Name, []model.VectorPoint{{
		ID:     "msg_" + rec.MessageID,
		Vector: rec.Embedding,
		Text:   rec.Text,
		Metadata: map[string]interface{}{
			model.MetaMessageID:      rec.MessageID,
			model.MetaConversationID: rec.ConversationID,
			model.MetaType:           rec.Type,
		},
	}})
	if err != nil {
		return fmt.Errorf("%w: memory record %s: %w", model.ErrCollectionWrite, rec.MessageID, err)
	}
	return nil
}

func (s *Store) markPending(collection, docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.pending[collection]
	if !ok {
		docs = make(map[string]int)
		s.pending[collection] = docs
	}
	docs[docKey]++
}

func (s *Store) unmarkPending(collection, docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.pending[collection]
	docs[docKey]--
	if docs[docKey] <= 0 {
		delete(docs, docKey)
	}
	if len(docs) == 0 {
		delete(s.pending, collection)
	}
}

func (s *Store) pendingDocs(collection string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.pending[collection]
	if len(docs) == 0 {
		return nil
	}
	out := make([]string, 0, len(docs))
	for id := range docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SortHits 按相似度降序排序，相同相似度按 (doc_id, page_number, chunk_index) 升序。
func SortHits(hits []model.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}
