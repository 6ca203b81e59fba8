package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/vectorstore"
)

// fixedEmbedder 对任何查询返回同一个向量。
type fixedEmbedder struct {
	vector []float32
	err    error
}

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector, e.err
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, userID uint, vector []float32, docIDs []uint, limit int) ([]model.SearchHit, error) {
	return nil, errors.New("vector store unreachable")
}

type slowSearcher struct{}

func (slowSearcher) Search(ctx context.Context, userID uint, vector []float32, docIDs []uint, limit int) ([]model.SearchHit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var defaultRetrievalCfg = config.RetrievalConfig{TopK: 10, PerDocumentTopK: 5, MaxContextChars: 12000}

// seedDocument 写入 n 个分块，向量为 (1, tilt)，tilt 越小与 (1, 0) 越相似。
func seedDocument(t *testing.T, store *vectorstore.Store, userID, docID uint, n int, tilt float32) {
	t.Helper()
	chunks := make([]model.EmbeddedChunk, n)
	for i := range chunks {
		chunks[i] = model.EmbeddedChunk{
			ChunkRecord: model.ChunkRecord{Text: fmt.Sprintf("doc %d chunk %d", docID, i), PageNumber: i/4 + 1, ChunkIndex: i},
			Vector:      []float32{1, tilt + float32(i)*0.001},
		}
	}
	require.NoError(t, store.AppendChunks(context.Background(), userID, docID, chunks))
}

func countByDoc(hits []model.SearchHit) map[uint]int {
	out := map[uint]int{}
	for _, h := range hits {
		out[h.DocID]++
	}
	return out
}

func TestRetrieval_MultiDocumentFilterIsBalanced(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	seedDocument(t, store, 1, 1, 20, 0.0) // 所有分块都比文档 2 更相似
	seedDocument(t, store, 1, 2, 20, 0.5)
	svc := NewRetrievalService(fixedEmbedder{vector: []float32{1, 0}}, store, defaultRetrievalCfg, nil)
	ctx := context.Background()

	unfiltered, err := svc.Search(ctx, 1, "q", nil, -1)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{1: 10}, countByDoc(unfiltered))

	balanced, err := svc.Search(ctx, 1, "q", []uint{1, 2}, -1)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{1: 5, 2: 5}, countByDoc(balanced))
	for i := 1; i < len(balanced); i++ {
		assert.GreaterOrEqual(t, balanced[i-1].Similarity, balanced[i].Similarity)
	}

	single, err := svc.Search(ctx, 1, "q", []uint{2, 2}, 3)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{2: 3}, countByDoc(single), "duplicate ids collapse to a single-document search")
}

func TestRetrieval_TiesBrokenByDocPageChunk(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	ctx := context.Background()
	same := []float32{1, 1}
	for _, docID := range []uint{7, 3} {
		require.NoError(t, store.AppendChunks(ctx, 1, docID, []model.EmbeddedChunk{
			{ChunkRecord: model.ChunkRecord{Text: "b", PageNumber: 2, ChunkIndex: 1}, Vector: same},
			{ChunkRecord: model.ChunkRecord{Text: "a", PageNumber: 1, ChunkIndex: 0}, Vector: same},
		}))
	}
	svc := NewRetrievalService(fixedEmbedder{vector: same}, store, defaultRetrievalCfg, nil)

	hits, err := svc.Search(ctx, 1, "q", nil, -1)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	var order []string
	for _, h := range hits {
		order = append(order, fmt.Sprintf("%d/%d/%d", h.DocID, h.PageNumber, h.ChunkIndex))
	}
	assert.Equal(t, []string{"3/1/0", "3/2/1", "7/1/0", "7/2/1"}, order)
}

func TestRetrieval_TopKZeroReturnsEmpty(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	seedDocument(t, store, 1, 1, 3, 0)
	svc := NewRetrievalService(fixedEmbedder{err: errors.New("must not embed")}, store, defaultRetrievalCfg, nil)

	assert.Equal(t, "", svc.Retrieve(context.Background(), 1, "q", nil, 0))
}

func TestRetrieval_DegradesToEmptyContext(t *testing.T) {
	ctx := context.Background()

	svc := NewRetrievalService(fixedEmbedder{err: model.ErrEmbeddingUnavailable}, failingSearcher{}, defaultRetrievalCfg, nil)
	assert.Equal(t, "", svc.Retrieve(ctx, 1, "q", nil, -1))

	svc = NewRetrievalService(fixedEmbedder{vector: []float32{1}}, failingSearcher{}, defaultRetrievalCfg, nil)
	assert.Equal(t, "", svc.Retrieve(ctx, 1, "q", []uint{1, 2}, -1))
	_, err := svc.Search(ctx, 1, "q", nil, -1)
	assert.Error(t, err, "Search itself reports the failure")

	cfg := defaultRetrievalCfg
	cfg.Timeout = 20 * time.Millisecond
	svc = NewRetrievalService(fixedEmbedder{vector: []float32{1}}, slowSearcher{}, cfg, nil)
	start := time.Now()
	assert.Equal(t, "", svc.Retrieve(ctx, 1, "q", nil, -1))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetrieval_EmptyCollectionYieldsEmptyContext(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	svc := NewRetrievalService(fixedEmbedder{vector: []float32{1, 0}}, store, defaultRetrievalCfg, nil)

	assert.Equal(t, "", svc.Retrieve(context.Background(), 9, "anything", nil, -1))
}

func TestRetrieval_ContextFormat(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	ctx := context.Background()
	require.NoError(t, store.AppendChunks(ctx, 1, 4, []model.EmbeddedChunk{
		{ChunkRecord: model.ChunkRecord{Text: "first", PageNumber: 2, ChunkIndex: 0}, Vector: []float32{1, 0}},
		{ChunkRecord: model.ChunkRecord{Text: "second", PageNumber: 3, ChunkIndex: 1}, Vector: []float32{1, 1}},
	}))
	svc := NewRetrievalService(fixedEmbedder{vector: []float32{1, 0}}, store, defaultRetrievalCfg, nil)

	got := svc.Retrieve(ctx, 1, "q", nil, -1)
	assert.Equal(t, "[Document: 4, Page 2]\nfirst\n\n---\n\n[Document: 4, Page 3]\nsecond", got)
}

func TestFormatContext_Budget(t *testing.T) {
	hits := []model.SearchHit{
		{DocID: 1, PageNumber: 1, Text: strings.Repeat("a", 100)},
		{DocID: 1, PageNumber: 2, Text: strings.Repeat("b", 100)},
		{DocID: 1, PageNumber: 3, Text: strings.Repeat("c", 100)},
	}

	assert.Equal(t, 3, strings.Count(FormatContext(hits, 0), "[Document:"))

	firstOnly := FormatContext(hits, 10)
	assert.Equal(t, 1, strings.Count(firstOnly, "[Document:"), "the first entry is always kept")

	two := FormatContext(hits, 260)
	assert.Equal(t, 2, strings.Count(two, "[Document:"))
	assert.LessOrEqual(t, len(two), 260)

	assert.Equal(t, "", FormatContext(nil, 100))
}

type listedDocs struct {
	docs []model.Document
	err  error
}

func (l listedDocs) FindByUserID(userID uint) ([]model.Document, error) {
	var out []model.Document
	for _, d := range l.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, l.err
}

func TestRetrieval_OnlyReadyDocumentsAreVisible(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	seedDocument(t, store, 1, 1, 4, 0.5)
	seedDocument(t, store, 1, 2, 4, 0.0) // 另一个进程仍在写入
	docs := listedDocs{docs: []model.Document{
		{ID: 1, UserID: 1, Status: model.DocumentStatusReady},
		{ID: 2, UserID: 1, Status: model.DocumentStatusProcessing},
	}}
	svc := NewRetrievalService(fixedEmbedder{vector: []float32{1, 0}}, store, defaultRetrievalCfg, docs)
	ctx := context.Background()

	hits, err := svc.Search(ctx, 1, "q", nil, -1)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{1: 4}, countByDoc(hits))

	hits, err = svc.Search(ctx, 1, "q", []uint{1, 2}, -1)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int{1: 4}, countByDoc(hits))

	hits, err = svc.Search(ctx, 1, "q", []uint{2}, -1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieval_NoReadyDocumentsSkipsEmbedding(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	seedDocument(t, store, 1, 1, 2, 0)
	docs := listedDocs{docs: []model.Document{{ID: 1, UserID: 1, Status: model.DocumentStatusProcessing}}}
	svc := NewRetrievalService(fixedEmbedder{err: errors.New("must not embed")}, store, defaultRetrievalCfg, docs)

	hits, err := svc.Search(context.Background(), 1, "q", nil, -1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieval_DocumentListFailureDegrades(t *testing.T) {
	store := vectorstore.NewStore(vectorstore.NewMemoryBackend(), nil)
	seedDocument(t, store, 1, 1, 2, 0)
	svc := NewRetrievalService(fixedEmbedder{vector: []float32{1, 0}}, store, defaultRetrievalCfg,
		listedDocs{err: errors.New("mysql down")})

	_, err := svc.Search(context.Background(), 1, "q", nil, -1)
	assert.ErrorContains(t, err, "mysql down")
	assert.Equal(t, "", svc.Retrieve(context.Background(), 1, "q", nil, -1))
}
