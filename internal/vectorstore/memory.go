package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"doc-chat-go/internal/model"
)

type memoryCollection struct {
	dim    int
	points map[string]model.VectorPoint
}

// MemoryBackend 是进程内的暴力余弦检索实现，用于本地运行与测试。
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend 创建空的内存后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryBackend) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryBackend) CreateCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return nil
	}
	m.collections[name] = &memoryCollection{dim: dim, points: make(map[string]model.VectorPoint)}
	return nil
}

func (m *MemoryBackend) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

// CollectionNames 返回当前所有集合名（已排序）。
func (m *MemoryBackend) CollectionNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MemoryBackend) Upsert(_ context.Context, name string, points []model.VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, p := range points {
		if c.dim > 0 && len(p.Vector) != c.dim {
			return fmt.Errorf("point %s has dimension %d, collection %s expects %d", p.ID, len(p.Vector), name, c.dim)
		}
	}
	for _, p := range points {
		c.points[p.ID] = clonePoint(p)
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, name string, filter Filter) error {
	if len(filter.DocIDs) == 0 {
		return ErrUnscopedDelete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return nil
	}
	for id, p := range c.points {
		if filter.Match(model.MetaString(p.Metadata, model.MetaDocID)) {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *MemoryBackend) Query(_ context.Context, name string, vector []float32, filter Filter, limit int) ([]model.ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	results := make([]model.ScoredPoint, 0, len(c.points))
	for _, p := range c.points {
		if !filter.IsEmpty() && !filter.Match(model.MetaString(p.Metadata, model.MetaDocID)) {
			continue
		}
		results = append(results, model.ScoredPoint{VectorPoint: clonePoint(p), Score: cosineSimilarity(vector, p.Vector)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryBackend) Scan(_ context.Context, name string, filter Filter) ([]model.VectorPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	out := make([]model.VectorPoint, 0, len(c.points))
	for _, p := range c.points {
		if filter.IsEmpty() || filter.Match(model.MetaString(p.Metadata, model.MetaDocID)) {
			out = append(out, clonePoint(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clonePoint(p model.VectorPoint) model.VectorPoint {
	out := model.VectorPoint{ID: p.ID, Text: p.Text}
	if p.Vector != nil {
		out.Vector = append([]float32(nil), p.Vector...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
