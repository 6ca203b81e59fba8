// Package milvus 提供基于 Milvus 的向量库后端：每个集合对应一个 Milvus collection，
// 元数据以 JSON 字段存储。
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/log"
)

const (
	FieldID       = "id"
	FieldVector   = "vector"
	FieldText     = "text"
	FieldMetadata = "metadata"

	// Milvus 默认的 query 结果窗口上限
	maxQueryWindow = 16384
)

// NewClient 连接 Milvus。
func NewClient(ctx context.Context, cfg config.MilvusConfig) (client.Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("无法连接到 Milvus: %w", err)
	}
	log.Infof("[Milvus] 成功连接到 %s", cfg.Address)
	return c, nil
}

// Backend 实现 vectorstore.Backend。
type Backend struct {
	client client.Client
	cfg    config.MilvusConfig
}

var _ vectorstore.Backend = (*Backend)(nil)

// NewBackend 创建 Milvus 后端。
func NewBackend(c client.Client, cfg config.MilvusConfig) *Backend {
	if cfg.ShardNum <= 0 {
		cfg.ShardNum = entity.DefaultShardNumber
	}
	return &Backend{client: c, cfg: cfg}
}

func (b *Backend) HasCollection(ctx context.Context, name string) (bool, error) {
	return b.client.HasCollection(ctx, name)
}

func collectionSchema(name string, dim int) *entity.Schema {
	return entity.NewSchema().
		WithName(name).
		WithDescription("document chunks and conversation memory").
		WithField(entity.NewField().WithName(FieldID).WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).WithMaxLength(128)).
		WithField(entity.NewField().WithName(FieldVector).WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dim))).
		WithField(entity.NewField().WithName(FieldText).WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(65535)).
		WithField(entity.NewField().WithName(FieldMetadata).WithDataType(entity.FieldTypeJSON))
}

// CreateCollection 创建集合、建立 HNSW/COSINE 索引并加载。
func (b *Backend) CreateCollection(ctx context.Context, name string, dim int) error {
	if err := b.client.CreateCollection(ctx, collectionSchema(name, dim), b.cfg.ShardNum); err != nil {
		return fmt.Errorf("创建集合失败: %w", err)
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, b.cfg.HNSWM, b.cfg.EfConstruction)
	if err != nil {
		return fmt.Errorf("构建索引参数失败: %w", err)
	}
	if err := b.client.CreateIndex(ctx, name, FieldVector, idx, false); err != nil {
		return fmt.Errorf("为字段 '%s' 创建索引失败: %w", FieldVector, err)
	}
	if err := b.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("加载 Milvus 集合 '%s' 失败: %w", name, err)
	}
	log.Infof("[Milvus] 集合 '%s' 创建并加载成功, dim=%d", name, dim)
	return nil
}

func (b *Backend) DropCollection(ctx context.Context, name string) error {
	exists, err := b.client.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return b.client.DropCollection(ctx, name)
}

func (b *Backend) Upsert(ctx context.Context, name string, points []model.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	ids := make([]string, len(points))
	vectors := make([][]float32, len(points))
	texts := make([]string, len(points))
	metas := make([][]byte, len(points))
	for i, p := range points {
		ids[i] = p.ID
		vectors[i] = p.Vector
		texts[i] = p.Text
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("序列化点 %s 的元数据失败: %w", p.ID, err)
		}
		metas[i] = raw
	}

	_, err := b.client.Upsert(ctx, name, "",
		entity.NewColumnVarChar(FieldID, ids),
		entity.NewColumnFloatVector(FieldVector, len(vectors[0]), vectors),
		entity.NewColumnVarChar(FieldText, texts),
		entity.NewColumnJSONBytes(FieldMetadata, metas),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert data into Milvus: %w", err)
	}
	return nil
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// buildExpr 把类型化过滤条件翻译成 Milvus 布尔表达式，空条件返回 ""。
func buildExpr(f vectorstore.Filter) string {
	var conds []string
	if len(f.DocIDs) > 0 {
		conds = append(conds, fmt.Sprintf(`%s["%s"] in %s`, FieldMetadata, model.MetaDocID, quoteList(f.DocIDs)))
	}
	if len(f.ExcludeDocIDs) > 0 {
		conds = append(conds, fmt.Sprintf(`%s["%s"] not in %s`, FieldMetadata, model.MetaDocID, quoteList(f.ExcludeDocIDs)))
	}
	return strings.Join(conds, " and ")
}

func (b *Backend) Delete(ctx context.Context, name string, filter vectorstore.Filter) error {
	if len(filter.DocIDs) == 0 {
		return vectorstore.ErrUnscopedDelete
	}
	exists, err := b.client.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := b.client.Delete(ctx, name, "", buildExpr(filter)); err != nil {
		return fmt.Errorf("failed to delete data from Milvus: %w", err)
	}
	return nil
}

func (b *Backend) Query(ctx context.Context, name string, vector []float32, filter vectorstore.Filter, limit int) ([]model.ScoredPoint, error) {
	sp, err := entity.NewIndexHNSWSearchParam(max(b.cfg.Ef, limit))
	if err != nil {
		return nil, err
	}
	results, err := b.client.Search(
		ctx, name, nil, buildExpr(filter),
		[]string{FieldText, FieldMetadata},
		[]entity.Vector{entity.FloatVector(vector)},
		FieldVector, entity.COSINE, limit, sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("在集合 '%s' 中搜索失败: %w", name, err)
	}

	var out []model.ScoredPoint
	for _, res := range results {
		ids, err := stringColumn(res.IDs)
		if err != nil {
			return nil, err
		}
		texts, _ := stringColumn(res.Fields.GetColumn(FieldText))
		metas, err := decodeMetadata(res.Fields.GetColumn(FieldMetadata))
		if err != nil {
			return nil, err
		}
		for i := 0; i < res.ResultCount; i++ {
			p := model.ScoredPoint{VectorPoint: model.VectorPoint{ID: ids[i]}, Score: float64(res.Scores[i])}
			if i < len(texts) {
				p.Text = texts[i]
			}
			if i < len(metas) {
				p.Metadata = metas[i]
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// Scan 读取全部匹配的点（含向量）。结果超过 Milvus 查询窗口时报错，而不是静默截断。
func (b *Backend) Scan(ctx context.Context, name string, filter vectorstore.Filter) ([]model.VectorPoint, error) {
	expr := buildExpr(filter)
	if expr == "" {
		expr = FieldID + ` != ""`
	}
	rs, err := b.client.Query(ctx, name, nil, expr,
		[]string{FieldID, FieldVector, FieldText, FieldMetadata},
		client.WithLimit(maxQueryWindow),
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("查询集合 '%s' 失败: %w", name, err)
	}

	ids, err := stringColumn(rs.GetColumn(FieldID))
	if err != nil {
		return nil, err
	}
	if len(ids) >= maxQueryWindow {
		return nil, fmt.Errorf("集合 '%s' 中匹配的点超过 %d 个, 无法一次读取", name, maxQueryWindow)
	}
	texts, _ := stringColumn(rs.GetColumn(FieldText))
	metas, err := decodeMetadata(rs.GetColumn(FieldMetadata))
	if err != nil {
		return nil, err
	}
	var vectors [][]float32
	if col, ok := rs.GetColumn(FieldVector).(*entity.ColumnFloatVector); ok {
		vectors = col.Data()
	}

	out := make([]model.VectorPoint, len(ids))
	for i, id := range ids {
		out[i] = model.VectorPoint{ID: id}
		if i < len(vectors) {
			out[i].Vector = vectors[i]
		}
		if i < len(texts) {
			out[i].Text = texts[i]
		}
		if i < len(metas) {
			out[i].Metadata = metas[i]
		}
	}
	return out, nil
}

func stringColumn(col entity.Column) ([]string, error) {
	c, ok := col.(*entity.ColumnVarChar)
	if !ok {
		return nil, fmt.Errorf("unexpected column type %T", col)
	}
	return c.Data(), nil
}

func decodeMetadata(col entity.Column) ([]map[string]interface{}, error) {
	c, ok := col.(*entity.ColumnJSONBytes)
	if !ok {
		return nil, nil
	}
	out := make([]map[string]interface{}, len(c.Data()))
	for i, raw := range c.Data() {
		md := map[string]interface{}{}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&md); err != nil {
			return nil, fmt.Errorf("解析元数据失败: %w", err)
		}
		out[i] = md
	}
	return out, nil
}
