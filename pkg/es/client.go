// Package es 提供了基于 Elasticsearch 的向量库后端：每个集合对应一个索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/log"
)

const scanPageSize = 500

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端
func InitES(esCfg config.ElasticsearchConfig) error {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return err
	}
	ESClient = client
	return nil
}

// Backend 实现 vectorstore.Backend。
type Backend struct {
	client *elasticsearch.Client
}

var _ vectorstore.Backend = (*Backend)(nil)

// NewBackend 使用已初始化的客户端创建后端。
func NewBackend(client *elasticsearch.Client) *Backend {
	return &Backend{client: client}
}

// esPoint 是索引中文档的结构。
type esPoint struct {
	PointID  string                 `json:"point_id"`
	Text     string                 `json:"text"`
	Vector   []float32              `json:"vector,omitempty"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (b *Backend) HasCollection(ctx context.Context, name string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, b.client)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", name, res.StatusCode)
	}
}

func indexMapping(dim int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"point_id": { "type": "keyword" },
				"text": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"metadata": {
					"properties": {
						"doc_id": { "type": "keyword" },
						"page_number": { "type": "integer" },
						"chunk_index": { "type": "integer" },
						"message_id": { "type": "keyword" },
						"conversation_id": { "type": "keyword" },
						"type": { "type": "keyword" }
					}
				}
			}
		}
	}`, dim)
}

func (b *Backend) CreateCollection(ctx context.Context, name string, dim int) error {
	res, err := esapi.IndicesCreateRequest{
		Index: name,
		Body:  strings.NewReader(indexMapping(dim)),
	}.Do(ctx, b.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", name, string(body))
	}
	log.Infof("[ES] 索引 '%s' 创建成功", name)
	return nil
}

func (b *Backend) DropCollection(ctx context.Context, name string) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{name}}.Do(ctx, b.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("删除索引 '%s' 失败: %s", name, res.String())
	}
	return nil
}

// Upsert 通过 bulk 接口写入，refresh=wait_for 保证返回后即可检索。
func (b *Backend) Upsert(ctx context.Context, name string, points []model.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range points {
		meta := map[string]interface{}{"index": map[string]interface{}{"_index": name, "_id": p.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(esPoint{PointID: p.ID, Text: p.Text, Vector: p.Vector, Metadata: p.Metadata}); err != nil {
			return err
		}
	}

	res, err := esapi.BulkRequest{
		Index:   name,
		Body:    &buf,
		Refresh: "wait_for",
	}.Do(ctx, b.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk 写入索引 '%s' 失败: %s", name, res.String())
	}
	return checkBulkResponse(res.Body)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func checkBulkResponse(r io.Reader) error {
	var br bulkResponse
	if err := json.NewDecoder(r).Decode(&br); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if !br.Errors {
		return nil
	}
	failed := 0
	var first string
	for _, item := range br.Items {
		for _, result := range item {
			if result.Error != nil {
				if failed == 0 {
					first = fmt.Sprintf("%s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
				}
				failed++
			}
		}
	}
	return fmt.Errorf("bulk 写入有 %d 条失败, 首个错误 %s", failed, first)
}

// buildFilter 把类型化过滤条件翻译成 bool 查询，空条件返回 nil。
func buildFilter(f vectorstore.Filter) map[string]interface{} {
	if f.IsEmpty() {
		return nil
	}
	clause := map[string]interface{}{}
	if len(f.DocIDs) > 0 {
		clause["filter"] = []interface{}{
			map[string]interface{}{"terms": map[string]interface{}{"metadata.doc_id": f.DocIDs}},
		}
	}
	if len(f.ExcludeDocIDs) > 0 {
		clause["must_not"] = []interface{}{
			map[string]interface{}{"terms": map[string]interface{}{"metadata.doc_id": f.ExcludeDocIDs}},
		}
	}
	return map[string]interface{}{"bool": clause}
}

func (b *Backend) Delete(ctx context.Context, name string, filter vectorstore.Filter) error {
	if len(filter.DocIDs) == 0 {
		return vectorstore.ErrUnscopedDelete
	}
	body, err := json.Marshal(map[string]interface{}{"query": buildFilter(filter)})
	if err != nil {
		return err
	}
	refresh := true
	res, err := esapi.DeleteByQueryRequest{
		Index:     []string{name},
		Body:      bytes.NewReader(body),
		Refresh:   &refresh,
		Conflicts: "proceed",
	}.Do(ctx, b.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("按条件删除索引 '%s' 中的文档失败: %s", name, res.String())
	}
	return nil
}

// buildKnnBody 构建 knn 检索请求体。
func buildKnnBody(vector []float32, filter vectorstore.Filter, limit int) map[string]interface{} {
	numCandidates := max(limit*10, 100)
	if numCandidates > 10000 {
		numCandidates = 10000
	}
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              limit,
		"num_candidates": numCandidates,
	}
	if f := buildFilter(filter); f != nil {
		knn["filter"] = f
	}
	return map[string]interface{}{
		"knn":     knn,
		"size":    limit,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string        `json:"_id"`
			Score  float64       `json:"_score"`
			Source esPoint       `json:"_source"`
			Sort   []interface{} `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// scoreToCosine 还原余弦相似度：cosine 相似度下 ES 的 _score = (1 + cos) / 2。
func scoreToCosine(score float64) float64 {
	return 2*score - 1
}

func (b *Backend) search(ctx context.Context, name string, body map[string]interface{}) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}
	res, err := esapi.SearchRequest{
		Index: []string{name},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, b.client)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}
	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return &sr, nil
}

func (b *Backend) Query(ctx context.Context, name string, vector []float32, filter vectorstore.Filter, limit int) ([]model.ScoredPoint, error) {
	sr, err := b.search(ctx, name, buildKnnBody(vector, filter, limit))
	if err != nil {
		return nil, err
	}
	out := make([]model.ScoredPoint, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		out = append(out, model.ScoredPoint{
			VectorPoint: model.VectorPoint{ID: hit.ID, Text: hit.Source.Text, Metadata: hit.Source.Metadata},
			Score:       scoreToCosine(hit.Score),
		})
	}
	return out, nil
}

// Scan 以 point_id 排序分页读取全部匹配的点（含向量）。
func (b *Backend) Scan(ctx context.Context, name string, filter vectorstore.Filter) ([]model.VectorPoint, error) {
	query := buildFilter(filter)
	if query == nil {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	var out []model.VectorPoint
	var after []interface{}
	for {
		body := map[string]interface{}{
			"query": query,
			"size":  scanPageSize,
			"sort":  []interface{}{map[string]interface{}{"point_id": "asc"}},
		}
		if after != nil {
			body["search_after"] = after
		}
		sr, err := b.search(ctx, name, body)
		if err != nil {
			return nil, err
		}
		for _, hit := range sr.Hits.Hits {
			out = append(out, model.VectorPoint{
				ID:       hit.ID,
				Vector:   hit.Source.Vector,
				Text:     hit.Source.Text,
				Metadata: hit.Source.Metadata,
			})
		}
		if len(sr.Hits.Hits) < scanPageSize {
			return out, nil
		}
		after = sr.Hits.Hits[len(sr.Hits.Hits)-1].Sort
	}
}
