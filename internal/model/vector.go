package model

import (
	"encoding/json"
	"strconv"
)

// 每个向量点上的元数据键。doc_id 始终以字符串存储，方便向量库做等值 / in 过滤。
const (
	MetaDocID          = "doc_id"
	MetaPageNumber     = "page_number"
	MetaChunkIndex     = "chunk_index"
	MetaMessageID      = "message_id"
	MetaConversationID = "conversation_id"
	MetaType           = "type"
)

// ChunkRecord 是切块器的输出：一段窗口文本及其来源页码与文档内序号。
type ChunkRecord struct {
	Text       string `json:"text"`
	PageNumber int    `json:"pageNumber"`
	ChunkIndex int    `json:"chunkIndex"`
}

// EmbeddedChunk 是带向量的分块，作为 AppendChunks 的输入。
type EmbeddedChunk struct {
	ChunkRecord
	Vector []float32
}

// VectorPoint 是向量库中的一条记录，各后端只认识这一种形态。
type VectorPoint struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector,omitempty"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ScoredPoint 是相似度检索的单条结果，Score 为余弦相似度。
type ScoredPoint struct {
	VectorPoint
	Score float64
}

// SearchHit 是 Collection Store 对外返回的检索结果。
type SearchHit struct {
	DocID      uint    `json:"docId"`
	PageNumber int     `json:"pageNumber"`
	ChunkIndex int     `json:"chunkIndex"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}

// MemoryRecord 是一条嵌入后的会话消息，只写入 conversations 集合。
type MemoryRecord struct {
	MessageID      string
	ConversationID string
	Text           string
	Embedding      []float32
	Type           string
}

// 会话消息类型。
const (
	MemoryUserMessage      = "user_message"
	MemoryAssistantMessage = "assistant_message"
)

// ChunkPointID 生成分块的确定性 ID，重复写入同一文档会覆盖而不是追加。
func ChunkPointID(docID uint, chunkIndex int) string {
	return "doc_" + strconv.FormatUint(uint64(docID), 10) + "_chunk_" + strconv.Itoa(chunkIndex)
}

// DocIDString 将数值型文档 ID 转为元数据中使用的字符串形式。
func DocIDString(docID uint) string {
	return strconv.FormatUint(uint64(docID), 10)
}

// MetaString 从元数据中读取字符串值。
func MetaString(md map[string]interface{}, key string) string {
	switch v := md[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// MetaInt 从元数据中读取整数值，兼容 JSON 反序列化后的 float64。
func MetaInt(md map[string]interface{}, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// ToSearchHit 将后端返回的点转换为检索结果，距离取 1 - 余弦相似度。
func (p ScoredPoint) ToSearchHit() SearchHit {
	docID, _ := strconv.ParseUint(MetaString(p.Metadata, MetaDocID), 10, 64)
	return SearchHit{
		DocID:      uint(docID),
		PageNumber: MetaInt(p.Metadata, MetaPageNumber),
		ChunkIndex: MetaInt(p.Metadata, MetaChunkIndex),
		Text:       p.Text,
		Similarity: p.Score,
		Distance:   1 - p.Score,
	}
}
