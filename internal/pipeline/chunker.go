// Package pipeline 定义了文档入库的核心流程：提取、切块、向量化、写入集合。
package pipeline

import (
	"fmt"
	"iter"
	"strings"

	"doc-chat-go/internal/model"
)

// Chunker 按字符（rune）滑动窗口切分页面文本。
type Chunker struct {
	size    int
	overlap int
}

// NewChunker 创建切块器。overlap >= size 会导致窗口不前进，直接报错。
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must satisfy 0 <= overlap < size, got overlap=%d size=%d", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size 返回窗口大小。
func (c *Chunker) Size() int { return c.size }

// Overlap 返回相邻窗口的重叠字符数。
func (c *Chunker) Overlap() int { return c.overlap }

// normalizeWhitespace 把连续空白折叠为单个空格并去掉首尾空白。
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split 将文本切分为窗口，最后一个窗口截断到文本末尾而不是补齐。
// 切分前连续空白会被折叠为单个空格并去掉首尾空白，因此短于 size 的文本得到的是
// 折叠后的整段文本，不一定与原文逐字相等；只含空白的文本不产生任何窗口。
func (c *Chunker) Split(text string) []string {
	runes := []rune(normalizeWhitespace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	step := c.size - c.overlap
	for i := 0; i < len(runes); i += step {
		end := min(i+c.size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChunkPage 切分一页文本，chunk_index 从 startIndex 开始连续编号。
func (c *Chunker) ChunkPage(text string, pageNumber, startIndex int) []model.ChunkRecord {
	windows := c.Split(text)
	records := make([]model.ChunkRecord, len(windows))
	for i, w := range windows {
		records[i] = model.ChunkRecord{
			Text:       w,
			PageNumber: pageNumber,
			ChunkIndex: startIndex + i,
		}
	}
	return records
}

// ChunkDocument 按页序切分整篇文档，chunk_index 在文档内从 0 开始跨页递增。
func (c *Chunker) ChunkDocument(pages iter.Seq2[int, string]) []model.ChunkRecord {
	var records []model.ChunkRecord
	for page, text := range pages {
		records = append(records, c.ChunkPage(text, page, len(records))...)
	}
	return records
}
