// Package pdftext 使用 ledongthuc/pdf 按页提取 PDF 纯文本。
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"iter"

	"github.com/ledongthuc/pdf"

	"doc-chat-go/internal/model"
	"doc-chat-go/pkg/log"
)

// Extractor 是基于 ledongthuc/pdf 的本地文本提取器，无外部依赖。
type Extractor struct{}

// NewExtractor 创建一个本地 PDF 提取器。
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract 解析 PDF 结构，页面文本在遍历时才逐页提取。
// 无法解析的输入返回 model.ErrExtraction。
func (e *Extractor) Extract(ctx context.Context, data []byte) (_ *Document, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", model.ErrExtraction)
	}
	// 该库遇到损坏的文件可能直接 panic
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", model.ErrExtraction, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	n := reader.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("%w: document has no pages", model.ErrExtraction)
	}
	return &Document{reader: reader, numPages: n}, nil
}

// Document 是一份已解析的 PDF。Pages 可以重复遍历。
type Document struct {
	reader   *pdf.Reader
	numPages int
}

// NumPages 返回页数。
func (d *Document) NumPages() int {
	return d.numPages
}

// Pages 按物理顺序返回 (页码, 文本)，页码从 1 开始；空白或无法读取的页面返回空字符串。
func (d *Document) Pages() iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		for i := 1; i <= d.numPages; i++ {
			if !yield(i, d.pageText(i)) {
				return
			}
		}
	}
}

func (d *Document) pageText(i int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("[PDFExtractor] 第 %d 页解析异常, 按空页处理: %v", i, r)
			text = ""
		}
	}()
	page := d.reader.Page(i)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		log.Warnf("[PDFExtractor] 第 %d 页提取文本失败, 按空页处理: %v", i, err)
		return ""
	}
	return text
}
