package pipeline

import (
	"context"
	"fmt"
	"iter"

	"doc-chat-go/internal/config"
	"doc-chat-go/pkg/pdftext"
	"doc-chat-go/pkg/tika"
)

// PageSource 是提取结果：按物理页序、从 1 开始的 (页码, 文本) 序列，可重复遍历。
type PageSource interface {
	NumPages() int
	Pages() iter.Seq2[int, string]
}

// Extractor 把 PDF 字节流转换为逐页文本。无法解析时返回包裹 model.ErrExtraction 的错误。
type Extractor interface {
	Extract(ctx context.Context, data []byte) (PageSource, error)
}

// ExtractorFunc 让普通函数满足 Extractor。
type ExtractorFunc func(ctx context.Context, data []byte) (PageSource, error)

func (f ExtractorFunc) Extract(ctx context.Context, data []byte) (PageSource, error) {
	return f(ctx, data)
}

// NewExtractor 根据配置选择提取实现。
func NewExtractor(extCfg config.ExtractorConfig, tikaCfg config.TikaConfig) (Extractor, error) {
	switch extCfg.Type {
	case "pdf", "":
		e := pdftext.NewExtractor()
		return ExtractorFunc(func(ctx context.Context, data []byte) (PageSource, error) {
			doc, err := e.Extract(ctx, data)
			if err != nil {
				return nil, err
			}
			return doc, nil
		}), nil
	case "tika":
		c := tika.NewClient(tikaCfg)
		return ExtractorFunc(func(ctx context.Context, data []byte) (PageSource, error) {
			doc, err := c.Extract(ctx, data)
			if err != nil {
				return nil, err
			}
			return doc, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown extractor type %q", extCfg.Type)
	}
}
