// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
)

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{serverURL: strings.TrimRight(cfg.ServerURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

// Extract 请求 Tika 的 XHTML 输出，并按 <div class="page"> 切分为页面。
// Tika 拒绝解析（422）时返回 model.ErrExtraction；网络错误原样返回，可重试。
func (c *Client) Extract(ctx context.Context, data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", model.ErrExtraction)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnsupportedMediaType:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: tika [%d]: %s", model.ErrExtraction, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	pages, err := splitPages(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	return &Document{pages: pages}, nil
}

// Document 保存 Tika 返回的逐页文本。
type Document struct {
	pages []string
}

// NumPages 返回页数。
func (d *Document) NumPages() int {
	return len(d.pages)
}

// Pages 按顺序返回 (页码, 文本)，页码从 1 开始。
func (d *Document) Pages() iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		for i, text := range d.pages {
			if !yield(i+1, text) {
				return
			}
		}
	}
}

// 这些元素结束时补一个换行，避免段落粘连。
var blockElements = map[string]bool{"p": true, "div": true, "br": true, "li": true, "h1": true, "h2": true, "h3": true, "tr": true}

func splitPages(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var (
		pages     []string
		current   strings.Builder
		pageDepth = -1
		depth     int
		inBody    bool
		bodyText  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "body" {
				inBody = true
			}
			if t.Name.Local == "div" && pageDepth < 0 && hasClass(t, "page") {
				pageDepth = depth
				current.Reset()
			}
		case xml.EndElement:
			if pageDepth >= 0 && depth == pageDepth {
				pages = append(pages, strings.TrimSpace(current.String()))
				pageDepth = -1
			} else if blockElements[t.Name.Local] {
				if pageDepth >= 0 {
					current.WriteByte('\n')
				} else if inBody {
					bodyText.WriteByte('\n')
				}
			}
			if t.Name.Local == "body" {
				inBody = false
			}
			depth--
		case xml.CharData:
			if pageDepth >= 0 {
				current.Write(t)
			} else if inBody {
				bodyText.Write(t)
			}
		}
	}
	if len(pages) == 0 {
		// 非分页输出：整篇作为一页
		return []string{strings.TrimSpace(bodyText.String())}, nil
	}
	return pages, nil
}

func hasClass(el xml.StartElement, class string) bool {
	for _, attr := range el.Attr {
		if attr.Name.Local == "class" {
			for _, c := range strings.Fields(attr.Value) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}
