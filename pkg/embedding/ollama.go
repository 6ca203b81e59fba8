package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"

	"doc-chat-go/internal/config"
)

// OllamaClient embeds text with a model served by a local Ollama daemon.
type OllamaClient struct {
	client *ollama.Client
	model  string
}

// NewOllamaClient 创建一个 Ollama embedding 客户端，BaseURL 为空时使用本机默认地址。
func NewOllamaClient(cfg config.EmbeddingConfig) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL: %w", err)
	}
	hc := &http.Client{Timeout: 120 * time.Second}
	return &OllamaClient{client: ollama.NewClient(parsedURL, hc), model: cfg.Model}, nil
}

func (c *OllamaClient) ModelName() string { return c.model }

// CreateEmbeddings 使用 Ollama 的批量 embed 接口。
func (c *OllamaClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.Embed(ctx, &ollama.EmbedRequest{
		Model: c.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get embeddings from ollama: %w", err)
	}
	return resp.Embeddings, nil
}
