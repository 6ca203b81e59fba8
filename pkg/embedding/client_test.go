package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/config"
)

func TestNewClient_Providers(t *testing.T) {
	c, err := NewClient(config.EmbeddingConfig{Provider: "hashing", Dimensions: 64})
	require.NoError(t, err)
	assert.Equal(t, "hashing", c.ModelName())

	c, err = NewClient(config.EmbeddingConfig{Provider: "ollama", Model: "all-minilm"})
	require.NoError(t, err)
	assert.Equal(t, "all-minilm", c.ModelName())

	_, err = NewClient(config.EmbeddingConfig{Provider: "unknown"})
	assert.Error(t, err)
}

func TestOpenAICompatibleClient_RestoresInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"first", "second"}, req.Input)

		// 故意乱序返回
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.EmbeddingConfig{Provider: "openai", BaseURL: srv.URL, APIKey: "secret", Model: "m"})
	require.NoError(t, err)

	vectors, err := c.CreateEmbeddings(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, vectors)
}

func TestOpenAICompatibleClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(config.EmbeddingConfig{Provider: "openai", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.CreateEmbeddings(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
