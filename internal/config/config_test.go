package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9000\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 5, cfg.Retrieval.PerDocumentTopK)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.Timeout)
	assert.Equal(t, "elasticsearch", cfg.VectorStore.Type)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoad_RejectsOverlapNotSmallerThanChunkSize(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"equal", "chunking:\n  chunk_size: 100\n  overlap: 100\n"},
		{"greater", "chunking:\n  chunk_size: 100\n  overlap: 150\n"},
		{"zero size", "chunking:\n  chunk_size: 0\n  overlap: 0\n"},
		{"negative overlap", "chunking:\n  chunk_size: 100\n  overlap: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "chunking")
		})
	}
}

func TestLoad_RejectsUnknownBackends(t *testing.T) {
	_, err := Load(writeConfig(t, "vector_store:\n  type: chroma\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_store.type")

	_, err = Load(writeConfig(t, "embedding:\n  provider: sentence-transformers\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.provider")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestInit_PanicsOnInvalidConfig(t *testing.T) {
	path := writeConfig(t, "chunking:\n  chunk_size: 10\n  overlap: 20\n")
	assert.Panics(t, func() { Init(path) })
}
