package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/lock"
)

func TestOpenBackend(t *testing.T) {
	var cfg config.Config
	cfg.VectorStore.Type = "memory"
	backend, closeFn, err := OpenBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &vectorstore.MemoryBackend{}, backend)

	cfg.VectorStore.Type = "qdrant"
	_, _, err = OpenBackend(context.Background(), cfg)
	assert.ErrorContains(t, err, "qdrant")
}

func TestLockerFallsBackToLocal(t *testing.T) {
	assert.IsType(t, &lock.LocalLocker{}, Locker(collectionLockTTL))
}
