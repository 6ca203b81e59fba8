package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/model"
)

type recordingClient struct {
	mu      sync.Mutex
	batches [][]string
	err     error
	short   bool
	delay   time.Duration
}

func (c *recordingClient) ModelName() string { return "recording" }

func (c *recordingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.batches = append(c.batches, append([]string(nil), texts...))
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	if c.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestGenerator_EmbedManyPreservesOrderAcrossBatches(t *testing.T) {
	client := &recordingClient{}
	g := NewGenerator(client, 2, 0)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := g.EmbedMany(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Len(t, client.batches, 3)
}

func TestGenerator_EmbedManyEmptyInput(t *testing.T) {
	g := NewGenerator(&recordingClient{}, 8, 0)
	vectors, err := g.EmbedMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestGenerator_ModelFailureIsEmbeddingUnavailable(t *testing.T) {
	g := NewGenerator(&recordingClient{err: errors.New("connection refused")}, 8, 0)
	_, err := g.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
}

func TestGenerator_CardinalityMismatch(t *testing.T) {
	g := NewGenerator(&recordingClient{short: true}, 8, 0)
	_, err := g.EmbedMany(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
}

func TestGenerator_Timeout(t *testing.T) {
	g := NewGenerator(&recordingClient{delay: time.Second}, 8, 20*time.Millisecond)
	_, err := g.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHashingClient_Deterministic(t *testing.T) {
	g := NewGenerator(NewHashingClient(256), 0, 0)
	a, err := g.Embed(context.Background(), "The quick brown fox")
	require.NoError(t, err)
	b, err := g.Embed(context.Background(), "The quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Greater(t, cosine(a, b), 0.999)
	assert.Len(t, a, 256)
}

func TestHashingClient_SharedTermsAreCloser(t *testing.T) {
	c := NewHashingClient(512)
	vectors, err := c.CreateEmbeddings(context.Background(), []string{
		"tell me about invariant X",
		"the invariant X must always hold",
		"bananas grow in tropical climates",
	})
	require.NoError(t, err)

	assert.Greater(t, cosine(vectors[0], vectors[1]), cosine(vectors[0], vectors[2]))
}

func TestHashingClient_EmptyTextIsZeroVector(t *testing.T) {
	vectors, err := NewHashingClient(0).CreateEmbeddings(context.Background(), []string{"  "})
	require.NoError(t, err)
	require.Len(t, vectors[0], 384)
	for _, v := range vectors[0] {
		assert.Zero(t, v)
	}
}
