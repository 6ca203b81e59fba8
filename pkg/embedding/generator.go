package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doc-chat-go/internal/model"
)

// Generator maps text to vectors using one injected model. It batches
// requests, bounds each call with a timeout and reports every model failure
// as model.ErrEmbeddingUnavailable.
type Generator struct {
	model     Client
	batchSize int
	timeout   time.Duration
}

// NewGenerator wraps model. batchSize <= 0 sends everything in one call,
// timeout <= 0 disables the per-call deadline.
func NewGenerator(m Client, batchSize int, timeout time.Duration) *Generator {
	return &Generator{model: m, batchSize: batchSize, timeout: timeout}
}

// ModelName returns the name of the wrapped model.
func (g *Generator) ModelName() string { return g.model.ModelName() }

// Embed returns the vector for a single text.
func (g *Generator) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany returns one vector per input text, in input order.
func (g *Generator) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := g.batchSize
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batch, err := g.call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("%w: model returned %d vectors for %d texts", model.ErrEmbeddingUnavailable, len(batch), end-start)
		}
		for _, v := range batch {
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: model returned an empty vector", model.ErrEmbeddingUnavailable)
			}
			if dim == 0 {
				dim = len(v)
			} else if len(v) != dim {
				return nil, fmt.Errorf("%w: inconsistent vector dimension %d vs %d", model.ErrEmbeddingUnavailable, len(v), dim)
			}
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (g *Generator) call(ctx context.Context, texts []string) ([][]float32, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	vectors, err := g.model.CreateEmbeddings(ctx, texts)
	if err != nil {
		if errors.Is(err, model.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingUnavailable, err)
	}
	return vectors, nil
}
