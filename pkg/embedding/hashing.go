package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashingClient produces deterministic bag-of-words vectors with the hashing
// trick. It needs no model download, which makes it the offline provider.
type HashingClient struct {
	dim int
}

// NewHashingClient returns a hashing embedder; dim <= 0 falls back to 384.
func NewHashingClient(dim int) *HashingClient {
	if dim <= 0 {
		dim = 384
	}
	return &HashingClient{dim: dim}
}

func (c *HashingClient) ModelName() string { return "hashing" }

func (c *HashingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = c.embed(text)
	}
	return out, nil
}

func (c *HashingClient) embed(text string) []float32 {
	vec := make([]float32, c.dim)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(c.dim))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
