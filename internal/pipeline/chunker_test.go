package pipeline

import (
	"iter"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageSeq(pages ...string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		for i, p := range pages {
			if !yield(i+1, p) {
				return
			}
		}
	}
}

func TestNewChunker_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
	}{
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 200},
		{"zero size", 0, 0},
		{"negative overlap", 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunker(tt.size, tt.overlap)
			assert.Error(t, err)
		})
	}
}

func TestChunker_ShortTextYieldsSingleChunk(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	chunks := c.Split("a short page")
	assert.Equal(t, []string{"a short page"}, chunks)
}

func TestChunker_WhitespaceOnlyYieldsNothing(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split(" \n\t  \n"))
}

func TestChunker_NormalizesWhitespace(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	assert.Equal(t, []string{"line one line two"}, c.Split("  line one\n\n   line\ttwo  "))
}

func TestChunker_IsDeterministic(t *testing.T) {
	c, err := NewChunker(37, 5)
	require.NoError(t, err)
	text := strings.Repeat("determinism matters for idempotent ingestion. ", 40)

	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestChunker_WindowsCoverTextWithoutGaps(t *testing.T) {
	c, err := NewChunker(50, 10)
	require.NoError(t, err)
	text := normalizeWhitespace(strings.Repeat("每个字符都必须出现在某个窗口里 coverage check ", 30))

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	var rebuilt []rune
	for i, ch := range chunks {
		runes := []rune(ch)
		if i < len(chunks)-1 {
			assert.Len(t, runes, 50, "only the last window may be truncated")
		}
		if i == 0 {
			rebuilt = append(rebuilt, runes...)
			continue
		}
		require.Greater(t, len(runes), 10)
		assert.Equal(t, string(rebuilt[len(rebuilt)-10:]), string(runes[:10]), "adjacent windows overlap")
		rebuilt = append(rebuilt, runes[10:]...)
	}
	assert.Equal(t, text, string(rebuilt))
}

func TestChunker_CountMatchesStepFormula(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	for _, n := range []int{1, 450, 500, 501, 950, 951, 1000, 1203, 4500} {
		text := strings.Repeat("x", n)
		want := 1
		if n > 500 {
			want = int(math.Ceil(float64(n-50) / 450))
		}
		assert.Len(t, c.Split(text), want, "length %d", n)
	}
}

func TestChunker_ChunkDocumentIndexesAcrossPages(t *testing.T) {
	c, err := NewChunker(20, 5)
	require.NoError(t, err)

	records := c.ChunkDocument(pageSeq(
		strings.Repeat("a", 50),
		"   ",
		strings.Repeat("b", 10),
		strings.Repeat("c", 30),
	))
	require.NotEmpty(t, records)

	for i, r := range records {
		assert.Equal(t, i, r.ChunkIndex)
		assert.NotEqual(t, 2, r.PageNumber, "blank page produces no chunks")
		assert.LessOrEqual(t, utf8.RuneCountInString(r.Text), 20)
	}
	// 按 chunk_index 排序与按页码排序一致
	for i := 1; i < len(records); i++ {
		assert.LessOrEqual(t, records[i-1].PageNumber, records[i].PageNumber)
	}
	assert.Equal(t, 1, records[0].PageNumber)
	assert.Equal(t, 4, records[len(records)-1].PageNumber)
}
