package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
)

const threePages = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>t</title></head>
<body>
<div class="page"><p>First page text.</p></div>
<div class="page"><p/></div>
<div class="page"><p>Third &amp; final</p><p>second paragraph</p></div>
</body></html>`

func TestClient_ExtractSplitsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "text/html", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-fake", string(body))
		_, _ = w.Write([]byte(threePages))
	}))
	defer srv.Close()

	doc, err := NewClient(config.TikaConfig{ServerURL: srv.URL}).Extract(context.Background(), []byte("%PDF-fake"))
	require.NoError(t, err)
	require.Equal(t, 3, doc.NumPages())

	var numbers []int
	var texts []string
	for n, text := range doc.Pages() {
		numbers = append(numbers, n)
		texts = append(texts, text)
	}
	assert.Equal(t, []int{1, 2, 3}, numbers)
	assert.Equal(t, "First page text.", texts[0])
	assert.Equal(t, "", texts[1])
	assert.Contains(t, texts[2], "Third & final")
	assert.Contains(t, texts[2], "second paragraph")

	// 可重复遍历
	count := 0
	for range doc.Pages() {
		count++
	}
	assert.Equal(t, 3, count)
}

func TestClient_UnprocessableIsExtractionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewClient(config.TikaConfig{ServerURL: srv.URL}).Extract(context.Background(), []byte("garbage"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExtraction)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(config.TikaConfig{ServerURL: srv.URL}).Extract(context.Background(), []byte("%PDF"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrExtraction)
}
