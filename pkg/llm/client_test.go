package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/config"
)

type collectWriter struct {
	chunks []string
}

func (w *collectWriter) WriteMessage(messageType int, data []byte) error {
	w.chunks = append(w.chunks, string(data))
	return nil
}

func TestStreamChatMessages_ForwardsDeltas(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "m",
		Generation: config.LLMGenerationConfig{Temperature: 0.2}})
	w := &collectWriter{}
	err := c.StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, w)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, w.chunks)
	assert.True(t, got.Stream)
	assert.Equal(t, "m", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	assert.Nil(t, got.MaxTokens)
}

func TestStreamChatMessages_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL})
	err := c.StreamChatMessages(context.Background(), nil, nil, &collectWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestParamsFromConfig(t *testing.T) {
	assert.Nil(t, ParamsFromConfig(config.LLMGenerationConfig{}))

	gp := ParamsFromConfig(config.LLMGenerationConfig{MaxTokens: 256})
	require.NotNil(t, gp)
	require.NotNil(t, gp.MaxTokens)
	assert.Equal(t, 256, *gp.MaxTokens)
	assert.Nil(t, gp.TopP)
}
