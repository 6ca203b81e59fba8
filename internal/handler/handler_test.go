package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-chat-go/internal/middleware"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/service"
	"doc-chat-go/pkg/token"
)

type stubRetrieval struct {
	gotDocIDs []uint
	gotTopK   int
	gotUser   uint
	err       error
}

func (s *stubRetrieval) Retrieve(ctx context.Context, userID uint, query string, docIDs []uint, topK int) string {
	return ""
}

func (s *stubRetrieval) Search(ctx context.Context, userID uint, query string, docIDs []uint, topK int) ([]model.SearchHit, error) {
	s.gotUser, s.gotDocIDs, s.gotTopK = userID, docIDs, topK
	if s.err != nil {
		return nil, s.err
	}
	return []model.SearchHit{{DocID: 1, PageNumber: 2, Text: "hit", Similarity: 0.9, Distance: 0.1}}, nil
}

type stubDocuments struct {
	uploaded []byte
	name     string
	err      error
}

func (s *stubDocuments) Upload(ctx context.Context, userID uint, fileName string, r io.Reader, size int64) (*model.DocumentDTO, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.name = fileName
	s.uploaded, _ = io.ReadAll(r)
	return &model.DocumentDTO{ID: 7, FileName: fileName, Status: model.DocumentStatusReady, ChunkCount: 2}, nil
}

func (s *stubDocuments) List(userID uint) ([]model.DocumentDTO, error) {
	return []model.DocumentDTO{{ID: 7, FileName: "a.pdf"}}, nil
}

func (s *stubDocuments) Delete(ctx context.Context, userID, docID uint) error {
	return s.err
}

const testSecret = "test-secret"

func newRouter(retrieval service.RetrievalService, docs service.DocumentService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", middleware.AuthMiddleware(token.NewJWTManager(testSecret, 1)))
	api.GET("/search", NewSearchHandler(retrieval).Search)
	dh := NewDocumentHandler(docs)
	api.POST("/documents/upload", dh.Upload)
	api.GET("/documents", dh.List)
	api.DELETE("/documents/:id", dh.Delete)
	return r
}

func authed(t *testing.T, req *http.Request, userID uint) *http.Request {
	t.Helper()
	tok, err := token.NewJWTManager(testSecret, 1).GenerateToken(userID)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, r *gin.Engine, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

func TestAuthMiddleware_RejectsMissingOrBadToken(t *testing.T) {
	r := newRouter(&stubRetrieval{}, &stubDocuments{})

	code, _ := serve(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	code, _ = serve(t, r, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Token abc")
	code, _ = serve(t, r, req)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSearchHandler(t *testing.T) {
	rs := &stubRetrieval{}
	r := newRouter(rs, &stubDocuments{})

	code, body := serve(t, r, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/search?query=hello&doc_ids=3,4&top_k=2", nil), 9))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint(9), rs.gotUser)
	assert.Equal(t, []uint{3, 4}, rs.gotDocIDs)
	assert.Equal(t, 2, rs.gotTopK)
	var hits []model.SearchHit
	require.NoError(t, json.Unmarshal(body.Data, &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].PageNumber)

	_, _ = serve(t, r, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/search?query=hello", nil), 9))
	assert.Equal(t, -1, rs.gotTopK, "defaults when top_k is absent")
	assert.Nil(t, rs.gotDocIDs)

	for _, q := range []string{"", "?query=x&top_k=-3", "?query=x&doc_ids=1,abc"} {
		code, _ = serve(t, r, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/search"+q, nil), 9))
		assert.Equal(t, http.StatusBadRequest, code, q)
	}

	rs.err = errors.New("es down")
	code, _ = serve(t, r, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/search?query=x", nil), 9))
	assert.Equal(t, http.StatusInternalServerError, code)
}

func multipartUpload(t *testing.T, name string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocumentHandler_Upload(t *testing.T) {
	docs := &stubDocuments{}
	r := newRouter(&stubRetrieval{}, docs)

	code, body := serve(t, r, authed(t, multipartUpload(t, "paper.pdf", []byte("%PDF-1.4")), 1))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paper.pdf", docs.name)
	assert.Equal(t, []byte("%PDF-1.4"), docs.uploaded)
	var dto model.DocumentDTO
	require.NoError(t, json.Unmarshal(body.Data, &dto))
	assert.Equal(t, uint(7), dto.ID)

	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", nil), 1)
	code, _ = serve(t, r, req)
	assert.Equal(t, http.StatusBadRequest, code, "missing file field")
}

func TestDocumentHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrNotPDF, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", model.ErrExtraction), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", model.ErrDocumentNotFound), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", model.ErrEmbeddingUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := newRouter(&stubRetrieval{}, &stubDocuments{err: tc.err})
			code, _ := serve(t, r, authed(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/3", nil), 1))
			assert.Equal(t, tc.want, code)
		})
	}

	r := newRouter(&stubRetrieval{}, &stubDocuments{})
	code, _ := serve(t, r, authed(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/abc", nil), 1))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseChatRequest(t *testing.T) {
	req := parseChatRequest([]byte(`{"message":"hi","doc_ids":[1,2],"conversation_id":"c"}`))
	assert.Equal(t, service.ChatRequest{Message: "hi", DocIDs: []uint{1, 2}, ConversationID: "c"}, req)

	assert.Equal(t, service.ChatRequest{Message: "plain question"}, parseChatRequest([]byte("plain question")))
	assert.Equal(t, "{broken", parseChatRequest([]byte("{broken")).Message)
}

func TestChatHandler_StopCommand(t *testing.T) {
	h := NewChatHandler(nil, token.NewJWTManager(testSecret, 1))
	stop := h.stopToken

	assert.True(t, h.isStopCommand([]byte(stop)))
	assert.True(t, h.isStopCommand([]byte(`{"type":"stop","_internal_cmd_token":"`+stop+`"}`)))
	assert.False(t, h.isStopCommand([]byte(`{"type":"stop","_internal_cmd_token":"nope"}`)))
	assert.False(t, h.isStopCommand([]byte("hello")))
}
