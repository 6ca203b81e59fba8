package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"doc-chat-go/internal/middleware"
	"doc-chat-go/internal/service"
	"doc-chat-go/pkg/log"
)

// SearchHandler 提供检索预览接口，直接返回排序后的命中分块。
type SearchHandler struct {
	retrieval service.RetrievalService
}

// NewSearchHandler 创建一个新的 SearchHandler。
func NewSearchHandler(retrieval service.RetrievalService) *SearchHandler {
	return &SearchHandler{retrieval: retrieval}
}

// Search 处理 GET /api/v1/search?query=...&doc_ids=1,2&top_k=5。
func (h *SearchHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 query 参数", "data": nil})
		return
	}

	topK := -1
	if raw := c.Query("top_k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "top_k 必须是非负整数", "data": nil})
			return
		}
		topK = v
	}

	docIDs, err := parseIDList(c.Query("doc_ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "doc_ids 格式错误", "data": nil})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}

	hits, err := h.retrieval.Search(c.Request.Context(), userID, query, docIDs, topK)
	if err != nil {
		log.Errorf("[SearchHandler] 检索失败, userID: %d, error: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "检索失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": hits})
}

// parseIDList 解析逗号分隔的文档 ID 列表，空串返回 nil。
func parseIDList(raw string) ([]uint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint(v))
	}
	return ids, nil
}
