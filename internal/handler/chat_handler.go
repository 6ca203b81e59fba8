package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"doc-chat-go/internal/service"
	"doc-chat-go/pkg/llm"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService   service.ChatService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
		stopToken:   newStopToken(),
	}
}

func newStopToken() string {
	return "WSS_STOP_CMD_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 单实例内轮换的令牌；多实例部署需要放到 Redis
	h.stopToken = newStopToken()
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil || claims.UserID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	userID := claims.UserID

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer ws.Close()
	conn := &lockedConn{conn: ws}
	key := sessionKey(ws)
	defer h.stopFlags.Delete(key)

	log.Infof("WebSocket 连接已建立，userID: %d", userID)

	// 读循环与生成并发执行，停止命令才能在流式输出过程中被读到
	var streaming sync.WaitGroup
	defer streaming.Wait()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	busy := make(chan struct{}, 1)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		if h.isStopCommand(message) {
			h.stopFlags.Store(key, true)
			resp := map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			}
			b, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
			continue
		}

		req := parseChatRequest(message)
		if strings.TrimSpace(req.Message) == "" {
			continue
		}
		select {
		case busy <- struct{}{}:
		default:
			b, _ := json.Marshal(map[string]string{"error": "上一条消息仍在生成中"})
			_ = conn.WriteMessage(websocket.TextMessage, b)
			continue
		}
		log.Infof("收到 WebSocket 消息, userID: %d, docIDs: %v", userID, req.DocIDs)

		// 清除旧标志
		h.stopFlags.Delete(key)
		streaming.Add(1)
		go func() {
			defer streaming.Done()
			defer func() { <-busy }()
			h.stream(ctx, conn, key, userID, req)
		}()
	}
}

func (h *ChatHandler) stream(ctx context.Context, conn llm.MessageWriter, key string, userID uint, req service.ChatRequest) {
	shouldStop := func() bool {
		v, ok := h.stopFlags.Load(key)
		return ok && v.(bool)
	}
	if err := h.chatService.StreamResponse(ctx, userID, req, conn, shouldStop); err != nil {
		log.Errorf("处理流式响应失败: %v", err)
		b, _ := json.Marshal(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
		_ = conn.WriteMessage(websocket.TextMessage, b)
		// 错误时也发送 completion 通知
		service.SendCompletion(conn)
	}
}

// lockedConn 串行化写操作，gorilla/websocket 只允许一个并发写者。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

// isStopCommand 识别 {"type":"stop","_internal_cmd_token":"..."} 或整条消息等于停止令牌。
func (h *ChatHandler) isStopCommand(message []byte) bool {
	h.stopTokenLock.Lock()
	current := h.stopToken
	h.stopTokenLock.Unlock()

	if string(message) == current {
		return true
	}
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl struct {
		Type  string `json:"type"`
		Token string `json:"_internal_cmd_token"`
	}
	if err := json.Unmarshal(message, &ctrl); err != nil {
		return false
	}
	return ctrl.Type == "stop" && ctrl.Token == current
}

// parseChatRequest 解析 JSON 请求；不是 JSON 的消息整体作为提问。
func parseChatRequest(message []byte) service.ChatRequest {
	if len(message) > 0 && message[0] == '{' {
		var req service.ChatRequest
		if err := json.Unmarshal(message, &req); err == nil {
			return req
		}
	}
	return service.ChatRequest{Message: string(message)}
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
