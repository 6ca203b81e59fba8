package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/model"
	"doc-chat-go/internal/repository"
	"doc-chat-go/pkg/llm"
	"doc-chat-go/pkg/log"
)

// ChatRequest 是客户端通过 WebSocket 发送的一条提问。
// 非 JSON 的纯文本消息被视为只有 Message 的请求。
type ChatRequest struct {
	Message        string `json:"message"`
	DocIDs         []uint `json:"doc_ids"`
	ConversationID string `json:"conversation_id"`
}

// MemoryWriter 把消息写入用户的 conversations 集合，由 vectorstore.Store 实现。
type MemoryWriter interface {
	AddMemoryRecord(ctx context.Context, userID uint, rec model.MemoryRecord) error
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	StreamResponse(ctx context.Context, userID uint, req ChatRequest, ws llm.MessageWriter, shouldStop func() bool) error
}

type chatService struct {
	retrieval        RetrievalService
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	embedder         QueryEmbedder
	memory           MemoryWriter // 为 nil 时不写会话记忆
	llmCfg           config.LLMConfig
}

// NewChatService 创建一个新的 ChatService 实例。memory 为 nil 时关闭会话记忆写入。
func NewChatService(retrieval RetrievalService, llmClient llm.Client, conversationRepo repository.ConversationRepository,
	embedder QueryEmbedder, memory MemoryWriter, llmCfg config.LLMConfig) ChatService {
	return &chatService{
		retrieval:        retrieval,
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		embedder:         embedder,
		memory:           memory,
		llmCfg:           llmCfg,
	}
}

// StreamResponse 协调 RAG 流程并流式传输 LLM 响应。
func (s *chatService) StreamResponse(ctx context.Context, userID uint, req ChatRequest, ws llm.MessageWriter, shouldStop func() bool) error {
	convID := req.ConversationID
	if convID == "" {
		id, err := s.conversationRepo.GetOrCreateConversationID(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get or create conversation ID: %w", err)
		}
		convID = id
	}

	userMsg := model.ChatMessage{ID: uuid.NewString(), Role: "user", Content: req.Message, Timestamp: time.Now()}
	s.remember(ctx, userID, convID, userMsg, model.MemoryUserMessage)

	// 1. 检索上下文；失败时 Retrieve 返回空字符串，对话照常进行
	contextText := s.retrieval.Retrieve(ctx, userID, req.Message, req.DocIDs, -1)

	// 2. 构建 system 消息与历史
	systemMsg := s.buildSystemMessage(contextText)
	history, err := s.conversationRepo.GetConversationHistory(ctx, userID, convID)
	if err != nil {
		log.Errorf("Failed to load conversation history: %v", err)
		history = []model.ChatMessage{}
	}
	llmMsgs := composeMessages(systemMsg, history, req.Message)

	// 拦截 websocket writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: ws, writer: answerBuilder, shouldStop: shouldStop}

	// 3. 调用 LLM 客户端以流式传输响应
	if err := s.llmClient.StreamChatMessages(ctx, llmMsgs, llm.ParamsFromConfig(s.llmCfg.Generation), interceptor); err != nil {
		return err
	}

	// 4. 发送完成通知，并保存对话
	SendCompletion(ws)
	fullAnswer := answerBuilder.String()
	if fullAnswer == "" {
		return nil
	}
	// 即使原始请求被取消，也保存已经生成的答案
	bg := context.WithoutCancel(ctx)
	assistantMsg := model.ChatMessage{ID: uuid.NewString(), Role: "assistant", Content: fullAnswer, Timestamp: time.Now()}
	if err := s.conversationRepo.AppendMessages(bg, userID, convID, userMsg, assistantMsg); err != nil {
		log.Errorf("Failed to save conversation history: %v", err)
	}
	s.remember(bg, userID, convID, assistantMsg, model.MemoryAssistantMessage)
	return nil
}

// remember 尽力写入会话记忆，失败只记录日志。
func (s *chatService) remember(ctx context.Context, userID uint, convID string, msg model.ChatMessage, typ string) {
	if s.memory == nil || s.embedder == nil || strings.TrimSpace(msg.Content) == "" {
		return
	}
	vec, err := s.embedder.Embed(ctx, msg.Content)
	if err != nil {
		log.Warnw("[ChatService] 会话消息嵌入失败", "userID", userID, "messageID", msg.ID, "error", err)
		return
	}
	rec := model.MemoryRecord{
		MessageID:      msg.ID,
		ConversationID: convID,
		Text:           msg.Content,
		Embedding:      vec,
		Type:           typ,
	}
	if err := s.memory.AddMemoryRecord(ctx, userID, rec); err != nil {
		log.Warnw("[ChatService] 写入会话记忆失败", "userID", userID, "messageID", msg.ID, "error", err)
	}
}

func (s *chatService) buildSystemMessage(contextText string) string {
	p := s.llmCfg.Prompt
	refStart := p.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := p.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if p.Rules != "" {
		sys.WriteString(p.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
		sys.WriteString("\n")
	} else {
		noRes := p.NoResultText
		if noRes == "" {
			noRes = "（本轮无检索结果）"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.ChatMessage, userInput string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userInput})
	return msgs
}

// wsWriterInterceptor 包装 websocket 写入，用于捕获完整答案。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// SendCompletion 发送完成通知 JSON，出错时 handler 也会调用。
func SendCompletion(ws llm.MessageWriter) {
	now := time.Now()
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
