package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/common"
	"github.com/smartkrishi/smartkrishi-backend/internal/httpapi/middleware"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/rabbitmq"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

type createChatReq struct {
	Title        string `json:"title"`
	FirstMessage string `json:"first_message"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatReq
	_ = c.ShouldBindJSON(&req) // empty body means untitled chat

	title := req.Title
	if title == "" && req.FirstMessage != "" {
		title = chat.GenerateChatTitle(req.FirstMessage)
	}

	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, title)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	ok(c, gin.H{"chat": ch})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var fallbackOnly *bool
	switch c.Query("fallback_only") {
	case "true":
		v := true
		fallbackOnly = &v
	case "false":
		v := false
		fallbackOnly = &v
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid, fallbackOnly, 0, 0)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	ok(c, gin.H{"chats": chats})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	ok(c, gin.H{"messages": msgs})
}

type renameChatReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req renameChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "title required")
		return
	}

	err := h.ChatSvc.RenameChat(c.Request.Context(), uid, c.Param("chat_id"), req.Title)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		fail(c, http.StatusBadRequest, 10005, "failed to rename chat")
		return
	}
	ok(c, gin.H{"renamed": true})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	ok(c, gin.H{"deleted": true})
}

type askReq struct {
	ChatID  string `json:"chat_id" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// Ask is the synchronous non-streaming path backed by the generative
// model API directly.
func (h *Handler) Ask(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "chat_id and message required")
		return
	}

	reply, msgID, err := h.ChatSvc.Ask(c.Request.Context(), uid, req.ChatID, req.Message)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		if errors.Is(err, chat.ErrEmptyMessage) {
			fail(c, http.StatusBadRequest, 10006, "message cannot be empty")
			return
		}
		log.Printf("ask failed uid=%d chat=%s err=%v", uid, req.ChatID, err)
		fail(c, http.StatusBadGateway, 50201, "model call failed")
		return
	}

	ok(c, gin.H{
		"chat_id":    req.ChatID,
		"reply":      reply,
		"message_id": msgID,
	})
}

// AskAsync enqueues the turn for the worker and returns a job id.
func (h *Handler) AskAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Rabbit == nil {
		fail(c, http.StatusServiceUnavailable, 50305, "async ask not available")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "chat_id and message required")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if _, err := h.ChatSvc.InsertUserMessage(c.Request.Context(), uid, req.ChatID, req.Message); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		log.Printf("ask-async insert failed uid=%d chat=%s err=%v", uid, req.ChatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.AskJob{
		ID:             jobID,
		UserID:         uid,
		ChatID:         req.ChatID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	j, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("ask-async create job failed uid=%d chat=%s err=%v", uid, req.ChatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if created {
		msg := rabbitmq.AskJobMessage{JobID: j.ID, ChatID: j.ChatID, UserID: j.UserID}
		if err := h.Rabbit.PublishAskJob(c.Request.Context(), msg); err != nil {
			log.Printf("ask-async publish failed uid=%d job=%s err=%v", uid, j.ID, err)
			fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

// ChatReasoning returns the full audit trail for a chat.
func (h *Handler) ChatReasoning(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	if _, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID); err != nil {
		fail(c, http.StatusNotFound, 40404, "chat not found")
		return
	}

	steps, err := h.Reasoning.ListForChat(c.Request.Context(), chatID, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list reasoning")
		return
	}
	ok(c, gin.H{"chat_id": chatID, "steps": steps})
}

// MessageReasoning returns the ordered steps behind one assistant
// message.
func (h *Handler) MessageReasoning(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	messageID := c.Param("message_id")

	steps, err := h.Reasoning.ListForMessage(c.Request.Context(), messageID, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list reasoning")
		return
	}
	ok(c, gin.H{"message_id": messageID, "steps": steps})
}

func (h *Handler) GetAgentConfig(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	cfg, err := h.Reasoning.GetOrCreateConfig(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"config": cfg})
}

type agentConfigReq struct {
	PreferredModel *string  `json:"preferred_model"`
	DefaultTools   []string `json:"default_tools"`
	IncludeLogs    *bool    `json:"include_logs"`
}

func (h *Handler) UpdateAgentConfig(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req agentConfigReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	cfg, err := h.Reasoning.UpdateConfig(c.Request.Context(), uid, reasoning.ConfigUpdate{
		PreferredModel: req.PreferredModel,
		DefaultTools:   req.DefaultTools,
		IncludeLogs:    req.IncludeLogs,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"config": cfg})
}

// seasonal starter questions shown on an empty chat screen
var suggestions = []string{
	"What crops should I plant this season?",
	"How do I protect my tomatoes from blight?",
	"When is the best time to irrigate wheat?",
	"What is the current market price for onions?",
	"How can I improve my soil fertility naturally?",
	"Which fertilizer works best for paddy?",
}

func (h *Handler) Suggestions(c *gin.Context) {
	ok(c, gin.H{"suggestions": suggestions})
}

// ListTools proxies the agent service's tool inventory.
func (h *Handler) ListTools(c *gin.Context) {
	tools, err := h.Agent.ListTools(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, 50202, "agent service unavailable")
		return
	}
	ok(c, gin.H{"tools": tools})
}
