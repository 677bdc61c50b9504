package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/fallback"
	"github.com/smartkrishi/smartkrishi-backend/internal/sms"
)

type activateReq struct {
	FallbackType string `json:"fallback_type"`
}

func (h *Handler) ActivateFallback(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req activateReq
	_ = c.ShouldBindJSON(&req) // defaults to sms

	session, created, err := h.Fallback.Activate(c.Request.Context(), uid, req.FallbackType, fallback.TriggerManual)
	if err != nil {
		if errors.Is(err, fallback.ErrNoVerifiedPhone) {
			fail(c, http.StatusBadRequest, 10010, "verified fallback phone required")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "failed to activate fallback")
		return
	}

	ok(c, gin.H{
		"session":        session,
		"already_active": !created,
	})
}

func (h *Handler) DeactivateFallback(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	session, err := h.Fallback.Deactivate(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to deactivate fallback")
		return
	}
	if session == nil {
		ok(c, gin.H{"was_active": false})
		return
	}
	ok(c, gin.H{"was_active": true, "session": session})
}

func (h *Handler) FallbackHealth(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	health, err := h.Fallback.HealthStatus(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to read health")
		return
	}
	ok(c, health)
}

func (h *Handler) GetFallbackSettings(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	settings, err := h.Fallback.GetSettings(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to read settings")
		return
	}
	ok(c, settings)
}

func (h *Handler) UpdateFallbackSettings(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var upd fallback.SettingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	settings, err := h.Fallback.UpdateSettings(c.Request.Context(), uid, upd)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to update settings")
		return
	}
	ok(c, settings)
}

type verifyPhoneReq struct {
	FallbackType string `json:"fallback_type"`
}

func (h *Handler) VerifyFallbackPhone(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req verifyPhoneReq
	_ = c.ShouldBindJSON(&req)

	if err := h.Fallback.VerifyPhone(c.Request.Context(), uid, req.FallbackType); err != nil {
		switch {
		case errors.Is(err, fallback.ErrNoVerifiedPhone):
			fail(c, http.StatusBadRequest, 10010, "fallback phone not set")
		case errors.Is(err, fallback.ErrChannelUnavailable):
			fail(c, http.StatusBadRequest, 10011, "phone not registered on channel")
		case errors.Is(err, sms.ErrDisabled):
			fail(c, http.StatusServiceUnavailable, 50301, "sms channel not available")
		default:
			fail(c, http.StatusBadGateway, 50302, "verification failed")
		}
		return
	}
	ok(c, gin.H{"verified": true})
}

type smsWebhookReq struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Message     string `json:"message" binding:"required"`
	SmsID       string `json:"sms_id"`
}

// SMSWebhook is the push-style intake for gateways that deliver inbound
// messages by callback instead of long-polling.
func (h *Handler) SMSWebhook(c *gin.Context) {
	var req smsWebhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "phone_number and message required")
		return
	}

	err := h.Fallback.ProcessIncomingSMS(c.Request.Context(), req.PhoneNumber, req.Message, req.SmsID)
	if err != nil {
		switch {
		case errors.Is(err, fallback.ErrUnknownPhone):
			fail(c, http.StatusNotFound, 40405, "phone number not registered")
		case errors.Is(err, fallback.ErrNoActiveSession):
			fail(c, http.StatusConflict, 40901, "fallback not active for this user")
		default:
			fail(c, http.StatusInternalServerError, 50001, "failed to process message")
		}
		return
	}
	ok(c, gin.H{"processed": true})
}

type sendSMSReq struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Message     string `json:"message" binding:"required"`
}

func (h *Handler) SendSMS(c *gin.Context) {
	if _, okk := userIDFromContext(c); !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendSMSReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "phone_number and message required")
		return
	}

	res, err := h.SMS.SendSMS(c.Request.Context(), req.PhoneNumber, req.Message)
	if err != nil {
		if errors.Is(err, sms.ErrDisabled) {
			fail(c, http.StatusServiceUnavailable, 50301, "sms channel not available")
			return
		}
		fail(c, http.StatusBadGateway, 50302, "failed to send sms")
		return
	}
	ok(c, gin.H{"sms_id": res.SmsID, "status": res.Status})
}

func (h *Handler) SMSHealth(c *gin.Context) {
	err := h.SMS.HealthCheck(c.Request.Context())
	ok(c, gin.H{
		"up":       err == nil,
		"disabled": errors.Is(err, sms.ErrDisabled),
	})
}

// ListFallbackChats returns only SMS/Telegram side-channel chats.
func (h *Handler) ListFallbackChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	v := true
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid, &v, 0, 0)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	ok(c, gin.H{"chats": chats})
}

// ListNormalChats excludes fallback chats.
func (h *Handler) ListNormalChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	v := false
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid, &v, 0, 0)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	ok(c, gin.H{"chats": chats})
}

type editMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// EditMessage rewrites a user message and deletes everything after it,
// rewinding the conversation to that point.
func (h *Handler) EditMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "content required")
		return
	}

	msg, deleted, err := h.ChatSvc.EditMessage(c.Request.Context(), uid, c.Param("message_id"), req.Content)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40403, "message not found")
			return
		}
		if errors.Is(err, chat.ErrEmptyMessage) {
			fail(c, http.StatusBadRequest, 10006, "content cannot be empty")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "failed to edit message")
		return
	}

	ok(c, gin.H{
		"message":          msg,
		"deleted_messages": deleted,
	})
}

// SessionHistory lists delivery records for one fallback session.
func (h *Handler) FallbackSessionHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	msgs, err := h.Fallback.SessionHistory(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list history")
		return
	}
	ok(c, gin.H{"messages": msgs})
}
