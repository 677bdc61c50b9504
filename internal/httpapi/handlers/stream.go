package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
)

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
}

// writeFrames serializes each frame as one SSE data block until the
// channel closes or the client goes away.
func writeFrames(c *gin.Context, frames <-chan chat.Frame) {
	flusher, okk := c.Writer.(http.Flusher)
	if !okk {
		fmt.Fprint(c.Writer, "data: {\"type\":\"error\",\"error\":\"streaming unsupported\"}\n\n")
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case f, open := <-frames:
			if !open {
				return
			}
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", b)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

type sendStreamReq struct {
	ChatID      string   `json:"chat_id"`
	Message     string   `json:"message" binding:"required"`
	Model       string   `json:"model"`
	Tools       []string `json:"tools"`
	IncludeLogs *bool    `json:"include_logs"`
}

// ensureChatID creates a chat titled from the first message when the
// client did not name one.
func (h *Handler) ensureChatID(c *gin.Context, uid uint64, chatID, message string) (string, bool) {
	if chatID != "" {
		return chatID, true
	}
	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, chat.GenerateChatTitle(message))
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return "", false
	}
	return ch.ID, true
}

// SendStream runs one streaming ask turn over SSE. Validation failures
// surface as plain JSON errors; once streaming starts every outcome,
// including upstream errors, is delivered as frames.
func (h *Handler) SendStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "message required")
		return
	}
	chatID, okk := h.ensureChatID(c, uid, req.ChatID, req.Message)
	if !okk {
		return
	}

	frames, err := h.ChatSvc.SendMessageStream(c.Request.Context(), uid, chatID, req.Message, chat.StreamOptions{
		Model:       req.Model,
		Tools:       req.Tools,
		IncludeLogs: req.IncludeLogs,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		if errors.Is(err, chat.ErrEmptyMessage) {
			fail(c, http.StatusBadRequest, 10006, "message cannot be empty")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	sseHeaders(c)
	writeFrames(c, frames)
}

// UploadAndAnalyzeStream accepts a multipart upload, forwards it to the
// agent service, and optionally streams an analysis turn for the
// accompanying message field.
func (h *Handler) UploadAndAnalyzeStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	message := c.PostForm("message")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, 10007, "file required")
		return
	}
	if fileHeader.Size > files.MaxFileSize {
		fail(c, http.StatusRequestEntityTooLarge, 10008, "file exceeds 10MB limit")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, 10007, "unreadable file")
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, files.MaxFileSize+1))
	f.Close()
	if err != nil {
		fail(c, http.StatusBadRequest, 10007, "unreadable file")
		return
	}
	if len(data) > files.MaxFileSize {
		fail(c, http.StatusRequestEntityTooLarge, 10008, "file exceeds 10MB limit")
		return
	}

	title := message
	if title == "" {
		title = fileHeader.Filename
	}
	chatID, okk := h.ensureChatID(c, uid, c.PostForm("chat_id"), title)
	if !okk {
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	frames, err := h.ChatSvc.UploadFileAndAnalyze(c.Request.Context(), uid, chatID, data, fileHeader.Filename, mimeType, message)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		if errors.Is(err, files.ErrFileTypeNotAllowed) {
			fail(c, http.StatusBadRequest, 10009, "file type not allowed")
			return
		}
		if errors.Is(err, files.ErrFileTooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, 10008, "file exceeds 10MB limit")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	sseHeaders(c)
	writeFrames(c, frames)
}
