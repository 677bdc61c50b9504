package chat

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/smartkrishi/smartkrishi-backend/internal/agent"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
)

// AgentAPI is the slice of the remote agent client the orchestrator
// needs.
type AgentAPI interface {
	CreateChat(ctx context.Context, userID, name string) (string, error)
	StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan agent.Event
	UploadFile(ctx context.Context, userID, chatID string, data []byte, filename, fileType string) (agent.UploadResult, error)
}

// Frame is one event forwarded to the SSE layer; serialized verbatim as
// one `data:` frame.
type Frame map[string]any

// StreamOptions are the per-request overrides; unset fields fall back
// to the user's persisted agent config.
type StreamOptions struct {
	Model       string
	Tools       []string
	IncludeLogs *bool
}

// maxStreamEvents bounds one turn against a misbehaving upstream that
// never signals completion.
const maxStreamEvents = 1000

const apologyPrefix = "I apologize, but an error occurred: "

type resolvedOptions struct {
	model       string
	tools       []string
	includeLogs bool
}

func (s *Service) resolveOptions(ctx context.Context, userID uint64, opts StreamOptions) (resolvedOptions, error) {
	cfg, err := s.reasoning.GetOrCreateConfig(ctx, userID)
	if err != nil {
		return resolvedOptions{}, err
	}

	out := resolvedOptions{
		model:       opts.Model,
		tools:       opts.Tools,
		includeLogs: cfg.IncludeLogs,
	}
	if out.model == "" {
		out.model = cfg.PreferredModel
	}
	if out.tools == nil {
		out.tools = cfg.ToolList()
	}
	if opts.IncludeLogs != nil {
		out.includeLogs = *opts.IncludeLogs
	}
	return out, nil
}

// ensureAgentChat returns the chat's remote id, creating and persisting
// one when missing. A concurrent creation may leave a duplicate remote
// chat behind; the persisted id always wins locally.
func (s *Service) ensureAgentChat(ctx context.Context, c *Chat, userID uint64) (string, error) {
	if c.AgentChatID != nil && *c.AgentChatID != "" {
		return *c.AgentChatID, nil
	}

	remoteID, err := s.agentAPI.CreateChat(ctx, strconv.FormatUint(userID, 10), c.Title)
	if err != nil {
		return "", err
	}
	return s.repo.SetAgentChatID(ctx, c.ID, remoteID)
}

// SendMessageStream drives one ask turn end-to-end. Ownership and
// config resolution happen synchronously (not-found surfaces as an
// error return, before any SSE bytes are written); everything after
// that arrives on the returned channel, which always ends with exactly
// one `end` frame and is then closed.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, chatID, text string, opts StreamOptions) (<-chan Frame, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	resolved, err := s.resolveOptions(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	c, err := s.repo.GetChatByID(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		s.streamTurn(ctx, frames, userID, c, text, resolved)
	}()
	return frames, nil
}

// streamTurn runs the event loop for one turn, writing frames to out.
// It always emits a terminal end frame unless the caller's context is
// already gone.
func (s *Service) streamTurn(ctx context.Context, out chan<- Frame, userID uint64, c *Chat, text string, opts resolvedOptions) {
	// database writes must survive a client disconnect so the partial
	// answer stays persisted
	persistCtx := context.WithoutCancel(ctx)

	emit := func(f Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var accumulated string
	assistantID := ""

	emitEnd := func() {
		f := Frame{"type": "end", "chat_id": c.ID, "final_content": accumulated}
		if assistantID != "" {
			f["message_id"] = assistantID
		}
		emit(f)
	}

	agentChatID, err := s.ensureAgentChat(ctx, c, userID)
	if err != nil {
		log.Printf("stream ensure agent chat failed chat=%s err=%v", c.ID, err)
		emit(Frame{"type": "error", "error": "Failed to create agent chat: " + err.Error(), "chat_id": c.ID})
		emitEnd()
		return
	}

	// reuse the most recent user message when a client retry resent the
	// same content
	userMsg, err := s.repo.LatestUserMessage(ctx, c.ID, userID)
	if err == nil && userMsg != nil && userMsg.Content == text {
		log.Printf("stream reusing user message chat=%s msg=%s", c.ID, userMsg.ID)
	} else {
		userMsg = &Message{
			ChatID:      c.ID,
			UserID:      userID,
			Role:        "user",
			Content:     text,
			MessageType: "text",
		}
		if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
			emit(Frame{"type": "error", "error": "Service error: " + err.Error(), "chat_id": c.ID})
			emitEnd()
			return
		}
	}

	// placeholder the frontend watches; content is overwritten in place
	// as chunks arrive
	assistantMsg := &Message{
		ChatID:      c.ID,
		UserID:      userID,
		Role:        "assistant",
		Content:     "",
		MessageType: "text",
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		emit(Frame{"type": "error", "error": "Service error: " + err.Error(), "chat_id": c.ID})
		emitEnd()
		return
	}
	assistantID = assistantMsg.ID

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	events := s.agentAPI.StreamAsk(streamCtx, strconv.FormatUint(userID, 10), agentChatID, text, opts.model, opts.tools, opts.includeLogs)

	forward := func(ev agent.Event) Frame {
		f := make(Frame, len(ev.Data)+3)
		for k, v := range ev.Data {
			f[k] = v
		}
		f["type"] = ev.Type
		f["message_id"] = assistantID
		f["chat_id"] = c.ID
		return f
	}

	stepOrder := 0
	count := 0

loop:
	for ev := range events {
		count++
		if count > maxStreamEvents {
			log.Printf("stream reached safety limit chat=%s msg=%s", c.ID, assistantID)
			break
		}
		stepOrder++

		// best-effort audit trail; a failed insert never aborts the
		// user-visible answer
		if _, err := s.reasoning.RecordStep(persistCtx, assistantID, c.ID, userID, ev, stepOrder); err != nil {
			log.Printf("reasoning step persist failed msg=%s order=%d err=%v", assistantID, stepOrder, err)
		}

		switch ev.Type {
		case "response_chunk":
			chunk, _ := ev.Data["content"].(string)
			accumulated += chunk
			if err := s.repo.UpdateMessageContent(persistCtx, assistantID, accumulated); err != nil {
				log.Printf("assistant content write failed msg=%s err=%v", assistantID, err)
			}
			f := forward(ev)
			f["content"] = chunk
			if !emit(f) {
				break loop
			}

		case "response":
			final, _ := ev.Data["response"].(string)
			if final != "" {
				// a full response wins over any accumulated chunks
				accumulated = final
				if err := s.repo.UpdateMessageContent(persistCtx, assistantID, accumulated); err != nil {
					log.Printf("assistant content write failed msg=%s err=%v", assistantID, err)
				}
			}
			f := forward(ev)
			f["content"] = final
			if !emit(f) {
				break loop
			}

		case "error":
			errMsg, _ := ev.Data["error"].(string)
			if errMsg == "" {
				errMsg = "An error occurred"
			}
			accumulated = apologyPrefix + errMsg
			if err := s.repo.UpdateMessageContent(persistCtx, assistantID, accumulated); err != nil {
				log.Printf("assistant content write failed msg=%s err=%v", assistantID, err)
			}
			f := forward(ev)
			f["error"] = errMsg
			emit(f)
			// error is terminal for the forwarding loop; do not consume
			// later events
			break loop

		default:
			if !emit(forward(ev)) {
				break loop
			}
		}
	}

	// unblock the decoder goroutine if we stopped early
	cancelStream()
	go func() {
		for range events {
		}
	}()

	// guarantee the persisted content matches the last emitted value
	if accumulated != "" {
		if err := s.repo.UpdateMessageContent(persistCtx, assistantID, accumulated); err != nil {
			log.Printf("assistant final write failed msg=%s err=%v", assistantID, err)
		}
	}

	emitEnd()
	log.Printf("stream done chat=%s msg=%s events=%d chars=%d", c.ID, assistantID, count, len(accumulated))
}

// UploadFileAndAnalyze uploads a file to the agent service, records its
// metadata, emits a file_uploaded frame, and when an accompanying
// message was supplied continues as a normal streaming turn.
func (s *Service) UploadFileAndAnalyze(ctx context.Context, userID uint64, chatID string, data []byte, filename, mimeType, message string) (<-chan Frame, error) {
	if err := s.files.Validate(filename, len(data)); err != nil {
		return nil, err
	}

	resolved, err := s.resolveOptions(ctx, userID, StreamOptions{})
	if err != nil {
		return nil, err
	}

	c, err := s.repo.GetChatByID(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)

		emit := func(f Frame) bool {
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		agentChatID, err := s.ensureAgentChat(ctx, c, userID)
		if err != nil {
			emit(Frame{"type": "error", "error": "Failed to create agent chat: " + err.Error(), "chat_id": c.ID})
			emit(Frame{"type": "end", "chat_id": c.ID, "final_content": ""})
			return
		}

		fileType := files.TypeFromFilename(filename)
		result, err := s.agentAPI.UploadFile(ctx, strconv.FormatUint(userID, 10), agentChatID, data, filename, fileType)
		if err != nil {
			emit(Frame{"type": "error", "error": "File upload error: " + err.Error(), "chat_id": c.ID})
			emit(Frame{"type": "end", "chat_id": c.ID, "final_content": ""})
			return
		}

		if _, err := s.files.SaveUploaded(context.WithoutCancel(ctx), userID, c.ID, filename, mimeType, result.FileID, len(data)); err != nil {
			log.Printf("file metadata persist failed chat=%s file=%s err=%v", c.ID, filename, err)
		}

		if !emit(Frame{
			"type":     "file_uploaded",
			"file_id":  result.FileID,
			"filename": filename,
			"status":   result.Status,
			"chat_id":  c.ID,
		}) {
			return
		}

		if strings.TrimSpace(message) != "" {
			s.streamTurn(ctx, frames, userID, c, message, resolved)
		}
	}()
	return frames, nil
}
