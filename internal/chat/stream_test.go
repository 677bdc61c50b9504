package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/agent"
	"github.com/smartkrishi/smartkrishi-backend/internal/ai"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
)

type fakeAgent struct {
	events      []agent.Event
	createCalls int32
	uploadErr   error
}

func (f *fakeAgent) CreateChat(ctx context.Context, userID, name string) (string, error) {
	atomic.AddInt32(&f.createCalls, 1)
	return "remote-chat-1", nil
}

func (f *fakeAgent) StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan agent.Event {
	out := make(chan agent.Event)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeAgent) UploadFile(ctx context.Context, userID, chatID string, data []byte, filename, fileType string) (agent.UploadResult, error) {
	if f.uploadErr != nil {
		return agent.UploadResult{}, f.uploadErr
	}
	return agent.UploadResult{FileID: "file-1", Status: "uploaded"}, nil
}

func newStreamService(t *testing.T, db *gorm.DB, fa AgentAPI) *Service {
	t.Helper()
	reg := ai.NewRegistry()
	return NewService(NewRepo(db), reasoning.NewRepo(db), fa, nil, reg, 20)
}

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	for f := range frames {
		out = append(out, f)
	}
	return out
}

func frameType(f Frame) string {
	s, _ := f["type"].(string)
	return s
}

func TestSendMessageStream_ChunksThenResponseOverride(t *testing.T) {
	db := openTestDB(t)
	fa := &fakeAgent{events: []agent.Event{
		{Type: "analysis", Data: map[string]any{"stage": "planning", "content": "thinking about crops"}},
		{Type: "tool_use", Data: map[string]any{"tool": "weather_lookup", "args": `{"district":"Chitwan"}`}},
		{Type: "response_chunk", Data: map[string]any{"content": "Plant "}},
		{Type: "response_chunk", Data: map[string]any{"content": "maize."}},
		{Type: "response", Data: map[string]any{"response": "Plant maize in March."}},
	}}
	svc := newStreamService(t, db, fa)
	ctx := context.Background()

	ch, err := svc.CreateChat(ctx, 1, "season")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	frames, err := svc.SendMessageStream(ctx, 1, ch.ID, "what to plant?", StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, frames)

	if len(got) != 6 {
		t.Fatalf("expected 5 forwarded frames + end, got %d: %v", len(got), got)
	}
	end := got[len(got)-1]
	if frameType(end) != "end" {
		t.Fatalf("last frame must be end, got %q", frameType(end))
	}
	if end["final_content"] != "Plant maize in March." {
		t.Fatalf("response should override accumulated chunks, got %q", end["final_content"])
	}

	// assistant row persisted with the final content
	msgID, _ := end["message_id"].(string)
	var assistant Message
	if err := db.First(&assistant, "id = ?", msgID).Error; err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if assistant.Content != "Plant maize in March." {
		t.Fatalf("persisted content mismatch: %q", assistant.Content)
	}

	// every event became an ordered reasoning step
	var steps []reasoning.Step
	if err := db.Where("message_id = ?", msgID).Order("step_order ASC").Find(&steps).Error; err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepOrder != i+1 {
			t.Fatalf("step %d has order %d", i, s.StepOrder)
		}
	}
	if steps[1].ToolName == nil || *steps[1].ToolName != "weather_lookup" {
		t.Fatalf("tool step not captured: %+v", steps[1])
	}
}

func TestSendMessageStream_ErrorIsTerminal(t *testing.T) {
	db := openTestDB(t)
	fa := &fakeAgent{events: []agent.Event{
		{Type: "response_chunk", Data: map[string]any{"content": "partial"}},
		{Type: "error", Data: map[string]any{"error": "upstream exploded"}},
		{Type: "response_chunk", Data: map[string]any{"content": "never seen"}},
	}}
	svc := newStreamService(t, db, fa)
	ctx := context.Background()

	ch, _ := svc.CreateChat(ctx, 1, "x")
	frames, err := svc.SendMessageStream(ctx, 1, ch.ID, "hi", StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, frames)

	var errorFrames, endFrames int
	for _, f := range got {
		switch frameType(f) {
		case "error":
			errorFrames++
		case "end":
			endFrames++
		case "response_chunk":
			if f["content"] == "never seen" {
				t.Fatalf("chunk after error must not be forwarded")
			}
		}
	}
	if errorFrames != 1 || endFrames != 1 {
		t.Fatalf("expected exactly one error and one end frame, got err=%d end=%d", errorFrames, endFrames)
	}
	if frameType(got[len(got)-1]) != "end" {
		t.Fatalf("end must be last")
	}

	msgID, _ := got[len(got)-1]["message_id"].(string)
	var assistant Message
	if err := db.First(&assistant, "id = ?", msgID).Error; err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if !strings.HasPrefix(assistant.Content, "I apologize, but an error occurred: ") {
		t.Fatalf("apology not persisted: %q", assistant.Content)
	}
	if !strings.Contains(assistant.Content, "upstream exploded") {
		t.Fatalf("error detail missing: %q", assistant.Content)
	}
}

func TestSendMessageStream_DedupesRetriedUserMessage(t *testing.T) {
	db := openTestDB(t)
	fa := &fakeAgent{events: []agent.Event{
		{Type: "response", Data: map[string]any{"response": "answer"}},
	}}
	svc := newStreamService(t, db, fa)
	repo := NewRepo(db)
	ctx := context.Background()

	ch, _ := svc.CreateChat(ctx, 4, "retry")
	if err := repo.InsertMessage(ctx, &Message{ChatID: ch.ID, UserID: 4, Role: "user", Content: "same text"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	frames, err := svc.SendMessageStream(ctx, 4, ch.ID, "same text", StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	collect(t, frames)

	var count int64
	if err := db.Model(&Message{}).Where("chat_id = ? AND role = ?", ch.ID, "user").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("retried content must reuse the stored user message, got %d rows", count)
	}
}

func TestSendMessageStream_AgentChatCreatedOnce(t *testing.T) {
	db := openTestDB(t)
	fa := &fakeAgent{events: []agent.Event{
		{Type: "response", Data: map[string]any{"response": "a"}},
	}}
	svc := newStreamService(t, db, fa)
	ctx := context.Background()

	ch, _ := svc.CreateChat(ctx, 5, "remote id")
	for i := 0; i < 2; i++ {
		frames, err := svc.SendMessageStream(ctx, 5, ch.ID, "q", StreamOptions{})
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		collect(t, frames)
	}

	if n := atomic.LoadInt32(&fa.createCalls); n != 1 {
		t.Fatalf("agent chat should be created once, got %d", n)
	}
	var stored Chat
	if err := db.First(&stored, "id = ?", ch.ID).Error; err != nil {
		t.Fatalf("chat: %v", err)
	}
	if stored.AgentChatID == nil || *stored.AgentChatID != "remote-chat-1" {
		t.Fatalf("remote id not pinned: %v", stored.AgentChatID)
	}
}

// manualAgent hands the test direct control over the upstream event
// channel.
type manualAgent struct {
	ch chan agent.Event
}

func (m *manualAgent) CreateChat(ctx context.Context, userID, name string) (string, error) {
	return "remote-chat-1", nil
}

func (m *manualAgent) StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan agent.Event {
	return m.ch
}

func (m *manualAgent) UploadFile(ctx context.Context, userID, chatID string, data []byte, filename, fileType string) (agent.UploadResult, error) {
	return agent.UploadResult{}, nil
}

func TestSendMessageStream_DisconnectStillPersists(t *testing.T) {
	db := openTestDB(t)
	ma := &manualAgent{ch: make(chan agent.Event)}
	svc := newStreamService(t, db, ma)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.CreateChat(context.Background(), 7, "dropped connection")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	frames, err := svc.SendMessageStream(ctx, 7, ch.ID, "tell me everything", StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	ma.ch <- agent.Event{Type: "response_chunk", Data: map[string]any{"content": "Part one "}}
	if f := <-frames; frameType(f) != "response_chunk" {
		t.Fatalf("expected first chunk frame, got %v", f)
	}

	// client goes away; the chunk already in flight must still land in
	// the database
	cancel()
	ma.ch <- agent.Event{Type: "response_chunk", Data: map[string]any{"content": "and two."}}
	close(ma.ch)

	for range frames {
	}

	var assistant Message
	if err := db.Where("chat_id = ? AND role = ?", ch.ID, "assistant").First(&assistant).Error; err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if assistant.Content != "Part one and two." {
		t.Fatalf("content received after disconnect not persisted: %q", assistant.Content)
	}
}

// floodAgent streams chunks forever until cancelled.
type floodAgent struct{}

func (floodAgent) CreateChat(ctx context.Context, userID, name string) (string, error) {
	return "remote-chat-1", nil
}

func (floodAgent) StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan agent.Event {
	out := make(chan agent.Event)
	go func() {
		defer close(out)
		for {
			select {
			case out <- agent.Event{Type: "response_chunk", Data: map[string]any{"content": "x"}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (floodAgent) UploadFile(ctx context.Context, userID, chatID string, data []byte, filename, fileType string) (agent.UploadResult, error) {
	return agent.UploadResult{}, nil
}

func TestSendMessageStream_EventCapStopsRunawayUpstream(t *testing.T) {
	db := openTestDB(t)
	svc := newStreamService(t, db, floodAgent{})
	ctx := context.Background()

	ch, err := svc.CreateChat(ctx, 8, "runaway")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	frames, err := svc.SendMessageStream(ctx, 8, ch.ID, "go", StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got := collect(t, frames)

	if len(got) != 1001 {
		t.Fatalf("expected 1000 chunk frames + end, got %d", len(got))
	}
	end := got[len(got)-1]
	if frameType(end) != "end" {
		t.Fatalf("last frame must be end, got %q", frameType(end))
	}
	final, _ := end["final_content"].(string)
	if len(final) != 1000 {
		t.Fatalf("expected 1000 accumulated chars, got %d", len(final))
	}
}

func TestSendMessageStream_ValidationBeforeStreaming(t *testing.T) {
	db := openTestDB(t)
	svc := newStreamService(t, db, &fakeAgent{})
	ctx := context.Background()

	if _, err := svc.SendMessageStream(ctx, 1, "no-such-chat", "hi", StreamOptions{}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unknown chat must fail before streaming, got %v", err)
	}
	if _, err := svc.SendMessageStream(ctx, 1, "whatever", "   ", StreamOptions{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message must fail, got %v", err)
	}
}
