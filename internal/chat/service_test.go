package chat

import (
	"context"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/ai"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
)

type recordingProvider struct {
	last []ai.Message
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	return "ok", nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Chat{}, &Message{}, &AskJob{}, &reasoning.Step{}, &reasoning.AgentConfig{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, window int) (*Service, *recordingProvider) {
	t.Helper()
	prov := &recordingProvider{}
	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	svc := NewService(NewRepo(db), reasoning.NewRepo(db), nil, nil, reg, window)
	return svc, prov
}

func TestAsk_WritesUserAndAssistant(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, 20)

	ch, err := svc.CreateChat(context.Background(), 1, "Wheat questions")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	reply, assistantID, err := svc.Ask(context.Background(), 1, ch.ID, "Hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if assistantID == "" {
		t.Fatalf("expected assistant message id to be set")
	}

	var msgs []Message
	if err := db.Where("chat_id = ? AND user_id = ?", ch.ID, uint64(1)).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "ok" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestAsk_UsesContextWindow(t *testing.T) {
	db := openTestDB(t)
	window := 3
	svc, prov := newTestService(t, db, window)
	repo := NewRepo(db)

	ch, err := svc.CreateChat(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// seed 5 messages of history with distinct timestamps
	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			ChatID:  ch.ID,
			UserID:  2,
			Role:    role,
			Content: "seed",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, _, err := svc.Ask(context.Background(), 2, ch.ID, "new"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}
	last := prov.last[len(prov.last)-1]
	if last.Role != "user" || last.Content != "new" {
		t.Fatalf("expected last provider msg to be the new user msg, got role=%q content=%q", last.Role, last.Content)
	}
}

func TestAsk_ChatOwnershipHidesExistence(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, 20)

	ch, err := svc.CreateChat(context.Background(), 1, "mine")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if _, _, err := svc.Ask(context.Background(), 2, ch.ID, "hi"); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound for foreign chat, got %v", err)
	}
}

func TestEditMessage_CascadeDeletesLater(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, 20)
	repo := NewRepo(db)
	ctx := context.Background()

	ch, err := svc.CreateChat(ctx, 7, "edit test")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	seed := []struct {
		role, content string
	}{
		{"user", "first question"},
		{"assistant", "first answer"},
		{"user", "second question"},
		{"assistant", "second answer"},
	}
	var ids []string
	for _, s := range seed {
		m := &Message{ChatID: ch.ID, UserID: 7, Role: s.role, Content: s.content}
		if err := repo.InsertMessage(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond)
	}

	edited, deleted, err := svc.EditMessage(ctx, 7, ids[0], "rephrased question")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 later messages deleted, got %d", deleted)
	}
	if !edited.IsEdited || edited.EditedAt == nil {
		t.Fatalf("edit flags not set")
	}
	if edited.OriginalContent == nil || *edited.OriginalContent != "first question" {
		t.Fatalf("original content not pinned: %v", edited.OriginalContent)
	}
	if edited.Content != "rephrased question" {
		t.Fatalf("content not replaced: %q", edited.Content)
	}

	var remaining []Message
	if err := db.Where("chat_id = ?", ch.ID).Find(&remaining).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != ids[0] {
		t.Fatalf("expected only the edited message to remain, got %d", len(remaining))
	}

	// second edit keeps the first original content
	edited, _, err = svc.EditMessage(ctx, 7, ids[0], "third wording")
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if *edited.OriginalContent != "first question" {
		t.Fatalf("original content overwritten on second edit: %q", *edited.OriginalContent)
	}
}

func TestEditMessage_RejectsAssistantMessages(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, 20)
	repo := NewRepo(db)
	ctx := context.Background()

	ch, _ := svc.CreateChat(ctx, 3, "x")
	m := &Message{ChatID: ch.ID, UserID: 3, Role: "assistant", Content: "reply"}
	if err := repo.InsertMessage(ctx, m); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, _, err := svc.EditMessage(ctx, 3, m.ID, "nope"); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestGenerateChatTitle(t *testing.T) {
	if got := GenerateChatTitle("short question"); got != "short question" {
		t.Fatalf("got %q", got)
	}
	long := "this is a very long first message that should definitely be truncated somewhere"
	got := GenerateChatTitle(long)
	if len(got) != 53 || got[50:] != "..." {
		t.Fatalf("unexpected truncation: %q (len %d)", got, len(got))
	}
	if got := GenerateChatTitle("   "); got != "New Chat" {
		t.Fatalf("empty title fallback: %q", got)
	}
}

func TestListChats_FallbackFilter(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, 20)
	repo := NewRepo(db)
	ctx := context.Background()

	if _, err := svc.CreateChat(ctx, 9, "normal"); err != nil {
		t.Fatalf("create: %v", err)
	}
	phone := "+9779800000000"
	fb := &Chat{UserID: 9, Title: "SMS Fallback - 2025-09-01", IsFallbackChat: true, FallbackPhoneNumber: &phone}
	if err := repo.CreateChat(ctx, fb); err != nil {
		t.Fatalf("create fallback chat: %v", err)
	}

	all, err := svc.ListChats(ctx, 9, nil, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(all))
	}

	v := true
	only, err := svc.ListChats(ctx, 9, &v, 0, 0)
	if err != nil {
		t.Fatalf("list fallback: %v", err)
	}
	if len(only) != 1 || !only[0].IsFallbackChat {
		t.Fatalf("fallback filter broken: %+v", only)
	}
}
