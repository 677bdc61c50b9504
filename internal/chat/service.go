package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/ai"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
)

var ErrEmptyMessage = errors.New("message cannot be empty")

type Service struct {
	repo              *Repo
	reasoning         *reasoning.Repo
	agentAPI          AgentAPI
	files             *files.Service
	registry          *ai.Registry
	contextWindowSize int
}

func NewService(repo *Repo, reasoningRepo *reasoning.Repo, agentAPI AgentAPI, filesSvc *files.Service, registry *ai.Registry, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		reasoning:         reasoningRepo,
		agentAPI:          agentAPI,
		files:             filesSvc,
		registry:          registry,
		contextWindowSize: contextWindowSize,
	}
}

const defaultProvider = "gemini"

// GenerateChatTitle derives a title from the first message.
func GenerateChatTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}

func (s *Service) CreateChat(ctx context.Context, userID uint64, title string) (*Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = "New Chat"
	}
	c := &Chat{
		UserID: userID,
		Title:  title,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	return s.repo.GetChatByID(ctx, chatID, userID)
}

func (s *Service) ListChats(ctx context.Context, userID uint64, fallbackOnly *bool, offset, limit int) ([]ChatSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListChatSummaries(ctx, userID, fallbackOnly, offset, limit)
}

func (s *Service) RenameChat(ctx context.Context, userID uint64, chatID, title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyMessage
	}
	return s.repo.UpdateChatTitle(ctx, chatID, userID, title)
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	return s.repo.SoftDeleteChat(ctx, chatID, userID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, chatID string) ([]Message, error) {
	// ownership check first; an empty result must not leak existence
	if _, err := s.repo.GetChatByID(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, chatID, userID)
}

// EditMessage rewrites a user message and hard-deletes every later
// message in the chat: a destructive conversation rewind. Only the
// caller's own role=user messages are editable. Idempotent with
// respect to original_content: the first edit pins it.
func (s *Service) EditMessage(ctx context.Context, userID uint64, messageID, newContent string) (*Message, int64, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, 0, ErrEmptyMessage
	}

	msg, err := s.repo.GetMessageByID(ctx, messageID, userID)
	if err != nil {
		return nil, 0, err
	}
	if msg.Role != "user" {
		return nil, 0, gorm.ErrRecordNotFound
	}

	if msg.OriginalContent == nil {
		orig := msg.Content
		msg.OriginalContent = &orig
	}
	now := time.Now()
	msg.Content = newContent
	msg.IsEdited = true
	msg.EditedAt = &now

	deleted, err := s.repo.ApplyEdit(ctx, msg)
	if err != nil {
		return nil, 0, err
	}
	return msg, deleted, nil
}

func (s *Service) providerFor(ctx context.Context, userID uint64) (ai.Provider, error) {
	cfg, err := s.reasoning.GetOrCreateConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, defaultProvider, cfg.PreferredModel)
}

func (s *Service) buildProviderContext(ctx context.Context, userID uint64, chatID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, chatID, userID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return providerMsgs, nil
}

// Ask is the synchronous non-streaming turn: store user message, call
// the generative provider over the recent window, store the reply.
func (s *Service) Ask(ctx context.Context, userID uint64, chatID, content string) (reply string, assistantMsgID string, err error) {
	if strings.TrimSpace(content) == "" {
		return "", "", ErrEmptyMessage
	}

	if _, err := s.repo.GetChatByID(ctx, chatID, userID); err != nil {
		return "", "", err
	}

	provider, err := s.providerFor(ctx, userID)
	if err != nil {
		return "", "", err
	}

	userMsg := &Message{
		ChatID:      chatID,
		UserID:      userID,
		Role:        "user",
		Content:     content,
		MessageType: "text",
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return "", "", err
	}

	providerMsgs, err := s.buildProviderContext(ctx, userID, chatID)
	if err != nil {
		return "", "", err
	}

	reply, err = provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", "", err
	}

	assistantMsg := &Message{
		ChatID:      chatID,
		UserID:      userID,
		Role:        "assistant",
		Content:     reply,
		MessageType: "text",
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", "", err
	}

	return reply, assistantMsg.ID, nil
}

// GenerateAssistantReply runs one queued turn for the worker: the user
// message was stored at enqueue time, so only the reply is produced.
func (s *Service) GenerateAssistantReply(ctx context.Context, userID uint64, chatID string) (string, string, error) {
	if _, err := s.repo.GetChatByID(ctx, chatID, userID); err != nil {
		return "", "", err
	}

	provider, err := s.providerFor(ctx, userID)
	if err != nil {
		return "", "", err
	}

	providerMsgs, err := s.buildProviderContext(ctx, userID, chatID)
	if err != nil {
		return "", "", err
	}

	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", "", err
	}

	assistantMsg := &Message{
		ChatID:      chatID,
		UserID:      userID,
		Role:        "assistant",
		Content:     reply,
		MessageType: "text",
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", "", err
	}
	return reply, assistantMsg.ID, nil
}

func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, chatID, content string) (*Message, error) {
	if _, err := s.repo.GetChatByID(ctx, chatID, userID); err != nil {
		return nil, err
	}
	m := &Message{
		ChatID:      chatID,
		UserID:      userID,
		Role:        "user",
		Content:     content,
		MessageType: "text",
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *AskJob) (*AskJob, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*AskJob, error) {
	return s.repo.GetJobByID(ctx, jobID)
}
