package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetChatByID scopes by owner and excludes soft-deleted chats; a chat
// that exists but belongs to someone else reads as not found.
func (r *Repo) GetChatByID(ctx context.Context, chatID string, userID uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND is_deleted = ?", chatID, userID, false).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChatSummaries returns chats newest-updated first with message
// counts and the latest message preview.
func (r *Repo) ListChatSummaries(ctx context.Context, userID uint64, fallbackOnly *bool, offset, limit int) ([]ChatSummary, error) {
	q := r.db.WithContext(ctx).
		Table("chats").
		Select("chats.id, chats.title, chats.is_fallback_chat, chats.created_at, chats.updated_at, " +
			"COUNT(chat_messages.id) AS message_count, COALESCE(MAX(chat_messages.content), '') AS last_message").
		Joins("LEFT JOIN chat_messages ON chat_messages.chat_id = chats.id").
		Where("chats.user_id = ? AND chats.is_deleted = ?", userID, false).
		Group("chats.id, chats.title, chats.is_fallback_chat, chats.created_at, chats.updated_at").
		Order("chats.updated_at DESC").
		Offset(offset).
		Limit(limit)

	if fallbackOnly != nil {
		q = q.Where("chats.is_fallback_chat = ?", *fallbackOnly)
	}

	var out []ChatSummary
	if err := q.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UpdateChatTitle(ctx context.Context, chatID string, userID uint64, title string) error {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND user_id = ? AND is_deleted = ?", chatID, userID, false).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) SoftDeleteChat(ctx context.Context, chatID string, userID uint64) error {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND user_id = ? AND is_deleted = ?", chatID, userID, false).
		Update("is_deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetAgentChatID persists the remote id only when none is set yet, then
// reloads; a concurrent writer winning the race is not fatal, the
// stored value is returned either way.
func (r *Repo) SetAgentChatID(ctx context.Context, chatID, agentChatID string) (string, error) {
	err := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND agent_chat_id IS NULL", chatID).
		Update("agent_chat_id", agentChatID).Error
	if err != nil {
		return "", err
	}

	var c Chat
	if err := r.db.WithContext(ctx).Where("id = ?", chatID).First(&c).Error; err != nil {
		return "", err
	}
	if c.AgentChatID == nil {
		return "", errors.New("agent chat id not persisted")
	}
	return *c.AgentChatID, nil
}

// InsertMessage stores the message and touches the chat's updated_at.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).
			Where("id = ?", m.ChatID).
			Update("updated_at", time.Now()).Error
	})
}

// ListMessages returns messages in ASC created order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, chatID string, userID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages (newest ->
// oldest) for provider context building.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, chatID string, userID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) GetMessageByID(ctx context.Context, messageID string, userID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", messageID, userID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestUserMessage returns the most recent role=user message in the
// chat, nil when the chat has none.
func (r *Repo) LatestUserMessage(ctx context.Context, chatID string, userID uint64) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ? AND role = ?", chatID, userID, "user").
		Order("created_at DESC, id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Update("content", content).Error
}

// ApplyEdit saves the edited message and hard-deletes every message in
// the chat created strictly after it, in one transaction. Returns the
// number of deleted rows.
func (r *Repo) ApplyEdit(ctx context.Context, m *Message) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		res := tx.Where("chat_id = ? AND created_at > ?", m.ChatID, m.CreatedAt).
			Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// Job CRUD

func (r *Repo) CreateJob(ctx context.Context, job *AskJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*AskJob, error) {
	var j AskJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&AskJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID string) error {
	return r.db.WithContext(ctx).Model(&AskJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&AskJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*AskJob, error) {
	var job AskJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id,
// idempotency_key) already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *AskJob) (*AskJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
