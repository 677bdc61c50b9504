package reasoning

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/agent"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func strOrNil(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// RecordStep persists one upstream event as a reasoning step. The raw
// payload is stored verbatim in step_metadata.
func (r *Repo) RecordStep(ctx context.Context, messageID, chatID string, userID uint64, ev agent.Event, order int) (*Step, error) {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		raw = []byte("{}")
	}

	step := &Step{
		MessageID:    messageID,
		ChatID:       chatID,
		UserID:       userID,
		StepType:     ev.Type,
		StepOrder:    order,
		Stage:        strOrNil(ev.Data["stage"]),
		Content:      strOrNil(ev.Data["content"]),
		ToolName:     strOrNil(ev.Data["tool"]),
		ToolArgs:     strOrNil(ev.Data["args"]),
		StepMetadata: string(raw),
	}
	if step.Content == nil {
		step.Content = strOrNil(ev.Data["message"])
	}
	if result, ok := ev.Data["result"]; ok && result != nil {
		if b, err := json.Marshal(result); err == nil {
			s := string(b)
			step.ToolResult = &s
		}
	}

	if err := r.db.WithContext(ctx).Create(step).Error; err != nil {
		return nil, err
	}
	return step, nil
}

// ListForMessage returns steps in step_order for one message.
func (r *Repo) ListForMessage(ctx context.Context, messageID string, userID uint64) ([]Step, error) {
	var steps []Step
	if err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

// ListForChat returns every step recorded for the chat's messages.
func (r *Repo) ListForChat(ctx context.Context, chatID string, userID uint64) ([]Step, error) {
	var steps []Step
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Order("created_at ASC, step_order ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *Repo) GetOrCreateConfig(ctx context.Context, userID uint64) (*AgentConfig, error) {
	var cfg AgentConfig
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cfg = AgentConfig{
		UserID:         userID,
		PreferredModel: DefaultModel,
		IncludeLogs:    true,
	}
	if err := r.db.WithContext(ctx).Create(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

type ConfigUpdate struct {
	PreferredModel *string
	DefaultTools   []string
	IncludeLogs    *bool
}

func (r *Repo) UpdateConfig(ctx context.Context, userID uint64, upd ConfigUpdate) (*AgentConfig, error) {
	cfg, err := r.GetOrCreateConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.PreferredModel != nil && *upd.PreferredModel != "" {
		cfg.PreferredModel = *upd.PreferredModel
	}
	if upd.DefaultTools != nil {
		b, err := json.Marshal(upd.DefaultTools)
		if err != nil {
			return nil, err
		}
		s := string(b)
		cfg.DefaultTools = &s
	}
	if upd.IncludeLogs != nil {
		cfg.IncludeLogs = *upd.IncludeLogs
	}

	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return nil, err
	}
	return cfg, nil
}
