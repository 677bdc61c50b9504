package reasoning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Step is one persisted upstream event: the append-only audit trail of
// a single AI turn. StepOrder is strictly increasing per message id, in
// arrival order, starting at 1.
type Step struct {
	ID        string `gorm:"type:char(36);primaryKey" json:"id"`
	MessageID string `gorm:"type:char(36);index;not null" json:"message_id"`
	ChatID    string `gorm:"type:char(36);index;not null" json:"chat_id"`
	UserID    uint64 `gorm:"index;not null" json:"-"`

	StepType   string  `gorm:"type:varchar(50);not null" json:"step_type"`
	StepOrder  int     `gorm:"not null" json:"step_order"`
	Stage      *string `gorm:"type:varchar(50)" json:"stage,omitempty"`
	Content    *string `gorm:"type:text" json:"content,omitempty"`
	ToolName   *string `gorm:"type:varchar(100)" json:"tool_name,omitempty"`
	ToolArgs   *string `gorm:"type:text" json:"tool_args,omitempty"`
	ToolResult *string `gorm:"type:text" json:"tool_result,omitempty"`

	// raw event payload as JSON
	StepMetadata string `gorm:"type:text" json:"step_metadata"`

	CreatedAt time.Time `json:"created_at"`
}

func (Step) TableName() string { return "reasoning_steps" }

func (s *Step) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

const DefaultModel = "gemini-2.5-flash"

// AgentConfig holds a user's agent preferences; lazily created with
// defaults the first time a streaming turn runs.
type AgentConfig struct {
	ID     string `gorm:"type:char(36);primaryKey" json:"id"`
	UserID uint64 `gorm:"uniqueIndex;not null" json:"-"`

	PreferredModel string `gorm:"type:varchar(100);not null;default:gemini-2.5-flash" json:"preferred_model"`
	// JSON array of tool names
	DefaultTools *string `gorm:"type:text" json:"default_tools,omitempty"`
	IncludeLogs  bool    `gorm:"not null;default:true" json:"include_logs"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AgentConfig) TableName() string { return "agent_api_configs" }

func (c *AgentConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ToolList decodes DefaultTools; nil when unset or malformed.
func (c *AgentConfig) ToolList() []string {
	if c.DefaultTools == nil || *c.DefaultTools == "" {
		return nil
	}
	var tools []string
	if err := json.Unmarshal([]byte(*c.DefaultTools), &tools); err != nil {
		return nil
	}
	return tools
}
