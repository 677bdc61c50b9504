package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chat is one conversation. AgentChatID is the id the remote agent
// service assigned; created lazily and never changed once set.
type Chat struct {
	ID     string `gorm:"type:char(36);primaryKey" json:"id"`
	UserID uint64 `gorm:"index;not null" json:"-"`
	Title  string `gorm:"type:varchar(255);not null" json:"title"`

	IsFallbackChat      bool    `gorm:"not null;default:false" json:"is_fallback_chat"`
	FallbackPhoneNumber *string `gorm:"type:varchar(20)" json:"fallback_phone_number,omitempty"`
	AgentChatID         *string `gorm:"type:varchar(64)" json:"agent_chat_id,omitempty"`

	IsDeleted bool      `gorm:"not null;default:false" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Message is one chat turn. Assistant messages are created empty and
// mutated in place while a stream is running; no other writer touches
// the row until the stream ends.
type Message struct {
	ID     string `gorm:"type:char(36);primaryKey" json:"id"`
	ChatID string `gorm:"type:char(36);index;not null" json:"chat_id"`
	UserID uint64 `gorm:"index;not null" json:"-"`

	Role        string  `gorm:"type:varchar(20);not null" json:"role"`
	Content     string  `gorm:"type:text;not null" json:"content"`
	MessageType string  `gorm:"type:varchar(20);not null;default:text" json:"message_type"`
	FileURL     *string `gorm:"type:varchar(500)" json:"file_url,omitempty"`

	IsEdited        bool       `gorm:"not null;default:false" json:"is_edited"`
	OriginalContent *string    `gorm:"type:text" json:"original_content,omitempty"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`

	// set when the message arrived over the SMS/Telegram side-channel
	FallbackType        *string `gorm:"type:varchar(20)" json:"fallback_type,omitempty"`
	FallbackPhoneNumber *string `gorm:"type:varchar(20)" json:"fallback_phone_number,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ChatSummary is the list-view projection of a chat.
type ChatSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	IsFallbackChat bool      `json:"is_fallback_chat"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MessageCount   int64     `json:"message_count"`
	LastMessage    string    `json:"last_message"`
}
