package fallback

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one activation of the SMS or Telegram side-channel for a
// user. At most one active session per user is allowed; the coordinator
// enforces that inside a transaction.
type Session struct {
	ID     string `gorm:"type:char(36);primaryKey" json:"id"`
	UserID uint64 `gorm:"index;not null" json:"-"`

	ChatID      *string `gorm:"type:char(36)" json:"chat_id,omitempty"`
	PhoneNumber string  `gorm:"type:varchar(20);not null" json:"phone_number"`

	// sms or telegram
	FallbackType string `gorm:"type:varchar(20);not null;default:sms" json:"fallback_type"`

	IsActive bool `gorm:"index;not null;default:true" json:"is_active"`

	// manual, auto, or health_check
	ActivationTrigger string `gorm:"type:varchar(30);not null;default:manual" json:"activation_trigger"`

	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (Session) TableName() string { return "fallback_sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ActivatedAt.IsZero() {
		s.ActivatedAt = time.Now()
	}
	return nil
}

// FallbackMessage is the side-channel delivery record. The chat message
// itself lives in chat_messages; this row tracks gateway ids and
// delivery state.
type FallbackMessage struct {
	ID        string `gorm:"type:char(36);primaryKey" json:"id"`
	SessionID string `gorm:"type:char(36);index;not null" json:"session_id"`
	UserID    uint64 `gorm:"index;not null" json:"-"`

	PhoneNumber string `gorm:"type:varchar(20);not null" json:"phone_number"`

	// inbound, outbound, or system
	MessageType string `gorm:"type:varchar(20);not null" json:"message_type"`
	Content     string `gorm:"type:text;not null" json:"content"`

	FallbackType string  `gorm:"type:varchar(20);not null;default:sms" json:"fallback_type"`
	SmsID        *string `gorm:"type:varchar(64)" json:"sms_id,omitempty"`

	IsDelivered bool       `gorm:"not null;default:false" json:"is_delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (FallbackMessage) TableName() string { return "fallback_messages" }

func (m *FallbackMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
