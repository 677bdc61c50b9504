package files

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UploadedFile struct {
	ID        string  `gorm:"type:char(36);primaryKey" json:"id"`
	UserID    uint64  `gorm:"index;not null" json:"-"`
	ChatID    string  `gorm:"type:char(36);index;not null" json:"chat_id"`
	MessageID *string `gorm:"type:char(36)" json:"message_id,omitempty"`

	OriginalFilename string  `gorm:"type:varchar(255);not null" json:"original_filename"`
	FileType         string  `gorm:"type:varchar(50);not null" json:"file_type"`
	FileSize         int64   `gorm:"not null" json:"file_size"`
	MimeType         *string `gorm:"type:varchar(100)" json:"mime_type,omitempty"`

	AgentFileID      *string `gorm:"type:varchar(255)" json:"agent_file_id,omitempty"`
	ProcessingStatus string  `gorm:"type:varchar(50);not null;default:uploaded" json:"processing_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `gorm:"not null;default:false" json:"-"`
}

func (UploadedFile) TableName() string { return "uploaded_files" }

func (f *UploadedFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
