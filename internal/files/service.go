package files

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const MaxFileSize = 10 << 20 // 10 MB

var ErrFileTypeNotAllowed = errors.New("file type not allowed")
var ErrFileTooLarge = fmt.Errorf("file exceeds %d bytes", MaxFileSize)

var allowedTypes = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"pdf": true, "docx": true, "xlsx": true, "xls": true,
	"csv": true, "txt": true,
}

// TypeFromFilename returns the lower-cased extension, "" when the
// filename has none.
func TypeFromFilename(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	ext := strings.ToLower(filename[i+1:])
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Validate rejects disallowed extensions and oversized payloads before
// any side effect happens.
func (s *Service) Validate(filename string, size int) error {
	ext := TypeFromFilename(filename)
	if ext == "" || !allowedTypes[ext] {
		return fmt.Errorf("%w: %q", ErrFileTypeNotAllowed, filename)
	}
	if size > MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// SaveUploaded records metadata for a file already uploaded to the
// agent service.
func (s *Service) SaveUploaded(ctx context.Context, userID uint64, chatID, filename, mimeType, agentFileID string, size int) (*UploadedFile, error) {
	if err := s.Validate(filename, size); err != nil {
		return nil, err
	}

	f := &UploadedFile{
		UserID:           userID,
		ChatID:           chatID,
		OriginalFilename: filename,
		FileType:         TypeFromFilename(filename),
		FileSize:         int64(size),
		ProcessingStatus: "uploaded",
	}
	if mimeType != "" {
		f.MimeType = &mimeType
	}
	if agentFileID != "" {
		f.AgentFileID = &agentFileID
	}

	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// ListForChat returns live file rows for one chat.
func (s *Service) ListForChat(ctx context.Context, userID uint64, chatID string) ([]UploadedFile, error) {
	var out []UploadedFile
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND chat_id = ? AND is_deleted = ?", userID, chatID, false).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
