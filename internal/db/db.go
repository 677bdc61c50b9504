package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/fallback"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
	"github.com/smartkrishi/smartkrishi-backend/internal/models"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
)

// Connect opens the MySQL database and migrates all tables.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.AskJob{},
		&reasoning.Step{},
		&reasoning.AgentConfig{},
		&fallback.Session{},
		&fallback.FallbackMessage{},
		&files.UploadedFile{},
	)
}
