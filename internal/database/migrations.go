package database

import (
	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.CacheEntry{},
		&models.CollabSession{},
		&models.SessionParticipant{},
		&models.CursorPosition{},
		&models.EditOperation{},
		&models.CollaborationEvent{},
	)
}
