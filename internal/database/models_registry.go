package database

import "gizchat/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
// Order matters for AutoMigrate: conversations reference messages.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Message{},
		&models.Conversation{},
	}
}
