package database

import (
	"fmt"
	"log/slog"

	"courier/internal/middleware"
	"courier/internal/models"

	"gorm.io/gorm"
)

// postgresIndexes are created outside AutoMigrate: partial indexes and the
// full-text index cannot be expressed with gorm struct tags.
var postgresIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_live
	   ON messages (chat_id, created_at DESC) WHERE deleted = false`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_user_unread
	   ON deliveries (user_id, status) WHERE status <> 'read'`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user_active
	   ON participants (user_id) WHERE left_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_participants_chat_active
	   ON participants (chat_id) WHERE left_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_messages_body_fts
	   ON messages USING gin (to_tsvector('english', body))`,
}

// Migrate applies the schema to the given connection.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Chat{},
		&models.Participant{},
		&models.Message{},
		&models.EditEntry{},
		&models.Delivery{},
		&models.Reaction{},
		&models.Attachment{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if db.Dialector.Name() == "postgres" {
		for _, stmt := range postgresIndexes {
			if execErr := db.Exec(stmt).Error; execErr != nil {
				middleware.Logger.Warn("manual index creation failed",
					slog.String("stmt", stmt), slog.String("error", execErr.Error()))
			}
		}
		// senderId survives as NULL when the account is removed.
		if execErr := db.Exec(
			"ALTER TABLE messages ALTER COLUMN sender_id DROP NOT NULL",
		).Error; execErr != nil {
			middleware.Logger.Warn("failed to drop NOT NULL on messages.sender_id (ignoring as it likely already is dropped)",
				slog.String("error", execErr.Error()))
		}
	}

	return nil
}
