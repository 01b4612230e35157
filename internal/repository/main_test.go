package repository

import (
	"context"
	"fmt"
	"testing"

	"gizchat/internal/database"
	"gizchat/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory SQLite database with the full schema.
// One connection keeps every query on the same in-memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, n int) []*models.User {
	t.Helper()
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		u := &models.User{
			Username:  fmt.Sprintf("user%d", i+1),
			FirstName: fmt.Sprintf("First%d", i+1),
			LastName:  "Tester",
		}
		require.NoError(t, db.Create(u).Error)
		users = append(users, u)
	}
	return users
}

// sendInTx mirrors the service's send path: message insert and counter
// update in one transaction.
func sendInTx(t *testing.T, store ChatStore, convID, senderID uint, body string) *models.Message {
	t.Helper()
	msg, err := sendMessage(store, convID, senderID, body)
	require.NoError(t, err)
	return msg
}

func sendMessage(store ChatStore, convID, senderID uint, body string) (*models.Message, error) {
	var msg *models.Message
	err := store.Transaction(context.Background(), func(tx ChatStore) error {
		msg = &models.Message{
			ConversationID: convID,
			SenderID:       senderID,
			Type:           models.MessageText,
			Body:           body,
			Ratio:          models.DefaultRatio,
		}
		if err := tx.Messages().Create(context.Background(), msg); err != nil {
			return err
		}
		_, err := tx.Conversations().RecordMessage(context.Background(), convID, senderID, msg.ID)
		return err
	})
	return msg, err
}
