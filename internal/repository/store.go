// Package repository implements the data access layer for the application.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// ChatStore groups the repositories the chat core writes through and lets a
// caller run several of them in one transaction.
type ChatStore interface {
	Conversations() ConversationRepository
	Messages() MessageRepository
	Users() UserRepository
	Transaction(ctx context.Context, fn func(store ChatStore) error) error
}

type chatStore struct {
	db            *gorm.DB
	conversations ConversationRepository
	messages      MessageRepository
	users         UserRepository
}

// NewChatStore returns a ChatStore backed by db. Reads outside a transaction
// go to the read replica when one is configured.
func NewChatStore(db *gorm.DB) ChatStore {
	return newChatStore(db, readDB(db))
}

func newChatStore(db, reader *gorm.DB) *chatStore {
	return &chatStore{
		db:            db,
		conversations: &conversationRepository{db: db, reader: reader},
		messages:      &messageRepository{db: db, reader: reader},
		users:         &userRepository{db: db, reader: reader},
	}
}

func (s *chatStore) Conversations() ConversationRepository { return s.conversations }
func (s *chatStore) Messages() MessageRepository           { return s.messages }
func (s *chatStore) Users() UserRepository                 { return s.users }

// Transaction runs fn against a store bound to one database transaction; all
// reads inside it hit the primary.
func (s *chatStore) Transaction(ctx context.Context, fn func(store ChatStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(newChatStore(tx, tx))
	})
}
