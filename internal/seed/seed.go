// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"context"
	"fmt"
	"log"
	"strings"

	"gizchat/internal/models"
	"gizchat/internal/repository"
	"gizchat/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	Users                   int
	ConversationsPerUser    int
	MessagesPerConversation int
	Clean                   bool
}

// Result counts what a run created.
type Result struct {
	Users         int
	Conversations int
	Messages      int
}

// Seeder creates users, conversations and messages. Messages go through the
// chat service so unread counters and last-message pointers match what live
// traffic would produce.
type Seeder struct {
	db    *gorm.DB
	store repository.ChatStore
	chat  *service.ChatService
	faker *gofakeit.Faker
}

// NewSeeder creates a seeder. The same seed yields the same names and text.
func NewSeeder(db *gorm.DB, seed int64) *Seeder {
	store := repository.NewChatStore(db)
	return &Seeder{
		db:    db,
		store: store,
		chat:  service.NewChatService(store, service.ChatServiceOptions{}),
		faker: gofakeit.New(seed),
	}
}

// Run seeds according to opts.
func (s *Seeder) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if opts.Clean {
		if err := s.ClearAll(ctx); err != nil {
			return res, fmt.Errorf("clear: %w", err)
		}
	}

	users, err := s.SeedUsers(ctx, opts.Users)
	if err != nil {
		return res, fmt.Errorf("failed to create users: %w", err)
	}
	res.Users = len(users)
	log.Printf("✓ %d users created", res.Users)

	convs, err := s.SeedConversations(ctx, users, opts.ConversationsPerUser)
	if err != nil {
		return res, fmt.Errorf("failed to create conversations: %w", err)
	}
	res.Conversations = len(convs)
	log.Printf("✓ %d conversations available", res.Conversations)

	res.Messages, err = s.SeedMessages(ctx, convs, opts.MessagesPerConversation)
	if err != nil {
		return res, fmt.Errorf("failed to create messages: %w", err)
	}
	log.Printf("✓ %d messages sent", res.Messages)
	return res, nil
}

// ClearAll removes every chat row. The conversation -> last message pointer
// is cut first so messages can be deleted without violating it.
func (s *Seeder) ClearAll(ctx context.Context) error {
	log.Println("Clearing existing data...")
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range []string{
			"UPDATE conversations SET message_id = NULL",
			"DELETE FROM messages",
			"DELETE FROM conversations",
			"DELETE FROM users",
		} {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
}

// SeedUsers creates n users with generated names. Username collisions with
// existing rows are skipped.
func (s *Seeder) SeedUsers(ctx context.Context, n int) ([]*models.User, error) {
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		first, last := s.faker.FirstName(), s.faker.LastName()
		user := &models.User{
			Username:  fmt.Sprintf("%s%s%d", strings.ToLower(first), strings.ToLower(last[:1]), i+1),
			FirstName: first,
			LastName:  last,
			Email:     s.faker.Email(),
		}
		if err := s.store.Users().Create(ctx, user); err != nil {
			if models.HasCode(err, models.CodeValidation) {
				continue
			}
			return users, err
		}
		users = append(users, user)
	}
	return users, nil
}

// SeedConversations pairs each user with up to perUser others, walking the
// list as a ring so every user has at least one conversation.
func (s *Seeder) SeedConversations(ctx context.Context, users []*models.User, perUser int) ([]*models.Conversation, error) {
	if len(users) < 2 || perUser <= 0 {
		return nil, nil
	}
	if perUser > len(users)-1 {
		perUser = len(users) - 1
	}

	seen := make(map[uint]bool)
	var convs []*models.Conversation
	for i, u := range users {
		for k := 1; k <= perUser; k++ {
			peer := users[(i+k)%len(users)]
			conv, _, err := s.store.Conversations().GetOrCreate(ctx, u.ID, peer.ID)
			if err != nil {
				return convs, err
			}
			if seen[conv.ID] {
				continue
			}
			seen[conv.ID] = true
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

// SeedMessages sends perConversation messages in each conversation,
// alternating senders.
func (s *Seeder) SeedMessages(ctx context.Context, convs []*models.Conversation, perConversation int) (int, error) {
	sent := 0
	for _, conv := range convs {
		for i := 0; i < perConversation; i++ {
			sender := conv.FirstID
			if i%2 == 1 {
				sender = conv.SecondID
			}
			if _, _, err := s.chat.SendMessage(ctx, s.draft(conv.ID, sender), service.SourceHTTP); err != nil {
				return sent, fmt.Errorf("conversation %d: %w", conv.ID, err)
			}
			sent++
		}
	}
	return sent, nil
}

func (s *Seeder) draft(conversationID, senderID uint) models.MessageDraft {
	d := models.MessageDraft{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           models.MessageText,
		Body:           s.faker.Sentence(s.faker.Number(3, 14)),
	}
	// roughly one in eight messages carries an image
	if s.faker.Number(1, 8) == 1 {
		ratio := float64(s.faker.Number(5, 20)) / 10
		d.Type = models.MessageImage
		d.Image = fmt.Sprintf("https://picsum.photos/seed/%s/800/600", s.faker.UUID())
		d.Ratio = &ratio
	}
	return d
}
