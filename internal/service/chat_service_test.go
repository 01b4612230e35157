package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"testing"
	"time"

	"gizchat/internal/database"
	"gizchat/internal/models"
	"gizchat/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func newTestService(t *testing.T) (*ChatService, *gorm.DB, []*models.User) {
	t.Helper()
	db := newTestDB(t)
	users := make([]*models.User, 0, 3)
	for i := 1; i <= 3; i++ {
		u := &models.User{Username: fmt.Sprintf("user%d", i), FirstName: "User", LastName: fmt.Sprint(i)}
		require.NoError(t, db.Create(u).Error)
		users = append(users, u)
	}
	return NewChatService(repository.NewChatStore(db), ChatServiceOptions{MaxMessageLength: 64}), db, users
}

func ratio(v float64) *float64 { return &v }

// Stubs for failure paths the database cannot produce on demand.

type storeStub struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	users         repository.UserRepository
}

func (s *storeStub) Conversations() repository.ConversationRepository { return s.conversations }
func (s *storeStub) Messages() repository.MessageRepository           { return s.messages }
func (s *storeStub) Users() repository.UserRepository                 { return s.users }
func (s *storeStub) Transaction(_ context.Context, fn func(repository.ChatStore) error) error {
	return fn(s)
}

type messageRepoStub struct {
	repository.MessageRepository
	sinceFn func(context.Context, uint, uint) iter.Seq2[*models.Message, error]
}

func (s *messageRepoStub) Since(ctx context.Context, convID, lastID uint) iter.Seq2[*models.Message, error] {
	return s.sinceFn(ctx, convID, lastID)
}

type userRepoStub struct {
	repository.UserRepository
	getByIDFn func(context.Context, uint) (*models.User, error)
}

func (s *userRepoStub) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return s.getByIDFn(ctx, id)
}

func TestChatService_OpenConversation(t *testing.T) {
	svc, _, users := newTestService(t)
	ctx := context.Background()
	a, b := users[0], users[1]

	_, _, _, err := svc.OpenConversation(ctx, a.ID, a.ID)
	assert.True(t, models.HasCode(err, models.CodeInvalidPair))

	_, _, _, err = svc.OpenConversation(ctx, a.ID, 999)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	conv, peer, created, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, b.ID, peer.ID)

	again, peer, created, err := svc.OpenConversation(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, a.ID, peer.ID)
}

func TestChatService_ResolveConversation(t *testing.T) {
	svc, _, users := newTestService(t)
	ctx := context.Background()
	a, b, c := users[0], users[1], users[2]

	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	got, peer, err := svc.ResolveConversation(ctx, b.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "User 1", peer.DisplayName())

	_, _, err = svc.ResolveConversation(ctx, c.ID, conv.ID)
	assert.True(t, models.HasCode(err, models.CodeAccessDenied))

	_, _, err = svc.ResolveConversation(ctx, a.ID, 12345)
	assert.True(t, models.HasCode(err, models.CodeNotFound))
}

func TestChatService_SendMessage(t *testing.T) {
	svc, db, users := newTestService(t)
	ctx := context.Background()
	a, b := users[0], users[1]
	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	msg, peerID, err := svc.SendMessage(ctx, models.MessageDraft{
		ConversationID: conv.ID,
		SenderID:       a.ID,
		Body:           "hello",
	}, SourceWebSocket)
	require.NoError(t, err)
	assert.Equal(t, b.ID, peerID)
	assert.Equal(t, models.MessageText, msg.Type)
	assert.Equal(t, models.DefaultRatio, msg.Ratio)

	var stored models.Conversation
	require.NoError(t, db.First(&stored, conv.ID).Error)
	assert.Equal(t, 1, stored.UnreadFor(b.ID))
	assert.Equal(t, 0, stored.UnreadFor(a.ID))
	require.NotNil(t, stored.MessageID)
	assert.Equal(t, msg.ID, *stored.MessageID)
}

func TestChatService_SendMessage_Validation(t *testing.T) {
	svc, db, users := newTestService(t)
	ctx := context.Background()
	conv, _, _, err := svc.OpenConversation(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	tests := []struct {
		name  string
		draft models.MessageDraft
	}{
		{"empty body", models.MessageDraft{Body: "   "}},
		{"too long", models.MessageDraft{Body: strings.Repeat("x", 65)}},
		{"unknown type", models.MessageDraft{Body: "hi", Type: 9}},
		{"two decimals", models.MessageDraft{Body: "hi", Ratio: ratio(1.25)}},
		{"negative ratio", models.MessageDraft{Body: "hi", Ratio: ratio(-1)}},
		{"relative image", models.MessageDraft{Body: "hi", Type: models.MessageImage, Image: "/tmp/x.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.draft.ConversationID = conv.ID
			tt.draft.SenderID = users[0].ID
			_, _, err := svc.SendMessage(ctx, tt.draft, SourceHTTP)
			assert.True(t, models.HasCode(err, models.CodeValidation), "got %v", err)
		})
	}

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestChatService_SendMessage_ForeignConversation(t *testing.T) {
	svc, db, users := newTestService(t)
	ctx := context.Background()
	a, b, c := users[0], users[1], users[2]
	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	_, _, err = svc.SendMessage(ctx, models.MessageDraft{ConversationID: conv.ID, SenderID: c.ID, Body: "intrude"}, SourceWebSocket)
	assert.True(t, models.HasCode(err, models.CodeAccessDenied))

	var count int64
	require.NoError(t, db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)

	var stored models.Conversation
	require.NoError(t, db.First(&stored, conv.ID).Error)
	assert.Zero(t, stored.UnreadFirst)
	assert.Zero(t, stored.UnreadSecond)
	assert.Nil(t, stored.MessageID)
}

func TestChatService_MessagesSince(t *testing.T) {
	svc, _, users := newTestService(t)
	ctx := context.Background()
	a, b := users[0], users[1]
	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	var ids []uint
	for i := 0; i < 3; i++ {
		msg, _, err := svc.SendMessage(ctx, models.MessageDraft{ConversationID: conv.ID, SenderID: b.ID, Body: fmt.Sprint(i)}, SourceWebSocket)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := svc.MessagesSince(ctx, conv.ID, ids[0])
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[1], msgs[0].ID)
	assert.Equal(t, ids[2], msgs[1].ID)

	msgs, err = svc.MessagesSince(ctx, conv.ID, ids[2])
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestChatService_MessagesSince_Error(t *testing.T) {
	boom := errors.New("connection reset")
	svc := NewChatService(&storeStub{
		messages: &messageRepoStub{sinceFn: func(context.Context, uint, uint) iter.Seq2[*models.Message, error] {
			return func(yield func(*models.Message, error) bool) {
				if !yield(&models.Message{ID: 1}, nil) {
					return
				}
				yield(nil, boom)
			}
		}},
	}, ChatServiceOptions{})

	msgs, err := svc.MessagesSince(context.Background(), 1, 0)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, msgs)
}

func TestChatService_OpenConversation_PeerLookupError(t *testing.T) {
	svc := NewChatService(&storeStub{
		users: &userRepoStub{getByIDFn: func(context.Context, uint) (*models.User, error) {
			return nil, models.NewInternalError(errors.New("db down"))
		}},
	}, ChatServiceOptions{})

	_, _, _, err := svc.OpenConversation(context.Background(), 1, 2)
	assert.Equal(t, models.CodeInternal, models.ErrorCode(err))
}

func TestChatService_HideAndHistory(t *testing.T) {
	svc, db, users := newTestService(t)
	ctx := context.Background()
	a, b := users[0], users[1]
	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	_, _, err = svc.SendMessage(ctx, models.MessageDraft{ConversationID: conv.ID, SenderID: a.ID, Body: "old"}, SourceHTTP)
	require.NoError(t, err)

	// Push the watermark clear of the first message's timestamp.
	require.NoError(t, svc.HideConversation(ctx, a.ID, conv.ID))
	hiddenAt := time.Now().Add(time.Second)
	require.NoError(t, db.Model(&models.Conversation{}).Where("id = ?", conv.ID).
		UpdateColumn("deleted_at_first", hiddenAt).Error)

	list, err := svc.ListConversations(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = svc.ListConversations(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	history, err := svc.History(ctx, a.ID, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	history, err = svc.History(ctx, b.ID, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "old", history[0].Body)

	_, err = svc.History(ctx, users[2].ID, conv.ID, 0, 0)
	assert.True(t, models.HasCode(err, models.CodeAccessDenied))
}

func TestChatService_MarkRead(t *testing.T) {
	svc, db, users := newTestService(t)
	ctx := context.Background()
	a, b := users[0], users[1]
	conv, _, _, err := svc.OpenConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := svc.SendMessage(ctx, models.MessageDraft{ConversationID: conv.ID, SenderID: a.ID, Body: "ping"}, SourceWebSocket)
		require.NoError(t, err)
	}
	require.NoError(t, svc.MarkRead(ctx, b.ID, conv.ID))

	var stored models.Conversation
	require.NoError(t, db.First(&stored, conv.ID).Error)
	assert.Zero(t, stored.UnreadFor(b.ID))

	err = svc.MarkRead(ctx, users[2].ID, conv.ID)
	assert.True(t, models.HasCode(err, models.CodeAccessDenied))
}
