package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"gizchat/internal/config"
	"gizchat/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) openConversation(t *testing.T, userID, peerID uint) ConversationResponse {
	t.Helper()
	var conv ConversationResponse
	resp := e.do(t, http.MethodPost, "/api/conversations", userID, fiber.Map{"user": peerID}, &conv)
	require.Contains(t, []int{fiber.StatusOK, fiber.StatusCreated}, resp.StatusCode)
	return conv
}

func (e *testEnv) sendMessage(t *testing.T, userID, convID uint, text string) models.Message {
	t.Helper()
	var msg models.Message
	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID), userID,
		fiber.Map{"message": text}, &msg)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	return msg
}

func TestConversations_RequireAuth(t *testing.T) {
	env := newTestEnv(t)

	var body models.ErrorResponse
	resp := env.do(t, http.MethodGet, "/api/conversations", 0, nil, &body)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, models.CodeUnauthorized, body.Code)
}

func TestCreateConversation(t *testing.T) {
	env := newTestEnv(t)
	u1, u2 := env.users[0].ID, env.users[1].ID

	var first ConversationResponse
	resp := env.do(t, http.MethodPost, "/api/conversations", u1, fiber.Map{"user": u2}, &first)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, u2, first.User)
	assert.Equal(t, "User 2", first.Name)
	assert.Nil(t, first.Online, "presence is off by default")

	var again ConversationResponse
	resp = env.do(t, http.MethodPost, "/api/conversations", u1, fiber.Map{"user": u2}, &again)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, again.ID)

	var reverse ConversationResponse
	resp = env.do(t, http.MethodPost, "/api/conversations", u2, fiber.Map{"user": u1}, &reverse)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, reverse.ID)
	assert.Equal(t, "User 1", reverse.Name)
}

func TestCreateConversation_Errors(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.users[0].ID

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"self", fiber.Map{"user": u1}, fiber.StatusBadRequest, models.CodeInvalidPair},
		{"unknown peer", fiber.Map{"user": 999}, fiber.StatusNotFound, models.CodeNotFound},
		{"missing peer", fiber.Map{}, fiber.StatusBadRequest, models.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body models.ErrorResponse
			resp := env.do(t, http.MethodPost, "/api/conversations", u1, tt.body, &body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestSendMessage_UpdatesCounters(t *testing.T) {
	env := newTestEnv(t)
	u1, u2 := env.users[0].ID, env.users[1].ID
	conv := env.openConversation(t, u1, u2)

	msg := env.sendMessage(t, u1, conv.ID, "hello")
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, u1, msg.SenderID)
	assert.Equal(t, models.MessageText, msg.Type)
	assert.Equal(t, 1.0, msg.Ratio)

	var list []ConversationResponse
	env.do(t, http.MethodGet, "/api/conversations", u2, nil, &list)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Unread)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msg.ID, list[0].LastMessage.ID)

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID), u2, nil, nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	var single ConversationResponse
	env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), u2, nil, &single)
	assert.Equal(t, 0, single.Unread)
}

func TestSendMessage_Rejections(t *testing.T) {
	env := newTestEnv(t)
	u1, u2, u3 := env.users[0].ID, env.users[1].ID, env.users[2].ID
	conv := env.openConversation(t, u1, u2)
	path := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)

	tests := []struct {
		name   string
		user   uint
		path   string
		body   any
		status int
		code   string
	}{
		{"outsider", u3, path, fiber.Map{"message": "hi"}, fiber.StatusForbidden, models.CodeAccessDenied},
		{"missing conversation", u1, "/api/conversations/999/messages", fiber.Map{"message": "hi"}, fiber.StatusForbidden, models.CodeAccessDenied},
		{"empty", u1, path, fiber.Map{"message": "  "}, fiber.StatusBadRequest, models.CodeValidation},
		{"bad type", u1, path, fiber.Map{"message": "x", "m_type": 9}, fiber.StatusBadRequest, models.CodeValidation},
		{"bad ratio", u1, path, fiber.Map{"message": "x", "ratio": 1.25}, fiber.StatusBadRequest, models.CodeValidation},
		{"bad id", u1, "/api/conversations/abc/messages", fiber.Map{"message": "x"}, fiber.StatusBadRequest, models.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body models.ErrorResponse
			resp := env.do(t, http.MethodPost, tt.path, tt.user, tt.body, &body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body.Code)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConversationAccess_Outsider(t *testing.T) {
	env := newTestEnv(t)
	u1, u2, u3 := env.users[0].ID, env.users[1].ID, env.users[2].ID
	conv := env.openConversation(t, u1, u2)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID)},
		{http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID)},
		{http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID)},
		{http.MethodDelete, fmt.Sprintf("/api/conversations/%d", conv.ID)},
		{http.MethodGet, "/api/conversations/999"},
	} {
		var body models.ErrorResponse
		resp := env.do(t, req.method, req.path, u3, nil, &body)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode, req.path)
		assert.Equal(t, models.CodeAccessDenied, body.Code, req.path)
	}
}

func TestGetMessages_Paging(t *testing.T) {
	env := newTestEnv(t)
	u1, u2 := env.users[0].ID, env.users[1].ID
	conv := env.openConversation(t, u1, u2)

	var ids []uint
	for i := 0; i < 5; i++ {
		ids = append(ids, env.sendMessage(t, u1, conv.ID, fmt.Sprintf("m%d", i)).ID)
	}

	var page []models.Message
	env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?limit=2", conv.ID), u2, nil, &page)
	require.Len(t, page, 2)
	assert.Equal(t, []uint{ids[3], ids[4]}, []uint{page[0].ID, page[1].ID})

	env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?limit=2&before=%d", conv.ID, ids[3]), u2, nil, &page)
	require.Len(t, page, 2)
	assert.Equal(t, []uint{ids[1], ids[2]}, []uint{page[0].ID, page[1].ID})
}

func TestHideConversation(t *testing.T) {
	env := newTestEnv(t)
	u1, u2 := env.users[0].ID, env.users[1].ID
	conv := env.openConversation(t, u1, u2)
	env.sendMessage(t, u2, conv.ID, "before")

	resp := env.do(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", conv.ID), u1, nil, nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	var list []ConversationResponse
	env.do(t, http.MethodGet, "/api/conversations", u1, nil, &list)
	assert.Empty(t, list)

	env.do(t, http.MethodGet, "/api/conversations", u2, nil, &list)
	assert.Len(t, list, 1, "the peer still sees it")

	var history []models.Message
	env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), u1, nil, &history)
	assert.Empty(t, history)

	time.Sleep(10 * time.Millisecond)
	after := env.sendMessage(t, u2, conv.ID, "after")

	env.do(t, http.MethodGet, "/api/conversations", u1, nil, &list)
	assert.Len(t, list, 1, "a new message brings it back")

	env.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), u1, nil, &history)
	require.Len(t, history, 1)
	assert.Equal(t, after.ID, history[0].ID)
}

func TestSendMessage_RateLimited(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	env := newTestEnv(t, func(c *config.Config) { c.ChatSendLimit = 1 })
	u1, u2 := env.users[0].ID, env.users[1].ID
	conv := env.openConversation(t, u1, u2)

	env.sendMessage(t, u1, conv.ID, "one")
	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), u1,
		fiber.Map{"message": "two"}, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	// limits are per user
	env.sendMessage(t, u2, conv.ID, "reply")
}

func TestConversationList_PresenceFlag(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.FeatureFlags = "dm_presence=on" })
	u1, u2 := env.users[0].ID, env.users[1].ID

	conv := env.openConversation(t, u1, u2)
	require.NotNil(t, conv.Online)
	assert.False(t, *conv.Online)

	env.srv.presence.Register(t.Context(), u2)
	var list []ConversationResponse
	env.do(t, http.MethodGet, "/api/conversations", u1, nil, &list)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Online)
	assert.True(t, *list[0].Online)
}

func TestFeatureFlagsEndpoint(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.FeatureFlags = "dm_read_events=on" })

	var body struct {
		Evaluated map[string]bool `json:"evaluated"`
	}
	resp := env.do(t, http.MethodGet, "/api/feature-flags", env.users[0].ID, nil, &body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, body.Evaluated["dm_read_events"])
	assert.False(t, body.Evaluated["dm_presence"])
}

func TestIssueWSTicket(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	resp := env.do(t, http.MethodPost, "/api/ws/ticket", env.users[0].ID, nil, &body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body.Ticket)
	assert.Equal(t, 30, body.ExpiresIn)
	assert.True(t, env.mr.Exists("ws_ticket:"+body.Ticket))

	resp = env.do(t, http.MethodPost, "/api/ws/ticket", 0, nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestChatSocket_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/ws/chat", env.users[0].ID, nil, nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
