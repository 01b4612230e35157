package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"gizchat/internal/featureflags"
	"gizchat/internal/middleware"
	"gizchat/internal/models"
	"gizchat/internal/notifications"
	"gizchat/internal/service"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ConversationResponse is a conversation as seen by the requesting user.
type ConversationResponse struct {
	ID          uint            `json:"id"`
	User        uint            `json:"user"`
	Name        string          `json:"name"`
	Unread      int             `json:"unread"`
	LastMessage *models.Message `json:"last_message,omitempty"`
	Online      *bool           `json:"online,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SendMessageRequest is the body of POST /api/conversations/:id/messages.
type SendMessageRequest struct {
	Type    models.MessageType `json:"m_type"`
	Message string             `json:"message"`
	Image   string             `json:"image,omitempty"`
	Ratio   *float64           `json:"ratio,omitempty"`
}

func (s *Server) conversationResponse(c *fiber.Ctx, conv *models.Conversation, peer *models.User) ConversationResponse {
	userID := currentUser(c)
	resp := ConversationResponse{
		ID:          conv.ID,
		User:        conv.PeerOf(userID),
		Unread:      conv.UnreadFor(userID),
		LastMessage: conv.Message,
		UpdatedAt:   conv.UpdatedAt,
	}
	if peer != nil {
		resp.Name = peer.DisplayName()
	}
	if s.featureFlags.Enabled(featureflags.DMPresence, userID) {
		online := s.presence.IsOnline(c.UserContext(), resp.User)
		resp.Online = &online
	}
	return resp
}

// GetConversations lists the caller's visible conversations
// @Summary List conversations
// @Description Conversations the user has not hidden, most recent activity first
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Success 200 {array} ConversationResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /conversations [get]
func (s *Server) GetConversations(c *fiber.Ctx) error {
	userID := currentUser(c)

	convs, err := s.chatService.ListConversations(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, s.conversationResponse(c, conv, conv.PeerUser(userID)))
	}
	return c.JSON(out)
}

// CreateConversation opens (or returns) the conversation with another user
// @Summary Get or create a conversation
// @Tags chat
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{user=int} true "Peer user id"
// @Success 200 {object} ConversationResponse
// @Success 201 {object} ConversationResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /conversations [post]
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	var req struct {
		User uint `json:"user"`
	}
	if err := c.BodyParser(&req); err != nil || req.User == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("user is required"))
	}

	conv, peer, created, err := s.chatService.OpenConversation(c.UserContext(), currentUser(c), req.User)
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(s.conversationResponse(c, conv, peer))
}

// GetConversation returns a single conversation
// @Summary Get a conversation
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Param id path int true "Conversation ID"
// @Success 200 {object} ConversationResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /conversations/{id} [get]
func (s *Server) GetConversation(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	conv, peer, err := s.chatService.ResolveConversation(c.UserContext(), currentUser(c), id)
	if err != nil {
		return respondConversationError(c, err, id)
	}
	return c.JSON(s.conversationResponse(c, conv, peer))
}

// GetMessages returns the newest page of history before ?before, oldest first
// @Summary List messages
// @Description Messages older than the user's hide watermark are never returned
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Param id path int true "Conversation ID"
// @Param before query int false "Only messages with a smaller id"
// @Param limit query int false "Page size (max 200)"
// @Success 200 {array} models.Message
// @Failure 403 {object} models.ErrorResponse
// @Router /conversations/{id}/messages [get]
func (s *Server) GetMessages(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	before := c.QueryInt("before", 0)
	if before < 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid before"))
	}

	msgs, err := s.chatService.History(c.UserContext(), currentUser(c), id, uint(before), limit)
	if err != nil {
		return respondConversationError(c, err, id)
	}
	return c.JSON(msgs)
}

// SendMessage stores a message and fans it out to both participants
// @Summary Send a message
// @Tags chat
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Conversation ID"
// @Param request body SendMessageRequest true "Message"
// @Success 201 {object} models.Message
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /conversations/{id}/messages [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	msg, peerID, err := s.chatService.SendMessage(ctx, models.MessageDraft{
		ConversationID: id,
		SenderID:       currentUser(c),
		Type:           req.Type,
		Body:           req.Message,
		Image:          req.Image,
		Ratio:          req.Ratio,
	}, service.SourceHTTP)
	if err != nil {
		return respondConversationError(c, err, id)
	}

	// The message is committed; delivery failures do not fail the request.
	if err := notifications.BroadcastMessage(ctx, s.groups, msg, peerID); err != nil {
		middleware.Logger.WarnContext(ctx, "message broadcast failed",
			slog.Uint64("message_id", uint64(msg.ID)), slog.String("error", err.Error()))
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkConversationRead clears the caller's unread counter
// @Summary Mark a conversation read
// @Tags chat
// @Security BearerAuth
// @Param id path int true "Conversation ID"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Router /conversations/{id}/read [post]
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	ctx := c.UserContext()
	userID := currentUser(c)
	conv, _, err := s.chatService.ResolveConversation(ctx, userID, id)
	if err != nil {
		return respondConversationError(c, err, id)
	}
	if err := s.chatService.MarkRead(ctx, userID, id); err != nil {
		return respondConversationError(c, err, id)
	}

	if s.featureFlags.Enabled(featureflags.DMReadEvents, userID) {
		payload, _ := json.Marshal(notifications.ReadEvent{
			Type:         notifications.EventRead,
			Conversation: id,
			User:         userID,
		})
		if err := s.groups.GroupSend(ctx, notifications.GroupName(conv.PeerOf(userID)), payload); err != nil {
			middleware.Logger.WarnContext(ctx, "read receipt broadcast failed", slog.String("error", err.Error()))
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HideConversation hides the conversation for the caller until the next message
// @Summary Hide a conversation
// @Description Sets the caller's delete watermark; the peer is unaffected
// @Tags chat
// @Security BearerAuth
// @Param id path int true "Conversation ID"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Router /conversations/{id} [delete]
func (s *Server) HideConversation(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.HideConversation(c.UserContext(), currentUser(c), id); err != nil {
		return respondConversationError(c, err, id)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetFeatureFlags returns the evaluated feature flags for the current user.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"evaluated": s.featureFlags.Snapshot(currentUser(c)),
	})
}
