package server

import (
	"context"
	"log/slog"

	"gizchat/internal/middleware"
	"gizchat/internal/models"
	"gizchat/internal/notifications"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const chatEndpoint = "chat"

// IssueWSTicket returns a short-lived single-use ticket for the chat socket
// @Summary Issue a websocket ticket
// @Description Browsers cannot set headers on upgrades; pass the ticket as ?ticket=
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{ticket=string,expires_in=int}
// @Failure 503 {object} models.ErrorResponse
// @Router /ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ticket, err := s.auth.IssueTicket(c.UserContext(), currentUser(c))
	if err != nil {
		middleware.Logger.WarnContext(c.UserContext(), "failed to issue websocket ticket", slog.String("error", err.Error()))
		return models.RespondWithError(c, fiber.StatusServiceUnavailable, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(s.auth.TicketTTL().Seconds()),
	})
}

// WebSocketChatHandler serves one chat connection: the session handles
// commands read by the client's read pump and replies through its send queue.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		active := middleware.ActiveWebSockets.WithLabelValues(chatEndpoint)
		active.Inc()
		defer active.Dec()

		ctx := s.shutdownCtx
		if ctx == nil {
			ctx = context.Background()
		}

		userID, _ := conn.Locals("userID").(uint)
		client := notifications.NewClient(chatEndpoint, conn, userID)
		session := notifications.NewSession(notifications.SessionConfig{
			UserID:         userID,
			Chat:           s.chatService,
			Groups:         s.groups,
			Sink:           client,
			Presence:       s.presence,
			Flags:          s.featureFlags,
			Limiter:        s.sendLimiter,
			CommandTimeout: s.config.CommandTimeout(),
		})

		if err := session.Open(ctx); err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
			_ = conn.Close()
			return
		}

		go client.WritePump()

		reason := "client closed"
		if err := client.ReadPump(ctx, session.Handle); err != nil {
			reason = err.Error()
		}

		session.Close(ctx, reason)
		client.Close()
		<-client.Done()
	})
}
