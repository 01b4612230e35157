package notifications

import (
	"encoding/json"
	"time"

	"gizchat/internal/models"
)

// Outbound event types.
const (
	EventJoin      = "chat_join"
	EventLeave     = "chat_leave"
	EventMessage   = "chat_message"
	EventReconnect = "chat_reconnect"
	EventRead      = "chat_read"
)

// Inbound commands.
const (
	CommandJoin      = "join"
	CommandLeave     = "leave"
	CommandSend      = "send"
	CommandReconnect = "reconnect"
	CommandRead      = "read"
)

// Command is a frame received from the client.
type Command struct {
	Command      string             `json:"command"`
	Conversation uint               `json:"conversation,omitempty"`
	User         uint               `json:"user,omitempty"`
	Type         models.MessageType `json:"type,omitempty"`
	Message      string             `json:"message,omitempty"`
	Image        string             `json:"image,omitempty"`
	Ratio        *float64           `json:"ratio,omitempty"`
	LastID       *uint              `json:"last_id,omitempty"`
}

// ConversationSummary identifies a conversation from the caller's side.
type ConversationSummary struct {
	ID     uint   `json:"id"`
	User   uint   `json:"user"`
	Name   string `json:"name"`
	Online *bool  `json:"online,omitempty"`
}

type JoinEvent struct {
	Type         string              `json:"type"`
	Conversation ConversationSummary `json:"conversation"`
}

type LeaveEvent struct {
	Type         string `json:"type"`
	Conversation uint   `json:"conversation,omitempty"`
}

// MessageEvent is a chat message as seen by one participant. UserWith is the
// other side of the conversation from the receiver's point of view.
type MessageEvent struct {
	Type         string             `json:"type"`
	Message      string             `json:"message"`
	Image        string             `json:"image,omitempty"`
	Ratio        float64            `json:"ratio"`
	User         uint               `json:"user"`
	ID           uint               `json:"id"`
	Timestamp    string             `json:"timestamp"`
	MType        models.MessageType `json:"m_type"`
	Conversation uint               `json:"conversation"`
	UserWith     uint               `json:"user_with"`
}

type ReconnectEvent struct {
	Type         string         `json:"type"`
	Conversation uint           `json:"conversation"`
	Messages     []MessageEvent `json:"messages"`
}

type ReadEvent struct {
	Type         string `json:"type"`
	Conversation uint   `json:"conversation"`
	User         uint   `json:"user"`
}

// ErrorEvent carries only the error code.
type ErrorEvent struct {
	Error string `json:"error"`
}

// NewMessageEvent renders msg for the participant whose peer is userWith.
func NewMessageEvent(msg *models.Message, userWith uint) MessageEvent {
	return MessageEvent{
		Type:         EventMessage,
		Message:      msg.Body,
		Image:        msg.Image,
		Ratio:        msg.Ratio,
		User:         msg.SenderID,
		ID:           msg.ID,
		Timestamp:    msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		MType:        msg.Type,
		Conversation: msg.ConversationID,
		UserWith:     userWith,
	}
}

// NewConversationSummary describes conv to a participant whose peer is peer.
func NewConversationSummary(conv *models.Conversation, peer *models.User) ConversationSummary {
	s := ConversationSummary{ID: conv.ID}
	if peer != nil {
		s.User = peer.ID
		s.Name = peer.DisplayName()
	}
	return s
}

// MessagePayloads renders the two fan-out payloads for a stored message: one
// for the peer's group and one for the sender's own group.
func MessagePayloads(msg *models.Message, peerID uint) (forPeer, forSender []byte, err error) {
	forPeer, err = json.Marshal(NewMessageEvent(msg, msg.SenderID))
	if err != nil {
		return nil, nil, err
	}
	forSender, err = json.Marshal(NewMessageEvent(msg, peerID))
	if err != nil {
		return nil, nil, err
	}
	return forPeer, forSender, nil
}
