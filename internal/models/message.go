package models

import "time"

// MessageType is the closed set of payload kinds a message can carry.
type MessageType int

const (
	MessageText    MessageType = 1
	MessageImage   MessageType = 2
	MessageSticker MessageType = 3
	MessageGiphy   MessageType = 4
)

// DefaultRatio is used when a sender omits the aspect-ratio hint.
const DefaultRatio = 1.0

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return t >= MessageText && t <= MessageGiphy
}

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageImage:
		return "image"
	case MessageSticker:
		return "sticker"
	case MessageGiphy:
		return "giphy"
	default:
		return "unknown"
	}
}

// Message is an immutable chat entry. Ordering within a conversation is by ID.
type Message struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	ConversationID uint        `gorm:"not null;index" json:"conversation"`
	SenderID       uint        `gorm:"not null;index" json:"user"`
	Sender         *User       `gorm:"foreignKey:SenderID" json:"-"`
	Type           MessageType `gorm:"column:m_type;not null;default:1" json:"m_type"`
	Body           string      `gorm:"type:text;not null" json:"message"`
	Image          string      `gorm:"size:512" json:"image,omitempty"`
	Ratio          float64     `gorm:"type:numeric(2,1);not null;default:1.0" json:"ratio"`
	CreatedAt      time.Time   `json:"timestamp"`
}

// MessageDraft is the unvalidated input for a new message.
type MessageDraft struct {
	ConversationID uint
	SenderID       uint
	Type           MessageType
	Body           string
	Image          string
	Ratio          *float64
}
