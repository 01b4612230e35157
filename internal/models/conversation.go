package models

import "time"

// Conversation is the durable pairing between two distinct users.
//
// FirstID/SecondID keep the order the pair was created in (initiator first);
// PairLow/PairHigh hold the same ids sorted and carry the unique index that
// guarantees one row per unordered pair.
type Conversation struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	FirstID         uint       `gorm:"not null;index" json:"first"`
	SecondID        uint       `gorm:"not null;index" json:"second"`
	PairLow         uint       `gorm:"not null;uniqueIndex:idx_conversations_pair,priority:1" json:"-"`
	PairHigh        uint       `gorm:"not null;uniqueIndex:idx_conversations_pair,priority:2" json:"-"`
	UnreadFirst     int        `gorm:"not null;default:0" json:"unread_first"`
	UnreadSecond    int        `gorm:"not null;default:0" json:"unread_second"`
	MessageID       *uint      `json:"message_id,omitempty"`
	Message         *Message   `gorm:"foreignKey:MessageID" json:"message,omitempty"`
	DeletedAtFirst  *time.Time `json:"-"`
	DeletedAtSecond *time.Time `json:"-"`
	First           *User      `gorm:"foreignKey:FirstID" json:"-"`
	Second          *User      `gorm:"foreignKey:SecondID" json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CanonicalPair orders two user ids so (a,b) and (b,a) share one key.
func CanonicalPair(a, b uint) (low, high uint) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Includes reports whether the user participates in the conversation.
func (c *Conversation) Includes(userID uint) bool {
	return c != nil && userID != 0 && (c.FirstID == userID || c.SecondID == userID)
}

// PeerOf returns the other participant. Callers must check Includes first.
func (c *Conversation) PeerOf(userID uint) uint {
	if c.FirstID == userID {
		return c.SecondID
	}
	return c.FirstID
}

// PeerUser returns the preloaded record of the other participant, if any.
func (c *Conversation) PeerUser(userID uint) *User {
	if c.FirstID == userID {
		return c.Second
	}
	return c.First
}

// UnreadFor returns the unread counter owned by the user.
func (c *Conversation) UnreadFor(userID uint) int {
	if c.FirstID == userID {
		return c.UnreadFirst
	}
	return c.UnreadSecond
}

// DeletedAtFor returns the user's hide watermark; nil means never hidden.
func (c *Conversation) DeletedAtFor(userID uint) *time.Time {
	if c.FirstID == userID {
		return c.DeletedAtFirst
	}
	return c.DeletedAtSecond
}

// VisibleTo applies the per-user hide watermark: a conversation touched after
// the user hid it shows up again.
func (c *Conversation) VisibleTo(userID uint) bool {
	if !c.Includes(userID) || c.FirstID == c.SecondID {
		return false
	}
	at := c.DeletedAtFor(userID)
	return at == nil || c.UpdatedAt.After(*at)
}
