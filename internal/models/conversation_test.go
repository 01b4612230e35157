package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalPair(t *testing.T) {
	t.Parallel()
	low, high := CanonicalPair(7, 3)
	assert.Equal(t, uint(3), low)
	assert.Equal(t, uint(7), high)

	low, high = CanonicalPair(3, 7)
	assert.Equal(t, uint(3), low)
	assert.Equal(t, uint(7), high)
}

func TestConversation_Participants(t *testing.T) {
	t.Parallel()
	conv := &Conversation{ID: 1, FirstID: 10, SecondID: 20, UnreadFirst: 2, UnreadSecond: 5}

	assert.True(t, conv.Includes(10))
	assert.True(t, conv.Includes(20))
	assert.False(t, conv.Includes(30))
	assert.False(t, conv.Includes(0))

	assert.Equal(t, uint(20), conv.PeerOf(10))
	assert.Equal(t, uint(10), conv.PeerOf(20))
	assert.Equal(t, 2, conv.UnreadFor(10))
	assert.Equal(t, 5, conv.UnreadFor(20))
}

func TestConversation_VisibleTo(t *testing.T) {
	t.Parallel()
	now := time.Now()
	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	tests := []struct {
		name    string
		conv    Conversation
		user    uint
		visible bool
	}{
		{"never hidden", Conversation{FirstID: 1, SecondID: 2, UpdatedAt: now}, 1, true},
		{"hidden before last activity", Conversation{FirstID: 1, SecondID: 2, UpdatedAt: now, DeletedAtFirst: &earlier}, 1, true},
		{"hidden after last activity", Conversation{FirstID: 1, SecondID: 2, UpdatedAt: now, DeletedAtFirst: &later}, 1, false},
		{"hide is per user", Conversation{FirstID: 1, SecondID: 2, UpdatedAt: now, DeletedAtFirst: &later}, 2, true},
		{"self pair", Conversation{FirstID: 1, SecondID: 1, UpdatedAt: now}, 1, false},
		{"stranger", Conversation{FirstID: 1, SecondID: 2, UpdatedAt: now}, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.visible, tt.conv.VisibleTo(tt.user))
		})
	}
}

func TestUser_DisplayName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Ada Lovelace", (&User{Username: "ada", FirstName: "Ada", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "ada", (&User{Username: "ada"}).DisplayName())
	assert.Equal(t, "", (*User)(nil).DisplayName())
}

func TestErrorCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CodeAccessDenied, ErrorCode(NewAccessDeniedError(4)))
	assert.Equal(t, CodeInvalidPair, ErrorCode(NewInvalidPairError(4)))
	assert.Equal(t, CodeNotFound, ErrorCode(NewNotFoundError("Conversation", 4)))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("pq: connection refused")))
	assert.Equal(t, "", ErrorCode(nil))

	wrapped := errors.Join(errors.New("context"), NewValidationError("bad"))
	assert.Equal(t, CodeValidation, ErrorCode(wrapped))
	assert.True(t, HasCode(wrapped, CodeValidation))
}

func TestMessageType_Valid(t *testing.T) {
	t.Parallel()
	for _, mt := range []MessageType{MessageText, MessageImage, MessageSticker, MessageGiphy} {
		assert.True(t, mt.Valid(), mt.String())
	}
	assert.False(t, MessageType(0).Valid())
	assert.False(t, MessageType(5).Valid())
	assert.Equal(t, "unknown", MessageType(9).String())
}
