// Package models contains data structures for the application's domain models.
package models

import (
	"strings"
	"time"
)

// User is the minimal account record the chat core needs: identity and a
// display name. Accounts are managed elsewhere.
type User struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Username  string     `gorm:"size:150;uniqueIndex;not null" json:"username"`
	FirstName string     `gorm:"size:150" json:"first_name"`
	LastName  string     `gorm:"size:150" json:"last_name"`
	Email     string     `gorm:"size:254" json:"email,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DisplayName is "<first> <last>", falling back to the username when both
// name parts are blank.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}
