// Package domain contains the core entities of the passkey backend.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is an account identified by a unique username. Users are created
// implicitly on their first registration attempt and are immutable
// afterwards.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser creates a User with a fresh random ID.
func NewUser(username string) *User {
	return &User{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
}
