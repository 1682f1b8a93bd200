package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a user's role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is the local projection of an identity-provider account. Passwords and
// registration live in the identity provider; this row only carries what the
// pipeline needs: the notification address and the remote-upload entitlement.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	Role         Role      `json:"role"`
	RemoteUpload bool      `json:"remote_upload"`
	CreatedAt    time.Time `json:"created_at"`
}
