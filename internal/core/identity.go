package core

import (
	"strings"

	"github.com/google/uuid"
)

const guestIDPrefix = "guest-"

// IsGuestID reports whether id was minted by NewGuestIdentity
func IsGuestID(id string) bool {
	return strings.HasPrefix(id, guestIDPrefix)
}

// Identity is the caller as resolved by the identity provider
type Identity struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	Email       string `json:"email,omitempty" db:"email"`
	Guest       bool   `json:"guest,omitempty" db:"-"`
}

// NewGuestIdentity builds an identity for a caller who only entered a name
func NewGuestIdentity(displayName string) *Identity {
	return &Identity{
		ID:          guestIDPrefix + uuid.New().String(),
		DisplayName: displayName,
		Guest:       true,
	}
}
