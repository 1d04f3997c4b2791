package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// note : `uuidgen | tr '[:upper:]' '[:lower:]'` can be used on macOS to generate a UUID.

// User represent a resource owner of the system. Passwords are not part of the
// config, they live in the credential store.
type User struct {
	// ID is the users unique ID, must be a UUID. It is used as the subject.
	ID uuid.UUID `json:"id,omitzero"`
	// Username is what the user presents to the password grant.
	Username string `json:"username,omitzero"`
	// Email is the users email address.
	Email string `json:"email,omitzero"`
	// EmailVerified marks the email as verified in issued claims.
	EmailVerified bool `json:"emailVerified,omitzero"`
	// FullName is the users full name.
	FullName string `json:"fullName,omitzero"`
	// Metadata is a generic map of metadata for the user.
	Metadata map[string]any `json:"metadata,omitzero"`
	// Groups is a list of group names that a user is a member of.
	Groups []string `json:"groups,omitzero"`
	// PreferredUsername is the user's preferred username. If set, the
	// preferred_username claim will be available to the profile scope.
	PreferredUsername string `json:"preferredUsername,omitzero"`
	// Claims holds any other standard claims for the user, keyed by claim
	// name (e.g. phone_number, address, locale).
	Claims map[string]any `json:"claims,omitzero"`
}

type Users []*User

func (u Users) GetUser(id uuid.UUID) (*User, error) {
	for _, user := range u {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", id)
}

// GetUserByUsername finds a user by username, case-insensitively.
func (u Users) GetUserByUsername(username string) (*User, error) {
	for _, user := range u {
		if strings.EqualFold(user.Username, username) {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", username)
}
