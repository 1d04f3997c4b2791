package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"crawshaw.dev/jsonfile"
	"github.com/google/uuid"
)

// CredentialStore represents the on-disk store for resource owner passwords.
type CredentialStore struct {
	Credentials []*Credential `json:"credentials,omitzero"`
}

// Credential is a password registered for a user.
type Credential struct {
	// ID is a unique identifier for this credential.
	ID uuid.UUID `json:"id,omitzero"`
	// UserID is the ID of the user this credential is associated with.
	UserID uuid.UUID `json:"user_id,omitzero"`
	// PasswordHash is the bcrypt hash of the password.
	PasswordHash string `json:"password_hash,omitzero"`
	// CreatedAt is the time the credential was created.
	CreatedAt time.Time `json:"created_at,omitzero"`
	// UpdatedAt is the last time the password changed.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ForUser returns the user's credential, or nil.
func (s *CredentialStore) ForUser(userID uuid.UUID) *Credential {
	for _, c := range s.Credentials {
		if c.UserID == userID {
			return c
		}
	}
	return nil
}

// NewCredentialStore loads the credential store at path, creating an empty
// one if the file does not exist yet.
func NewCredentialStore(path string) (*jsonfile.JSONFile[CredentialStore], error) {
	s, err := jsonfile.Load[CredentialStore](path)
	if errors.Is(err, fs.ErrNotExist) {
		s, err = jsonfile.New[CredentialStore](path)
		if err != nil {
			return nil, fmt.Errorf("create credential store: %w", err)
		}
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("load credential store from %s: %w", path, err)
	}
	return s, nil
}
