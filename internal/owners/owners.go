// Package owners authenticates resource owners for the password grant.
package owners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crawshaw.dev/jsonfile"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/storage"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
// The two are not distinguished.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// Authenticator checks usernames and passwords against the configured users
// and the credential store.
type Authenticator struct {
	Users     config.Users
	CredStore *jsonfile.JSONFile[storage.CredentialStore]
}

// dummyHash is compared against when the user doesn't exist, so the response
// time doesn't reveal which usernames are valid.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

// Authenticate returns the user if password matches their stored hash.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*config.User, error) {
	user, err := a.Users.GetUserByUsername(username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	var hash string
	a.CredStore.Read(func(s *storage.CredentialStore) {
		if c := s.ForUser(user.ID); c != nil {
			hash = c.PasswordHash
		}
	})
	if hash == "" {
		slog.DebugContext(ctx, "user has no password set", "userID", user.ID)
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SetPassword hashes password and stores it for the user, replacing any
// existing one.
func SetPassword(store *jsonfile.JSONFile[storage.CredentialStore], userID uuid.UUID, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now()
	return store.Write(func(s *storage.CredentialStore) error {
		if c := s.ForUser(userID); c != nil {
			c.PasswordHash = string(hash)
			c.UpdatedAt = now
			return nil
		}
		s.Credentials = append(s.Credentials, &storage.Credential{
			ID:           uuid.New(),
			UserID:       userID,
			PasswordHash: string(hash),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		return nil
	})
}

// DeletePassword removes the user's password, reporting whether one was set.
func DeletePassword(store *jsonfile.JSONFile[storage.CredentialStore], userID uuid.UUID) (bool, error) {
	var found bool
	err := store.Write(func(s *storage.CredentialStore) error {
		for i, c := range s.Credentials {
			if c.UserID == userID {
				s.Credentials = append(s.Credentials[:i], s.Credentials[i+1:]...)
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}
