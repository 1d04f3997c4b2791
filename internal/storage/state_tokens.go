package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/tokens"
)

var (
	_ tokens.TokenStore  = (*TokenStore)(nil)
	_ tokens.TokenLister = (*TokenStore)(nil)
)

const (
	// Bucket names for granted token storage
	bucketTokens        = "tokens"
	bucketAccessTokens  = "access_tokens"
	bucketRefreshTokens = "refresh_tokens"
)

// TokenStore implements tokens.TokenStore using BoltDB. Records live in the
// tokens bucket by ID, with the access and refresh token values indexed to
// that ID.
type TokenStore struct {
	db *bolt.DB
}

// tokenMapping stores a token ID with its expiration time
type tokenMapping struct {
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Insert stores a token and its indexes.
func (s *TokenStore) Insert(ctx context.Context, t *tokens.GrantedToken) error {
	if t.ID == "" {
		return fmt.Errorf("token has no id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		accessBucket := tx.Bucket([]byte(bucketAccessTokens))
		if accessBucket.Get([]byte(t.AccessToken)) != nil {
			return fmt.Errorf("access token already exists")
		}
		if err := tx.Bucket([]byte(bucketTokens)).Put([]byte(t.ID), data); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		if err := putMapping(accessBucket, t.AccessToken, tokenMapping{TokenID: t.ID, ExpiresAt: t.ExpiresAt()}); err != nil {
			return fmt.Errorf("store access token mapping: %w", err)
		}
		if t.RefreshToken != "" {
			exp := t.RefreshExpiresAt
			if exp.IsZero() {
				exp = t.ExpiresAt()
			}
			if err := putMapping(tx.Bucket([]byte(bucketRefreshTokens)), t.RefreshToken, tokenMapping{TokenID: t.ID, ExpiresAt: exp}); err != nil {
				return fmt.Errorf("store refresh token mapping: %w", err)
			}
		}
		return nil
	})
}

// GetToken returns the newest token issued for the same client, scopes and
// claims.
func (s *TokenStore) GetToken(ctx context.Context, scopes []string, clientID string, idPayload, userInfoPayload jwt.Payload) (*tokens.GrantedToken, error) {
	var found *tokens.GrantedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).ForEach(func(k, v []byte) error {
			var t tokens.GrantedToken
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip malformed
			}
			if !t.Matches(scopes, clientID, idPayload, userInfoPayload) {
				return nil
			}
			if found == nil || t.CreatedAt.After(found.CreatedAt) {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetAccessToken retrieves a token by access token value.
func (s *TokenStore) GetAccessToken(ctx context.Context, accessToken string) (*tokens.GrantedToken, error) {
	return s.lookup(bucketAccessTokens, accessToken)
}

// GetRefreshToken retrieves a token by refresh token value.
func (s *TokenStore) GetRefreshToken(ctx context.Context, refreshToken string) (*tokens.GrantedToken, error) {
	return s.lookup(bucketRefreshTokens, refreshToken)
}

// RemoveAccessToken deletes the token the access token value belongs to.
func (s *TokenStore) RemoveAccessToken(ctx context.Context, accessToken string) (bool, error) {
	return s.remove(bucketAccessTokens, accessToken)
}

// RemoveRefreshToken deletes the token the refresh token value belongs to.
func (s *TokenStore) RemoveRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	return s.remove(bucketRefreshTokens, refreshToken)
}

// ListTokens returns all stored tokens, most recent first.
func (s *TokenStore) ListTokens(ctx context.Context) ([]*tokens.GrantedToken, error) {
	var out []*tokens.GrantedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).ForEach(func(k, v []byte) error {
			var t tokens.GrantedToken
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip malformed
			}
			out = append(out, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GarbageCollect removes tokens whose access and refresh tokens have both
// expired. Returns the number of tokens deleted.
func (s *TokenStore) GarbageCollect() (int, error) {
	now := time.Now()
	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTokens))
		var expired []*tokens.GrantedToken
		var corrupt [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var t tokens.GrantedToken
			if err := json.Unmarshal(v, &t); err != nil {
				corrupt = append(corrupt, k)
				return nil
			}
			if t.IsExpired(now) && t.RefreshExpired(now) {
				expired = append(expired, &t)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("iterating tokens: %w", err)
		}
		for _, k := range corrupt {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete invalid token: %w", err)
			}
			deleted++
		}
		for _, t := range expired {
			if err := deleteToken(tx, t); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *TokenStore) lookup(index, value string) (*tokens.GrantedToken, error) {
	var t *tokens.GrantedToken
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getByIndex(tx, index, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TokenStore) remove(index, value string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		t, err := getByIndex(tx, index, value)
		if err != nil || t == nil {
			return err
		}
		found = true
		return deleteToken(tx, t)
	})
	return found, err
}

func getByIndex(tx *bolt.Tx, index, value string) (*tokens.GrantedToken, error) {
	mappingData := tx.Bucket([]byte(index)).Get([]byte(value))
	if mappingData == nil {
		return nil, nil
	}
	var mapping tokenMapping
	if err := json.Unmarshal(mappingData, &mapping); err != nil {
		return nil, fmt.Errorf("unmarshal token mapping: %w", err)
	}
	data := tx.Bucket([]byte(bucketTokens)).Get([]byte(mapping.TokenID))
	if data == nil {
		return nil, nil
	}
	var t tokens.GrantedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &t, nil
}

func deleteToken(tx *bolt.Tx, t *tokens.GrantedToken) error {
	if err := tx.Bucket([]byte(bucketTokens)).Delete([]byte(t.ID)); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if err := tx.Bucket([]byte(bucketAccessTokens)).Delete([]byte(t.AccessToken)); err != nil {
		return fmt.Errorf("delete access token mapping: %w", err)
	}
	if t.RefreshToken != "" {
		if err := tx.Bucket([]byte(bucketRefreshTokens)).Delete([]byte(t.RefreshToken)); err != nil {
			return fmt.Errorf("delete refresh token mapping: %w", err)
		}
	}
	return nil
}

func putMapping(b *bolt.Bucket, key string, m tokenMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
