package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/tokens"
)

var _ tokens.CodeStore = (*CodeStore)(nil)

const bucketAuthCodes = "auth_codes"

// CodeStore implements tokens.CodeStore using BoltDB
type CodeStore struct {
	db *bolt.DB
}

// Get retrieves a code without consuming it.
func (c *CodeStore) Get(ctx context.Context, code string) (*tokens.AuthorizationCode, error) {
	var ac *tokens.AuthorizationCode
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketAuthCodes)).Get([]byte(code))
		if data == nil {
			return nil
		}
		ac = new(tokens.AuthorizationCode)
		if err := json.Unmarshal(data, ac); err != nil {
			return fmt.Errorf("unmarshal auth code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// Insert stores a new code.
func (c *CodeStore) Insert(ctx context.Context, code *tokens.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal auth code: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAuthCodes))
		if b.Get([]byte(code.Code)) != nil {
			return fmt.Errorf("auth code already exists")
		}
		if err := b.Put([]byte(code.Code), data); err != nil {
			return fmt.Errorf("store auth code: %w", err)
		}
		return nil
	})
}

// Remove deletes a code.
func (c *CodeStore) Remove(ctx context.Context, code string) (bool, error) {
	var found bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAuthCodes))
		found = b.Get([]byte(code)) != nil
		if !found {
			return nil
		}
		return b.Delete([]byte(code))
	})
	return found, err
}

// Take reads and deletes the code in a single write transaction. bbolt
// serializes writers, so only one caller can observe the code.
func (c *CodeStore) Take(ctx context.Context, code string) (*tokens.AuthorizationCode, error) {
	var ac *tokens.AuthorizationCode
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAuthCodes))
		data := b.Get([]byte(code))
		if data == nil {
			return nil
		}
		ac = new(tokens.AuthorizationCode)
		if err := json.Unmarshal(data, ac); err != nil {
			return fmt.Errorf("unmarshal auth code: %w", err)
		}
		if err := b.Delete([]byte(code)); err != nil {
			return fmt.Errorf("delete auth code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// GarbageCollect removes codes issued more than validity ago, and any that
// can't be decoded. Returns the number deleted.
func (c *CodeStore) GarbageCollect(validity time.Duration) (int, error) {
	now := time.Now()
	var deleted int
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAuthCodes))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var ac tokens.AuthorizationCode
			if err := json.Unmarshal(v, &ac); err != nil || now.After(ac.ExpiresAt(validity)) {
				toDelete = append(toDelete, k)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("iterating auth codes: %w", err)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete expired auth code: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
