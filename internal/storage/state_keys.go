package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/jwk"
)

var _ jwk.Persister = (*KeyStore)(nil)

const bucketKeys = "keys"

// KeyStore persists the server's JSON web keys, keyed by kid. Keys are
// immutable, so there is no update path.
type KeyStore struct {
	db *bolt.DB
}

type storedKey struct {
	Key       *jwk.Key  `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// ListKeys returns every stored key.
func (k *KeyStore) ListKeys(ctx context.Context) ([]*jwk.Key, error) {
	var stored []storedKey
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKeys)).ForEach(func(kid, v []byte) error {
			var sk storedKey
			if err := json.Unmarshal(v, &sk); err != nil {
				return fmt.Errorf("unmarshal key %s: %w", kid, err)
			}
			stored = append(stored, sk)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	reportKeyMetrics(stored)

	keys := make([]*jwk.Key, 0, len(stored))
	for _, sk := range stored {
		keys = append(keys, sk.Key)
	}
	return keys, nil
}

// PutKey stores a new key. Storing a kid twice is an error.
func (k *KeyStore) PutKey(ctx context.Context, key *jwk.Key) error {
	data, err := json.Marshal(storedKey{Key: key, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		if b.Get([]byte(key.KID())) != nil {
			return fmt.Errorf("key %s already exists", key.KID())
		}
		if err := b.Put([]byte(key.KID()), data); err != nil {
			return fmt.Errorf("store key: %w", err)
		}
		return nil
	})
}

// DeleteKey removes a key, reporting whether it existed.
func (k *KeyStore) DeleteKey(ctx context.Context, kid string) (bool, error) {
	var found bool
	err := k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketKeys))
		found = b.Get([]byte(kid)) != nil
		return b.Delete([]byte(kid))
	})
	return found, err
}
