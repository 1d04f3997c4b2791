package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/tokenidp/internal/config"
)

const (
	// Bucket names for dynamic client storage
	bucketDynamicClients = "dynamic_clients"
)

var (
	// ErrDynamicClientNotFound is returned when a dynamic client is not found
	ErrDynamicClientNotFound = errors.New("dynamic client not found")
)

// DynamicClient is a client registered at runtime through the admin API.
type DynamicClient struct {
	Client    config.Client `json:"client"`
	CreatedAt time.Time     `json:"created_at"`
	// ExpiresAt is when the registration lapses. Zero never expires.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Active    bool      `json:"active"`
}

func (d *DynamicClient) live(now time.Time) bool {
	return d.Active && (d.ExpiresAt.IsZero() || now.Before(d.ExpiresAt))
}

// DynamicClientStore implements dynamic client storage using BoltDB
type DynamicClientStore struct {
	db *bolt.DB
}

// GetDynamicClient retrieves an active, non-expired dynamic client by ID
func (s *DynamicClientStore) GetDynamicClient(ctx context.Context, id string) (*DynamicClient, error) {
	var client *DynamicClient

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketDynamicClients)).Get([]byte(id))
		if data == nil {
			return ErrDynamicClientNotFound
		}

		var stored DynamicClient
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("unmarshal dynamic client: %w", err)
		}

		if !stored.live(time.Now()) {
			return ErrDynamicClientNotFound
		}

		client = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	return client, nil
}

// CreateDynamicClient stores a new client. The client must already have had
// defaults applied and been validated.
func (s *DynamicClientStore) CreateDynamicClient(ctx context.Context, client config.Client, expiresAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		clientsBucket := tx.Bucket([]byte(bucketDynamicClients))

		if clientsBucket.Get([]byte(client.ID)) != nil {
			return fmt.Errorf("client %s already exists", client.ID)
		}

		data, err := json.Marshal(DynamicClient{
			Client:    client,
			CreatedAt: time.Now(),
			ExpiresAt: expiresAt,
			Active:    true,
		})
		if err != nil {
			return fmt.Errorf("marshal dynamic client: %w", err)
		}

		if err := clientsBucket.Put([]byte(client.ID), data); err != nil {
			return fmt.Errorf("store dynamic client: %w", err)
		}

		return nil
	})
}

// DeactivateDynamicClient deactivates a dynamic client
func (s *DynamicClientStore) DeactivateDynamicClient(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		clientsBucket := tx.Bucket([]byte(bucketDynamicClients))

		data := clientsBucket.Get([]byte(id))
		if data == nil {
			return ErrDynamicClientNotFound
		}

		var client DynamicClient
		if err := json.Unmarshal(data, &client); err != nil {
			return fmt.Errorf("unmarshal dynamic client: %w", err)
		}

		client.Active = false

		updatedData, err := json.Marshal(client)
		if err != nil {
			return fmt.Errorf("marshal dynamic client: %w", err)
		}

		if err := clientsBucket.Put([]byte(id), updatedData); err != nil {
			return fmt.Errorf("update dynamic client: %w", err)
		}

		return nil
	})
}

// ListActiveDynamicClients returns all active, non-expired dynamic clients
// sorted by creation date (most recent first)
func (s *DynamicClientStore) ListActiveDynamicClients(ctx context.Context) ([]*DynamicClient, error) {
	var clients []*DynamicClient

	err := s.db.View(func(tx *bolt.Tx) error {
		now := time.Now()
		return tx.Bucket([]byte(bucketDynamicClients)).ForEach(func(k, v []byte) error {
			var client DynamicClient
			if err := json.Unmarshal(v, &client); err != nil {
				return nil // Skip corrupted entries
			}
			if client.live(now) {
				clients = append(clients, &client)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("iterating dynamic clients: %w", err)
	}

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].CreatedAt.After(clients[j].CreatedAt)
	})

	return clients, nil
}

// CleanupExpiredDynamicClients removes expired or inactive dynamic clients.
// Returns the number of clients deleted.
func (s *DynamicClientStore) CleanupExpiredDynamicClients() (int, error) {
	var deletedCount int

	err := s.db.Update(func(tx *bolt.Tx) error {
		clientsBucket := tx.Bucket([]byte(bucketDynamicClients))

		now := time.Now()
		var toDelete [][]byte

		err := clientsBucket.ForEach(func(k, v []byte) error {
			var client DynamicClient
			if err := json.Unmarshal(v, &client); err != nil {
				// If we can't unmarshal, consider it corrupted and delete it
				toDelete = append(toDelete, k)
				return nil
			}
			if !client.live(now) {
				toDelete = append(toDelete, k)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterating dynamic clients: %w", err)
		}

		for _, key := range toDelete {
			if err := clientsBucket.Delete(key); err != nil {
				return fmt.Errorf("deleting expired/inactive client: %w", err)
			}
			deletedCount++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return deletedCount, nil
}
