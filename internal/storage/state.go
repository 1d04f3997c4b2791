package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var buckets = []string{
	bucketAuthCodes,
	bucketTokens,
	bucketAccessTokens,
	bucketRefreshTokens,
	bucketKeys,
	bucketDynamicClients,
}

// State represents the on-disk runtime state for the IDP.
type State struct {
	db   *bolt.DB
	path string
}

// Close closes the BoltDB database
func (s *State) Close() error {
	return s.db.Close()
}

func NewState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	return &State{db: db, path: path}, nil
}

// DB exposes the underlying database, for the read-only inspection commands.
func (s *State) DB() *bolt.DB {
	return s.db
}

func (s *State) CodeStore() *CodeStore {
	return &CodeStore{db: s.db}
}

func (s *State) TokenStore() *TokenStore {
	return &TokenStore{db: s.db}
}

func (s *State) KeyStore() *KeyStore {
	return &KeyStore{db: s.db}
}

func (s *State) DynamicClientStore() *DynamicClientStore {
	return &DynamicClientStore{db: s.db}
}

// GarbageCollect removes codes older than codeValidity, tokens whose access
// and refresh validity have both passed, and expired dynamic clients.
func (s *State) GarbageCollect(codeValidity time.Duration) error {
	codes, err := s.CodeStore().GarbageCollect(codeValidity)
	if err != nil {
		return fmt.Errorf("collect codes: %w", err)
	}
	toks, err := s.TokenStore().GarbageCollect()
	if err != nil {
		return fmt.Errorf("collect tokens: %w", err)
	}
	clients, err := s.DynamicClientStore().CleanupExpiredDynamicClients()
	if err != nil {
		return fmt.Errorf("collect dynamic clients: %w", err)
	}
	slog.Info("state garbage collected", "codesDeleted", codes, "tokensDeleted", toks, "dynamicClientsDeleted", clients)
	return nil
}

// GarbageCollector returns a run.Group actor that runs GarbageCollect every
// interval and keeps the state metrics current.
func (s *State) GarbageCollector(interval, codeValidity time.Duration) (func() error, func(error)) {
	ctx, cancel := context.WithCancel(context.Background())
	return func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				s.reportMetrics()
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := s.GarbageCollect(codeValidity); err != nil {
						slog.Error("state garbage collection failed", "error", err)
					}
				}
			}
		}, func(error) {
			cancel()
		}
}

func (s *State) reportMetrics() {
	reportStateFileSize(s.path)
	if err := s.db.View(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			stateBucketKeys.WithLabelValues(b).Set(float64(tx.Bucket([]byte(b)).Stats().KeyN))
		}
		return nil
	}); err != nil {
		slog.Warn("reading bucket stats failed", "error", err)
	}
}

func getFileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
