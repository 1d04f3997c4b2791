package clients

import (
	"context"
	"errors"

	"lds.li/tokenidp/internal/config"
)

// ErrNotFound is returned when no source knows the client.
var ErrNotFound = errors.New("client not found")

// Repository looks up registered clients. The returned clients must not be
// modified.
type Repository interface {
	GetByID(ctx context.Context, clientID string) (*config.Client, error)
	GetAll(ctx context.Context) ([]*config.Client, error)
}

var _ Repository = (*MultiClients)(nil)

// MultiClients combines multiple client sources, with static clients taking precedence
type MultiClients struct {
	Static  *StaticClients
	Dynamic *DynamicClients
}

// NewMultiClients creates a new MultiClients instance
func NewMultiClients(static *StaticClients, dynamic *DynamicClients) *MultiClients {
	return &MultiClients{
		Static:  static,
		Dynamic: dynamic,
	}
}

// GetByID returns the client, preferring a static one when both sources know
// the ID.
func (m *MultiClients) GetByID(ctx context.Context, clientID string) (*config.Client, error) {
	if m.Static != nil {
		c, err := m.Static.GetByID(ctx, clientID)
		if err == nil {
			return c, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if m.Dynamic != nil {
		return m.Dynamic.GetByID(ctx, clientID)
	}
	return nil, ErrNotFound
}

// GetAll returns the static clients followed by the live dynamic ones. A
// dynamic client shadowed by a static one is omitted.
func (m *MultiClients) GetAll(ctx context.Context) ([]*config.Client, error) {
	var all []*config.Client
	seen := map[string]bool{}
	if m.Static != nil {
		cs, err := m.Static.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cs {
			seen[c.ID] = true
			all = append(all, c)
		}
	}
	if m.Dynamic != nil {
		cs, err := m.Dynamic.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cs {
			if !seen[c.ID] {
				all = append(all, c)
			}
		}
	}
	return all, nil
}
