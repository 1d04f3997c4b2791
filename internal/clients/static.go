package clients

import (
	"context"
	"fmt"

	"lds.li/tokenidp/internal/config"
)

var _ Repository = (*StaticClients)(nil)

// StaticClients serves the clients listed in the config file.
// The type is tagged, to enable loading from JSON/YAML.
type StaticClients struct {
	// Clients is the list of clients
	Clients []config.Client `json:"clients"`
}

// GetByID returns the client with the given ID, or ErrNotFound.
func (c *StaticClients) GetByID(_ context.Context, clientID string) (*config.Client, error) {
	for i := range c.Clients {
		if c.Clients[i].ID == clientID {
			return &c.Clients[i], nil
		}
	}
	return nil, fmt.Errorf("static client %s: %w", clientID, ErrNotFound)
}

func (c *StaticClients) GetAll(_ context.Context) ([]*config.Client, error) {
	out := make([]*config.Client, len(c.Clients))
	for i := range c.Clients {
		out[i] = &c.Clients[i]
	}
	return out, nil
}
