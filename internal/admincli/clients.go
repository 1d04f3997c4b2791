package admincli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lds.li/tokenidp/internal/adminapi"
	"lds.li/tokenidp/internal/clients"
)

// ClientsCmd groups the dynamic client subcommands.
type ClientsCmd struct {
	Register   RegisterClientCmd   `cmd:"" help:"Register a dynamic client."`
	Deactivate DeactivateClientCmd `cmd:"" help:"Deactivate a dynamic client."`
}

type RegisterClientCmd struct {
	Name         string   `help:"Human readable client name."`
	RedirectURIs []string `name:"redirect-uri" help:"Allowed redirect URI. Repeatable."`
	GrantTypes   []string `name:"grant-type" help:"Grant type the client may use. Repeatable."`
	Scope        []string `help:"Scope the client may request. Repeatable."`
	AuthMethod   string   `default:"client_secret_basic" help:"Token endpoint authentication method."`
	Application  string   `default:"web" enum:"web,native,spa" help:"Application type."`

	target
}

func (c *RegisterClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	req := clients.RegistrationRequest{
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		Scope:                   strings.Join(c.Scope, " "),
		TokenEndpointAuthMethod: c.AuthMethod,
		ApplicationType:         c.Application,
	}
	var resp clients.RegistrationResponse
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodPost, "/admin/clients", req, &resp, http.StatusCreated); err != nil {
		return err
	}

	fmt.Fprintf(c.out(), "Client ID: %s\n", resp.ClientID)
	if resp.ClientSecret != "" {
		fmt.Fprintf(c.out(), "Client Secret: %s\n", resp.ClientSecret)
	}
	fmt.Fprintf(c.out(), "Expires At: %s\n", time.Unix(resp.ClientSecretExpiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

type DeactivateClientCmd struct {
	ClientID string `arg:"" help:"ID of the dynamic client."`

	target
}

func (c *DeactivateClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodDelete, "/admin/clients/"+url.PathEscape(c.ClientID), nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Client %s deactivated.\n", c.ClientID)
	return nil
}
