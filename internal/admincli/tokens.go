package admincli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"lds.li/tokenidp/internal/adminapi"
)

// TokensCmd groups the token subcommands.
type TokensCmd struct {
	List   ListTokensCmd  `cmd:"" help:"List issued tokens."`
	Revoke RevokeTokenCmd `cmd:"" help:"Revoke a token by its access or refresh token value."`
}

type ListTokensCmd struct {
	ClientID string `help:"Only list tokens issued to this client."`

	target
}

func (c *ListTokensCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	path := "/admin/tokens"
	if c.ClientID != "" {
		path += "?client_id=" + url.QueryEscape(c.ClientID)
	}
	var resp adminapi.ListTokensResponse
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
		return err
	}

	if len(resp.Tokens) == 0 {
		fmt.Fprintf(c.out(), "No tokens found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tClient\tSubject\tScope\tExpires At\tState\n")
	for _, t := range resp.Tokens {
		state := "active"
		if t.Expired {
			state = "expired"
			if t.Refreshable {
				state = "refreshable"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.ClientID,
			t.Subject,
			t.Scope,
			t.ExpiresAt.Format(time.RFC3339),
			state,
		)
	}
	return w.Flush()
}

type RevokeTokenCmd struct {
	Token string `arg:"" help:"Access or refresh token value."`

	target
}

func (c *RevokeTokenCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodDelete, "/admin/tokens/"+url.PathEscape(c.Token), nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Token revoked.\n")
	return nil
}
