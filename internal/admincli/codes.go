package admincli

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"lds.li/tokenidp/internal/adminapi"
)

// IssueCodeCmd issues an authorization code on behalf of a user, for clients
// that are driven without an interactive login.
type IssueCodeCmd struct {
	User                string   `arg:"" help:"Username or ID of the user."`
	ClientID            string   `required:"" help:"Client the code is for."`
	RedirectURI         string   `required:"" help:"Registered redirect URI."`
	Scope               []string `default:"openid" help:"Scopes to grant. Repeatable."`
	State               string   `help:"State to echo back."`
	Nonce               string   `help:"Nonce to put in the ID token."`
	ACR                 string   `help:"Authentication context class to assert."`
	Claims              string   `help:"JSON claims request."`
	CodeChallenge       string   `help:"PKCE code challenge."`
	CodeChallengeMethod string   `default:"S256" help:"PKCE code challenge method."`

	target
}

func (c *IssueCodeCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	req := adminapi.IssueCodeRequest{
		User:          c.User,
		ClientID:      c.ClientID,
		RedirectURI:   c.RedirectURI,
		Scope:         strings.Join(c.Scope, " "),
		State:         c.State,
		Nonce:         c.Nonce,
		ACR:           c.ACR,
		Claims:        c.Claims,
		CodeChallenge: c.CodeChallenge,
	}
	if c.CodeChallenge != "" {
		req.CodeChallengeMethod = c.CodeChallengeMethod
	}
	var resp adminapi.IssueCodeResponse
	if err := c.client(adminSocket).DoJSON(ctx, http.MethodPost, "/admin/codes", req, &resp, http.StatusOK); err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Code: %s\n", resp.Code)
	fmt.Fprintf(c.out(), "Redirect: %s\n", resp.Redirect)
	return nil
}
