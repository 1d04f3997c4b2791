package grant

import (
	"context"
	"fmt"
	"log/slog"

	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// RevokeRequest is a parsed revocation or introspection request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	Client        clientauth.Instruction
}

// Revoke removes an access or refresh token issued to the calling client.
type Revoke struct {
	Auth     *clientauth.Authenticator
	Clients  clients.Repository
	Tokens   tokens.TokenStore
	Settings Settings
	// AnonymousClientID is used when the caller can't be authenticated.
	AnonymousClientID string
}

// Execute reports whether a token was removed. An unknown token is not an
// error.
func (r *Revoke) Execute(ctx context.Context, req *RevokeRequest) (bool, error) {
	if req == nil {
		return false, oautherr.ErrNilParameter
	}
	if req.Token == "" {
		return false, oautherr.Request("the parameter token is missing")
	}

	client, err := authenticateOrAnonymous(ctx, r.Auth, r.Clients, req.Client, r.Settings.IssuerName(), r.AnonymousClientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, oautherr.Internal("the anonymous client is not configured")
	}

	remove := r.Tokens.RemoveAccessToken
	t, err := r.Tokens.GetAccessToken(ctx, req.Token)
	if err != nil {
		return false, fmt.Errorf("get access token: %w", err)
	}
	if t == nil {
		remove = r.Tokens.RemoveRefreshToken
		t, err = r.Tokens.GetRefreshToken(ctx, req.Token)
		if err != nil {
			return false, fmt.Errorf("get refresh token: %w", err)
		}
	}
	if t == nil {
		return false, nil
	}

	if t.ClientID != client.ID {
		return false, oautherr.Token("the token has not been issued for the client %s", client.ID)
	}

	removed, err := remove(ctx, req.Token)
	if err != nil {
		return false, fmt.Errorf("remove token: %w", err)
	}
	if removed {
		slog.InfoContext(ctx, "token revoked", "clientID", client.ID, "tokenID", t.ID)
	}
	return removed, nil
}
