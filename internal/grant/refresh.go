package grant

import (
	"context"
	"fmt"
	"slices"
	"time"

	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

// Refresh exchanges a refresh token for a new token. The previous token stays
// valid until it expires; the new one records it as its parent.
type Refresh struct {
	Auth     *clientauth.Authenticator
	Tokens   tokens.TokenStore
	Issuer   *TokenIssuer
	Settings Settings
	Now      func() time.Time
}

func (r *Refresh) Execute(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	if req.RefreshToken == "" {
		return nil, oautherr.Request("the parameter refresh_token is missing")
	}

	client, err := authenticateClient(ctx, r.Auth, req.Client, r.Settings.IssuerName())
	if err != nil {
		return nil, err
	}
	if err := requireGrantType(client, config.GrantTypeRefreshToken); err != nil {
		return nil, err
	}

	parent, err := r.Tokens.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if parent == nil || parent.RefreshExpired(clock(r.Now).now()) {
		return nil, oautherr.Grant(oautherr.MsgRefreshTokenNotValid)
	}
	if parent.ClientID != client.ID {
		return nil, oautherr.Grant(oautherr.MsgRefreshTokenWrongIssuer)
	}

	scopes := parent.Scopes()
	if requested := req.Scopes(); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(scopes, s) {
				return nil, oautherr.Scope("the scope %s was not granted to the refresh token", s)
			}
		}
		scopes = requested
	}

	return r.Issuer.Issue(ctx, &Issuance{
		Client:          client,
		Scopes:          scopes,
		IDTokenPayload:  parent.IDTokenPayload,
		UserInfoPayload: parent.UserInfoPayload,
		ParentTokenID:   parent.ID,
		Refreshable:     true,
	})
}
