package grant

import (
	"context"

	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

// ClientCredentials issues tokens to a client acting on its own behalf. The
// tokens carry no resource owner claims and no refresh token.
type ClientCredentials struct {
	Auth     *clientauth.Authenticator
	Issuer   *TokenIssuer
	Settings Settings
}

func (c *ClientCredentials) Execute(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}

	client, err := authenticateClient(ctx, c.Auth, req.Client, c.Settings.IssuerName())
	if err != nil {
		return nil, err
	}
	if err := requireGrantType(client, config.GrantTypeClientCredentials); err != nil {
		return nil, err
	}
	if err := requireResponseType(client, config.ResponseTypeToken); err != nil {
		return nil, err
	}

	scopes, err := checkScopes(client, req.Scopes())
	if err != nil {
		return nil, err
	}

	t, _, err := c.Issuer.ReuseOrIssue(ctx, &Issuance{
		Client: client,
		Scopes: scopes,
	})
	return t, err
}
