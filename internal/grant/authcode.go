package grant

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

const (
	pkceMethodS256  = "S256"
	pkceMethodPlain = "plain"
)

// AuthorizationCode exchanges an authorization code for tokens.
type AuthorizationCode struct {
	Auth     *clientauth.Authenticator
	Codes    tokens.CodeStore
	Issuer   *TokenIssuer
	Settings Settings
	Now      func() time.Time
}

func (a *AuthorizationCode) Execute(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	if req.Code == "" {
		return nil, oautherr.Request("the parameter code is missing")
	}

	client, code, err := a.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	// Everything above only read the code. Taking it is what makes the
	// exchange single use, so a concurrent redemption loses here.
	taken, err := a.Codes.Take(ctx, code.Code)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if taken == nil {
		slog.WarnContext(ctx, "authorization code already redeemed", "clientID", client.ID)
		return nil, oautherr.Grant(oautherr.MsgCodeNotCorrect)
	}

	t, _, err := a.Issuer.ReuseOrIssue(ctx, &Issuance{
		Client:          client,
		Scopes:          taken.Scopes,
		IDTokenPayload:  taken.IDTokenPayload,
		UserInfoPayload: taken.UserInfoPayload,
		Code:            taken.Code,
		Refreshable:     client.HasGrantType(config.GrantTypeRefreshToken),
	})
	return t, err
}

func (a *AuthorizationCode) validate(ctx context.Context, req *TokenRequest) (*config.Client, *tokens.AuthorizationCode, error) {
	client, err := authenticateClient(ctx, a.Auth, req.Client, a.Settings.IssuerName())
	if err != nil {
		return nil, nil, err
	}
	if err := requireGrantType(client, config.GrantTypeAuthorizationCode); err != nil {
		return nil, nil, err
	}
	if err := requireResponseType(client, config.ResponseTypeCode); err != nil {
		return nil, nil, err
	}

	code, err := a.Codes.Get(ctx, req.Code)
	if err != nil {
		return nil, nil, fmt.Errorf("get authorization code: %w", err)
	}
	if code == nil {
		return nil, nil, oautherr.Grant(oautherr.MsgCodeNotCorrect)
	}

	if !checkPKCE(client, req.CodeVerifier, code) {
		return nil, nil, oautherr.Grant(oautherr.MsgCodeVerifierNotCorrect)
	}

	if code.ClientID != client.ID {
		return nil, nil, oautherr.Grant("the authorization code has not been issued for the client %s", client.ID)
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, nil, oautherr.Grant("the redirect url is not the same as the one used to request the code")
	}

	if clock(a.Now).now().After(code.ExpiresAt(a.Settings.CodeValidityPeriod())) {
		return nil, nil, oautherr.Grant(oautherr.MsgCodeObsolete)
	}

	if !client.HasRedirectURL(req.RedirectURI) {
		return nil, nil, oautherr.Grant("the redirect url %s is not valid", req.RedirectURI)
	}
	return client, code, nil
}

// checkPKCE verifies the code verifier when the client requires PKCE, or the
// code was issued with a challenge.
func checkPKCE(client *config.Client, verifier string, code *tokens.AuthorizationCode) bool {
	if !client.RequirePKCE && code.CodeChallenge == "" {
		return true
	}
	if verifier == "" || code.CodeChallenge == "" {
		return false
	}
	var computed string
	switch code.CodeChallengeMethod {
	case pkceMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case pkceMethodPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) == 1
}
