package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/owners"
	"lds.li/tokenidp/internal/policy"
	"lds.li/tokenidp/internal/tokens"
)

// OwnerAuthenticator checks resource owner credentials.
type OwnerAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*config.User, error)
}

// Password implements the resource owner password credentials grant.
type Password struct {
	Auth      *clientauth.Authenticator
	Clients   clients.Repository
	Owners    OwnerAuthenticator
	Generator *claims.Generator
	// Policy evaluates the client's authorization policy. Optional.
	Policy   *policy.PolicyEvaluator
	Issuer   *TokenIssuer
	Settings Settings
	// AnonymousClientID is used when the request's client can't be
	// authenticated. Defaults to config.DefaultAnonymousClientID.
	AnonymousClientID string
	Now               func() time.Time
}

func (p *Password) Execute(ctx context.Context, req *TokenRequest) (*tokens.GrantedToken, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	if req.Username == "" || req.Password == "" {
		return nil, oautherr.Request("the parameters username and password are required")
	}

	client, err := authenticateOrAnonymous(ctx, p.Auth, p.Clients, req.Client, p.Settings.IssuerName(), p.AnonymousClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, oautherr.Client(oautherr.MsgClientCannotBeAuthenticated)
	}
	if err := requireGrantType(client, config.GrantTypePassword); err != nil {
		return nil, err
	}

	user, err := p.Owners.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, owners.ErrInvalidCredentials) {
		return nil, oautherr.Grant(oautherr.MsgResourceOwnerCredentials)
	} else if err != nil {
		return nil, fmt.Errorf("authenticate resource owner: %w", err)
	}

	scopes, err := checkScopes(client, req.Scopes())
	if err != nil {
		return nil, err
	}

	if p.Policy != nil {
		ok, err := p.Policy.EvaluateAuthorization(client.AuthorizationPolicy, user)
		if err != nil {
			return nil, fmt.Errorf("evaluate authorization policy for %s: %w", client.ID, err)
		}
		if !ok {
			slog.InfoContext(ctx, "authorization policy denied resource owner", "clientID", client.ID, "userID", user.ID)
			return nil, oautherr.Grant("the resource owner is not allowed to use the client %s", client.ID)
		}
	}

	principal := claims.PrincipalFromUser(user, clock(p.Now).now())
	principal.ACR = claims.PasswordACR
	ap := &claims.AuthorizationParameter{
		ClientID:  client.ID,
		Scope:     strings.Join(scopes, " "),
		AMRValues: req.AMRValues,
	}

	userInfo, err := p.Generator.GenerateUserInfoPayloadForScopes(ctx, principal, ap)
	if err != nil {
		return nil, err
	}
	var idToken jwt.Payload
	if hasOpenID(scopes) && client.HasResponseType(config.ResponseTypeIDToken) {
		idToken, err = p.Generator.GenerateIDTokenPayloadForScopes(ctx, principal, ap)
		if err != nil {
			return nil, err
		}
	}

	t, _, err := p.Issuer.ReuseOrIssue(ctx, &Issuance{
		Client:          client,
		Scopes:          scopes,
		IDTokenPayload:  idToken,
		UserInfoPayload: userInfo,
		Refreshable:     client.HasGrantType(config.GrantTypeRefreshToken),
	})
	return t, err
}

// authenticateOrAnonymous authenticates the client, falling back to the
// anonymous client when authentication fails. It returns nil, nil when
// neither is available.
func authenticateOrAnonymous(ctx context.Context, a *clientauth.Authenticator, repo clients.Repository, in clientauth.Instruction, issuer, anonymousID string) (*config.Client, error) {
	client, err := a.Authenticate(ctx, in, issuer)
	if err == nil {
		return client, nil
	}
	if !isAuthFailure(err) {
		return nil, fmt.Errorf("authenticate client: %w", err)
	}
	slog.DebugContext(ctx, "client authentication failed, using anonymous client", "error", err)

	if anonymousID == "" {
		anonymousID = config.DefaultAnonymousClientID
	}
	client, err = repo.GetByID(ctx, anonymousID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get anonymous client: %w", err)
	}
	return client, nil
}
