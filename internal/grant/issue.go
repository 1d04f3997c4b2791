package grant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/tokens"
)

// Issuance describes a token to mint.
type Issuance struct {
	Client          *config.Client
	Scopes          []string
	IDTokenPayload  jwt.Payload
	UserInfoPayload jwt.Payload
	// Code is the redeemed authorization code, hashed into c_hash.
	Code string
	// ParentTokenID links a refreshed token to its predecessor.
	ParentTokenID string
	// Refreshable issues a refresh token alongside the access token.
	Refreshable bool
}

// TokenIssuer mints and persists granted tokens.
type TokenIssuer struct {
	Tokens    tokens.TokenStore
	Generator *claims.Generator
	Settings  Settings
	Now       func() time.Time
}

// ReuseOrIssue returns a still valid token previously granted for the same
// client, scopes and claims, or issues a new one. The boolean reports reuse.
func (i *TokenIssuer) ReuseOrIssue(ctx context.Context, is *Issuance) (*tokens.GrantedToken, bool, error) {
	existing, err := i.Tokens.GetToken(ctx, is.Scopes, is.Client.ID, is.IDTokenPayload, is.UserInfoPayload)
	if err != nil {
		return nil, false, fmt.Errorf("look up granted token: %w", err)
	}
	if existing != nil && !existing.IsExpired(clock(i.Now).now()) {
		slog.DebugContext(ctx, "reusing granted token", "clientID", is.Client.ID, "tokenID", existing.ID)
		return existing, true, nil
	}
	t, err := i.Issue(ctx, is)
	return t, false, err
}

// Issue mints a new token, signs its ID token when it carries an ID token
// payload, and persists it.
func (i *TokenIssuer) Issue(ctx context.Context, is *Issuance) (*tokens.GrantedToken, error) {
	client := is.Client
	now := clock(i.Now).now()
	validity := client.AccessTokenValidity(i.Settings.TokenValidityPeriod())

	t := &tokens.GrantedToken{
		ID:              uuid.NewString(),
		TokenType:       tokens.TokenTypeBearer,
		Scope:           strings.Join(is.Scopes, " "),
		ClientID:        client.ID,
		ExpiresIn:       int64(validity / time.Second),
		CreatedAt:       now,
		ParentTokenID:   is.ParentTokenID,
		IDTokenPayload:  is.IDTokenPayload.Clone(),
		UserInfoPayload: is.UserInfoPayload.Clone(),
	}

	if client.JWTAccessTokens {
		p, err := i.Generator.GenerateAccessTokenPayload(client, is.Scopes)
		if err != nil {
			return nil, fmt.Errorf("build access token claims: %w", err)
		}
		if sub := t.Subject(); sub != "" {
			p[claims.Subject] = sub
		}
		at, err := i.Generator.Sign(ctx, p, accessTokenAlg(client))
		if err != nil {
			return nil, fmt.Errorf("sign access token: %w", err)
		}
		t.AccessToken = at
	} else {
		t.AccessToken = randomToken()
	}

	if is.Refreshable {
		t.RefreshToken = randomToken()
		t.RefreshExpiresAt = now.Add(client.RefreshTokenValidity(i.Settings.RefreshValidityPeriod()))
	}

	if t.IDTokenPayload != nil {
		if _, err := i.Generator.UpdatePayloadDate(t.IDTokenPayload, validity); err != nil {
			return nil, err
		}
		if err := i.Generator.FillInOtherClaimsIdentityTokenPayload(t.IDTokenPayload, is.Code, t.AccessToken, client); err != nil {
			return nil, err
		}
		idt, err := i.Generator.EncodeIDToken(ctx, t.IDTokenPayload, client)
		if err != nil {
			return nil, fmt.Errorf("encode id token: %w", err)
		}
		t.IDToken = idt
	}

	if err := i.Tokens.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("store granted token: %w", err)
	}
	return t, nil
}

// accessTokenAlg signs JWT access tokens like the client's ID tokens, but
// never unsigned.
func accessTokenAlg(client *config.Client) string {
	if alg := client.IDTokenSignedResponseAlg; alg != "" && alg != jwt.AlgNone {
		return alg
	}
	return "RS256"
}
