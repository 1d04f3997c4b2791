package grant

import (
	"context"
	"fmt"
	"time"

	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/tokens"
)

// IntrospectionResult is the RFC 7662 introspection response.
type IntrospectionResult struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
}

// Introspect reports on an access or refresh token to an authenticated
// client.
type Introspect struct {
	Auth     *clientauth.Authenticator
	Tokens   tokens.TokenStore
	Settings Settings
	Now      func() time.Time
}

// Execute looks the token up in the order the hint suggests, access token
// first by default. An unknown token is invalid_token.
func (i *Introspect) Execute(ctx context.Context, req *RevokeRequest) (*IntrospectionResult, error) {
	if req == nil {
		return nil, oautherr.ErrNilParameter
	}
	if req.Token == "" {
		return nil, oautherr.Request("the parameter token is missing")
	}

	if _, err := authenticateClient(ctx, i.Auth, req.Client, i.Settings.IssuerName()); err != nil {
		return nil, err
	}

	type lookup struct {
		get     func(context.Context, string) (*tokens.GrantedToken, error)
		refresh bool
	}
	lookups := []lookup{{get: i.Tokens.GetAccessToken}, {get: i.Tokens.GetRefreshToken, refresh: true}}
	if req.TokenTypeHint == HintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	var (
		t         *tokens.GrantedToken
		isRefresh bool
	)
	for _, l := range lookups {
		var err error
		t, err = l.get(ctx, req.Token)
		if err != nil {
			return nil, fmt.Errorf("look up token: %w", err)
		}
		if t != nil {
			isRefresh = l.refresh
			break
		}
	}
	if t == nil {
		return nil, oautherr.Token("the token is not valid")
	}

	now := clock(i.Now).now()
	active, exp := !t.IsExpired(now), t.ExpiresAt()
	// a refresh token outlives the access token it was issued with
	if isRefresh {
		active = !t.RefreshExpired(now)
		if !t.RefreshExpiresAt.IsZero() {
			exp = t.RefreshExpiresAt
		}
	}

	res := &IntrospectionResult{
		Active:    active,
		Scope:     t.Scope,
		ClientID:  t.ClientID,
		TokenType: t.TokenType,
		Expiry:    exp.Unix(),
		IssuedAt:  t.CreatedAt.Unix(),
		Subject:   t.Subject(),
		Issuer:    i.Settings.IssuerName(),
	}
	if p := t.IDTokenPayload; p != nil {
		res.Audience = p.Strings(claims.Audience)
		if iss := p.String(claims.Issuer); iss != "" {
			res.Issuer = iss
		}
	}
	for _, p := range []map[string]any{t.IDTokenPayload, t.UserInfoPayload} {
		if res.Username != "" {
			break
		}
		if u, ok := p["preferred_username"].(string); ok {
			res.Username = u
		} else if u, ok := p["name"].(string); ok {
			res.Username = u
		}
	}
	return res, nil
}
