// Package tokens holds the authorization code and granted token records, and
// the repository contracts the grant actions persist them through.
package tokens

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"lds.li/tokenidp/internal/jwt"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// AuthorizationCode is issued by the authorization step and redeemed once at
// the token endpoint.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	Scopes      []string  `json:"scopes"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// IDTokenPayload and UserInfoPayload are captured when the code is
	// issued, so claims derived from consent survive into the exchange.
	IDTokenPayload  jwt.Payload `json:"id_token_payload,omitempty"`
	UserInfoPayload jwt.Payload `json:"userinfo_payload,omitempty"`
}

// ExpiresAt returns when the code stops being redeemable, given the configured
// code validity.
func (c *AuthorizationCode) ExpiresAt(validity time.Duration) time.Time {
	return c.CreatedAt.Add(validity)
}

// GrantedToken is the persisted record behind an issued access, refresh and ID
// token triple.
type GrantedToken struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ClientID     string    `json:"client_id"`
	ExpiresIn    int64     `json:"expires_in"`
	CreatedAt    time.Time `json:"created_at"`
	// RefreshExpiresAt bounds how long the refresh token may be exchanged.
	// Zero means it lives as long as the access token.
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	// ParentTokenID links a token minted by a refresh to the one it was
	// refreshed from.
	ParentTokenID string `json:"parent_token_id,omitempty"`

	IDTokenPayload  jwt.Payload `json:"id_token_payload,omitempty"`
	UserInfoPayload jwt.Payload `json:"userinfo_payload,omitempty"`
}

// ExpiresAt is when the access token stops being valid.
func (t *GrantedToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether the access token has expired at now.
func (t *GrantedToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// RefreshExpired reports whether the refresh token can no longer be exchanged.
func (t *GrantedToken) RefreshExpired(now time.Time) bool {
	if t.RefreshExpiresAt.IsZero() {
		return t.IsExpired(now)
	}
	return now.After(t.RefreshExpiresAt)
}

// Scopes splits the scope string.
func (t *GrantedToken) Scopes() []string {
	return strings.Fields(t.Scope)
}

// Subject returns the sub claim the token was issued for, if any.
func (t *GrantedToken) Subject() string {
	if s := t.IDTokenPayload.String("sub"); s != "" {
		return s
	}
	return t.UserInfoPayload.String("sub")
}

// Matches reports whether t was issued for the same client, scope set and
// resource-owner claims. It decides whether a still-valid token can be handed
// out again instead of minting a new one.
func (t *GrantedToken) Matches(scopes []string, clientID string, idPayload, userInfoPayload jwt.Payload) bool {
	if t.ClientID != clientID {
		return false
	}
	if !sameScopes(t.Scopes(), scopes) {
		return false
	}
	return SamePayload(t.IDTokenPayload, idPayload) && SamePayload(t.UserInfoPayload, userInfoPayload)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// Get returns the code, or nil if it does not exist.
	Get(ctx context.Context, code string) (*AuthorizationCode, error)
	Insert(ctx context.Context, code *AuthorizationCode) error
	// Remove deletes the code, reporting whether it existed.
	Remove(ctx context.Context, code string) (bool, error)
	// Take atomically returns and deletes the code. Of any number of
	// concurrent calls for one code, at most one gets a non-nil result.
	Take(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists granted tokens, indexed by access and refresh token
// value. Lookups return nil, nil when nothing matches.
type TokenStore interface {
	Insert(ctx context.Context, token *GrantedToken) error
	// GetToken returns the most recent token for which Matches holds.
	GetToken(ctx context.Context, scopes []string, clientID string, idPayload, userInfoPayload jwt.Payload) (*GrantedToken, error)
	GetAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error)
	GetRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)
	// RemoveAccessToken and RemoveRefreshToken delete the whole record the
	// value belongs to, reporting whether it existed.
	RemoveAccessToken(ctx context.Context, accessToken string) (bool, error)
	RemoveRefreshToken(ctx context.Context, refreshToken string) (bool, error)
}

// TokenLister is implemented by stores that can enumerate their tokens.
type TokenLister interface {
	ListTokens(ctx context.Context) ([]*GrantedToken, error)
}

// volatileClaims change on every issuance and don't identify the resource
// owner.
var volatileClaims = []string{"iat", "exp", "auth_time", "nonce", "c_hash", "at_hash", "jti", "nbf"}

// SamePayload compares two claim sets, ignoring the time and hash claims and
// the case of string values. Claims are compared in their JSON form so values
// that went through a store round trip compare equal to fresh ones.
func SamePayload(a, b jwt.Payload) bool {
	na, nb := normalizePayload(a), normalizePayload(b)
	if len(na) != len(nb) {
		return false
	}
	for k, va := range na {
		vb, ok := nb[k]
		if !ok || va != vb {
			return false
		}
	}
	return true
}

func normalizePayload(p jwt.Payload) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		if slices.Contains(volatileClaims, k) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = strings.ToLower(string(b))
	}
	return out
}

func sameScopes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Clone returns a copy whose payload maps are not shared with t.
func (t *GrantedToken) Clone() *GrantedToken {
	c := *t
	c.IDTokenPayload = t.IDTokenPayload.Clone()
	c.UserInfoPayload = t.UserInfoPayload.Clone()
	return &c
}

// Clone returns a copy whose slices and payload maps are not shared with c.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	n := *c
	n.Scopes = slices.Clone(c.Scopes)
	n.IDTokenPayload = c.IDTokenPayload.Clone()
	n.UserInfoPayload = c.UserInfoPayload.Clone()
	return &n
}
