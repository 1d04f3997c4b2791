// Package claims assembles the ID token, user info and access token claim
// sets, and signs or encrypts them with the server keys.
package claims

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"lds.li/tokenidp/internal/config"
)

// Claim names used by the generator.
const (
	Issuer          = "iss"
	Audience        = "aud"
	Expiration      = "exp"
	IssuedAt        = "iat"
	AuthTime        = "auth_time"
	Nonce           = "nonce"
	ACR             = "acr"
	AMR             = "amr"
	AuthorizedParty = "azp"
	Subject         = "sub"
	CodeHash        = "c_hash"
	AccessHash      = "at_hash"
	ClientID        = "client_id"
	Scope           = "scope"
	JWTID           = "jti"

	PasswordACR = "openid.pape.auth_level.ns.password=1"
	passwordAMR = "password"
	ScopeOpenID = "openid"
)

// resourceOwnerClaims are the standard claims that describe the resource
// owner, as opposed to the token itself.
var resourceOwnerClaims = []string{
	"sub", "name", "given_name", "family_name", "middle_name", "nickname",
	"preferred_username", "profile", "picture", "website", "email",
	"email_verified", "gender", "birthdate", "zoneinfo", "locale",
	"phone_number", "phone_number_verified", "address", "updated_at", "role",
}

// Principal is an authenticated resource owner.
type Principal struct {
	Subject string
	// Claims are the resource owner's OpenID claims, keyed by claim name.
	Claims map[string]any
	// AuthTime is when the owner authenticated. A zero value means the
	// principal is not authenticated.
	AuthTime time.Time
	// ACR is the authentication context class the owner authenticated
	// with, e.g. PasswordACR. Empty when unknown.
	ACR string
	// User is set when the principal comes from the configured users, and
	// lets client claim policies run.
	User *config.User
}

// IsAuthenticated reports whether the principal can be issued tokens.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.Subject != "" && !p.AuthTime.IsZero()
}

// PrincipalFromUser maps a configured user onto the standard claims.
func PrincipalFromUser(u *config.User, authTime time.Time) *Principal {
	c := map[string]any{}
	for k, v := range u.Claims {
		c[k] = v
	}
	c["sub"] = u.ID.String()
	if u.FullName != "" {
		c["name"] = u.FullName
	}
	if u.Email != "" {
		c["email"] = u.Email
		c["email_verified"] = u.EmailVerified
	}
	if u.PreferredUsername != "" {
		c["preferred_username"] = u.PreferredUsername
	}
	if len(u.Groups) > 0 {
		c["role"] = slices.Clone(u.Groups)
	}
	return &Principal{
		Subject:  u.ID.String(),
		Claims:   c,
		AuthTime: authTime,
		User:     u,
	}
}

// AuthorizationParameter carries the parts of the original authorization
// request that shape the issued claims.
type AuthorizationParameter struct {
	ClientID  string
	Scope     string
	State     string
	Nonce     string
	MaxAge    time.Duration
	AMRValues []string
}

// Scopes splits the space separated scope.
func (a *AuthorizationParameter) Scopes() []string {
	return strings.Fields(a.Scope)
}

// Parameter is a single claim requested through the claims request
// parameter, with its constraints.
type Parameter struct {
	Name      string
	Essential bool
	// Value, when set, must equal the claim.
	Value string
	// Values, when set, must contain the claim.
	Values []string
}

func (p *Parameter) hasValue() bool {
	return p.Value != ""
}

// validate checks a single valued claim against the parameter.
func (p *Parameter) validate(value string) bool {
	if p.Essential && strings.TrimSpace(value) == "" {
		return false
	}
	if p.hasValue() && value != p.Value {
		return false
	}
	if len(p.Values) > 0 && !slices.Contains(p.Values, value) {
		return false
	}
	return true
}

// validateMany checks a multi valued claim, such as aud or amr.
func (p *Parameter) validateMany(values []string) bool {
	if p.Essential && len(values) == 0 {
		return false
	}
	if p.hasValue() && !slices.Contains(values, p.Value) {
		return false
	}
	for _, v := range p.Values {
		if !slices.Contains(values, v) {
			return false
		}
	}
	return true
}

func findParameter(params []Parameter, name string) *Parameter {
	for i := range params {
		if params[i].Name == name {
			return &params[i]
		}
	}
	return nil
}

// Request is a parsed OpenID Connect claims request parameter.
type Request struct {
	IDToken  []Parameter
	UserInfo []Parameter
}

type requestedClaim struct {
	Essential bool  `json:"essential"`
	Value     any   `json:"value"`
	Values    []any `json:"values"`
}

// ParseRequest parses the JSON claims request parameter, e.g.
// {"id_token":{"acr":{"essential":true}},"userinfo":{"email":null}}.
func ParseRequest(s string) (*Request, error) {
	if s == "" {
		return &Request{}, nil
	}
	var raw struct {
		IDToken  map[string]*requestedClaim `json:"id_token"`
		UserInfo map[string]*requestedClaim `json:"userinfo"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode claims request: %w", err)
	}
	return &Request{
		IDToken:  toParameters(raw.IDToken),
		UserInfo: toParameters(raw.UserInfo),
	}, nil
}

func toParameters(m map[string]*requestedClaim) []Parameter {
	var out []Parameter
	for name, rc := range m {
		p := Parameter{Name: name}
		if rc != nil {
			p.Essential = rc.Essential
			if rc.Value != nil {
				p.Value = claimString(rc.Value)
			}
			for _, v := range rc.Values {
				p.Values = append(p.Values, claimString(v))
			}
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Parameter) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// claimString renders a claim value for comparison with a requested value.
func claimString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
