package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// SecretType identifies how a client secret is checked.
type SecretType string

const (
	SecretSharedSecret   SecretType = "shared_secret"
	SecretX509Thumbprint SecretType = "x509_thumbprint"
	SecretX509Name       SecretType = "x509_name"

	// SecretSharedSecretSHA256 holds the hex SHA-256 of a shared secret. It
	// can authenticate basic and post requests, but not sign assertions.
	SecretSharedSecretSHA256 SecretType = "shared_secret_sha256"
)

// ClientSecret is a single credential registered for a client.
type ClientSecret struct {
	Type  SecretType `json:"type"`
	Value string     `json:"value"`
}

// UnmarshalJSON accepts either the object form or a bare string, which is
// treated as a shared secret.
func (s *ClientSecret) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = ClientSecret{Type: SecretSharedSecret, Value: str}
		return nil
	}
	type plain ClientSecret
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Type == "" {
		p.Type = SecretSharedSecret
	}
	*s = ClientSecret(p)
	return nil
}

// AuthMethod is a token endpoint authentication method.
type AuthMethod string

const (
	AuthClientSecretBasic AuthMethod = "client_secret_basic"
	AuthClientSecretPost  AuthMethod = "client_secret_post"
	AuthClientSecretJWT   AuthMethod = "client_secret_jwt"
	AuthPrivateKeyJWT     AuthMethod = "private_key_jwt"
	AuthTLSClient         AuthMethod = "tls_client_auth"
	AuthNone              AuthMethod = "none"
)

func (m AuthMethod) valid() bool {
	switch m {
	case AuthClientSecretBasic, AuthClientSecretPost, AuthClientSecretJWT,
		AuthPrivateKeyJWT, AuthTLSClient, AuthNone:
		return true
	}
	return false
}

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"

	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Client represents an individual oauth2/oidc client.
type Client struct {
	// ID is the identifier for this client, corresponds to the client ID.
	ID string `json:"id"`
	// Secrets are the credentials for this client. Plain strings are shared
	// secrets; objects can carry x509 thumbprints or subject names for
	// tls_client_auth.
	Secrets []ClientSecret `json:"clientSecrets,omitempty"`
	// RedirectURLs is a list of valid redirect URLs for this client. These are
	// an exact match.
	RedirectURLs []string `json:"redirectURLs,omitempty"`
	// GrantTypes the client may use. Defaults to authorization_code.
	GrantTypes []string `json:"grantTypes,omitempty"`
	// ResponseTypes the client may use. Defaults to code.
	ResponseTypes []string `json:"responseTypes,omitempty"`
	// Scopes the client is allowed to request.
	Scopes []string `json:"scopes,omitempty"`
	// TokenEndpointAuthMethod is how the client authenticates at the token
	// endpoint. Defaults to client_secret_basic.
	TokenEndpointAuthMethod AuthMethod `json:"tokenEndpointAuthMethod,omitempty"`

	// IDTokenSignedResponseAlg defaults to RS256.
	IDTokenSignedResponseAlg    string `json:"idTokenSignedResponseAlg,omitempty"`
	IDTokenEncryptedResponseAlg string `json:"idTokenEncryptedResponseAlg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"idTokenEncryptedResponseEnc,omitempty"`

	UserinfoSignedResponseAlg    string `json:"userinfoSignedResponseAlg,omitempty"`
	UserinfoEncryptedResponseAlg string `json:"userinfoEncryptedResponseAlg,omitempty"`
	UserinfoEncryptedResponseEnc string `json:"userinfoEncryptedResponseEnc,omitempty"`

	// JWKS holds the client's public keys, used for private_key_jwt.
	JWKS *jose.JSONWebKeySet `json:"jwks,omitempty"`
	// JWKSURI is fetched when JWKS is not set.
	JWKSURI string `json:"jwksURI,omitempty"`

	// RequirePKCE forces the authorization code exchange to present a valid
	// code_verifier.
	RequirePKCE bool `json:"requirePKCE,omitempty"`
	// JWTAccessTokens issues signed JWT access tokens instead of opaque ones.
	JWTAccessTokens bool `json:"jwtAccessTokens,omitempty"`

	// TokenValidity overrides the default validity time for ID/access tokens.
	// Go duration format.
	TokenValidity JSONDuration `json:"tokenValidity,omitempty"`
	// RefreshValidity overrides the default validity time for refresh tokens.
	// Go duration format.
	RefreshValidity JSONDuration `json:"refreshValidity,omitempty"`

	// ClaimsPolicy is a CEL expression that can be used to modify the claims
	// for this client.
	ClaimsPolicy string `json:"claimsPolicy,omitempty"`
	// AuthorizationPolicy is a CEL expression that can be used to determine if
	// a user is authorized to access this client.
	AuthorizationPolicy string `json:"authorizationPolicy,omitempty"`
	// RequiredGroups is a list of group names that the user must be a member of
	// to access this client. This is a convenience field that is converted to
	// an AuthorizationPolicy. Both can not be specified at the same time.
	RequiredGroups []string `json:"requiredGroups,omitempty"`

	derivedPolicy bool
}

// SetDefaults fills in the registration defaults.
func (c *Client) SetDefaults() {
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{GrantTypeAuthorizationCode}
	}
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{ResponseTypeCode}
	}
	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = AuthClientSecretBasic
	}
	if c.IDTokenSignedResponseAlg == "" {
		c.IDTokenSignedResponseAlg = string(jose.RS256)
	}
	if len(c.RequiredGroups) > 0 && c.AuthorizationPolicy == "" {
		quoted := make([]string, len(c.RequiredGroups))
		for i, g := range c.RequiredGroups {
			quoted[i] = fmt.Sprintf("%q", g)
		}
		c.AuthorizationPolicy = fmt.Sprintf("user.groups.exists(g, g in [%s])", strings.Join(quoted, ", "))
		c.derivedPolicy = true
	}
}

// Validate checks the client's registration is usable by the token engine.
func (c *Client) Validate() error {
	var validErr error
	if c.ID == "" {
		validErr = errors.Join(validErr, fmt.Errorf("client missing ID"))
	}
	if !c.TokenEndpointAuthMethod.valid() {
		validErr = errors.Join(validErr, fmt.Errorf("client %s has unknown auth method %q", c.ID, c.TokenEndpointAuthMethod))
	}
	switch c.TokenEndpointAuthMethod {
	case AuthClientSecretBasic, AuthClientSecretPost:
		if len(c.SecretsOfType(SecretSharedSecret))+len(c.SecretsOfType(SecretSharedSecretSHA256)) == 0 {
			validErr = errors.Join(validErr, fmt.Errorf("client %s uses %s but has no shared secret", c.ID, c.TokenEndpointAuthMethod))
		}
	case AuthClientSecretJWT:
		if len(c.SecretsOfType(SecretSharedSecret)) == 0 {
			validErr = errors.Join(validErr, fmt.Errorf("client %s uses %s but has no shared secret", c.ID, c.TokenEndpointAuthMethod))
		}
	case AuthPrivateKeyJWT:
		if c.JWKS == nil && c.JWKSURI == "" {
			validErr = errors.Join(validErr, fmt.Errorf("client %s uses private_key_jwt but has no jwks or jwksURI", c.ID))
		}
	case AuthTLSClient:
		if len(c.SecretsOfType(SecretX509Thumbprint))+len(c.SecretsOfType(SecretX509Name)) == 0 {
			validErr = errors.Join(validErr, fmt.Errorf("client %s uses tls_client_auth but has no x509 secret", c.ID))
		}
	}
	if c.HasGrantType(GrantTypeAuthorizationCode) && len(c.RedirectURLs) == 0 {
		validErr = errors.Join(validErr, fmt.Errorf("client %s missing redirect URLs", c.ID))
	}
	if len(c.RequiredGroups) > 0 && c.AuthorizationPolicy != "" && !c.derivedPolicy {
		validErr = errors.Join(validErr, fmt.Errorf("client %s sets both requiredGroups and authorizationPolicy", c.ID))
	}
	if c.JWKS != nil {
		for _, k := range c.JWKS.Keys {
			if !k.Valid() {
				validErr = errors.Join(validErr, fmt.Errorf("client %s has an invalid key %q in jwks", c.ID, k.KeyID))
			}
		}
	}
	return validErr
}

// SecretsOfType returns the values of the client's secrets of the given type.
func (c *Client) SecretsOfType(t SecretType) []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == t {
			out = append(out, s.Value)
		}
	}
	return out
}

func (c *Client) HasGrantType(gt string) bool {
	return slices.Contains(c.GrantTypes, gt)
}

func (c *Client) HasResponseType(rt string) bool {
	return slices.Contains(c.ResponseTypes, rt)
}

// AllowsScope reports whether the client registered the scope.
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func (c *Client) HasRedirectURL(u string) bool {
	return slices.Contains(c.RedirectURLs, u)
}

// AccessTokenValidity returns the client override, or def when unset.
func (c *Client) AccessTokenValidity(def time.Duration) time.Duration {
	if c.TokenValidity != 0 {
		return c.TokenValidity.Duration()
	}
	return def
}

// RefreshTokenValidity returns the client override, or def when unset.
func (c *Client) RefreshTokenValidity(def time.Duration) time.Duration {
	if c.RefreshValidity != 0 {
		return c.RefreshValidity.Duration()
	}
	return def
}
