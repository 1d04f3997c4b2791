package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
)

// DefaultAnonymousClientID is the client used by the password grant and
// revocation when the caller does not authenticate.
const DefaultAnonymousClientID = "anonymous"

type Config struct {
	// Issuer is the issuer URL for this config.
	Issuer string `json:"issuer"`
	// ParsedIssuer is the parsed issuer URL, this happens at load time.
	ParsedIssuer *url.URL `json:"-"`
	// Clients is a list of fixed clients for this issuer.
	Clients []Client `json:"clients,omitempty"`
	// Users is a list of resource owners for this issuer.
	Users Users `json:"users,omitempty"`
	// Scopes extends or overrides the default scope set.
	Scopes []Scope `json:"scopes,omitempty"`

	// TokenValidity is the duration a token is valid for. Defaults to 1h.
	TokenValidity string `json:"token_validity,omitempty"`
	// ParsedTokenValidity is the parsed token validity.
	ParsedTokenValidity time.Duration `json:"-"`

	// RefreshValidity is the duration a refresh token is valid for. Defaults to 24h.
	RefreshValidity string `json:"refresh_validity,omitempty"`
	// ParsedRefreshValidity is the parsed refresh validity.
	ParsedRefreshValidity time.Duration `json:"-"`

	// CodeValidity is how long an authorization code can be exchanged after
	// it was issued. Defaults to 5m.
	CodeValidity string `json:"code_validity,omitempty"`
	// ParsedCodeValidity is the parsed code validity.
	ParsedCodeValidity time.Duration `json:"-"`

	// JWKSFetchTimeout bounds the request made to a client's jwks_uri.
	// Defaults to 5s.
	JWKSFetchTimeout string `json:"jwks_fetch_timeout,omitempty"`
	// ParsedJWKSFetchTimeout is the parsed fetch timeout.
	ParsedJWKSFetchTimeout time.Duration `json:"-"`

	// AnonymousClientID is the client used when password grant or revocation
	// requests come in without client authentication.
	AnonymousClientID string `json:"anonymous_client_id,omitempty"`

	// AllowUnsignedTokens permits the parser to accept JWS with alg "none".
	// Off unless explicitly enabled.
	AllowUnsignedTokens bool `json:"allow_unsigned_tokens,omitempty"`

	scopes Scopes
}

// ParseConfig parses the config from the given file, expanding environment
// variables and validating the config.
func ParseConfig(file []byte) (*Config, error) {
	scb := []byte(os.Expand(string(file), getenvWithDefault))
	scb, err := hujson.Standardize(scb)
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}
	var c Config
	dec := json.NewDecoder(bytes.NewReader(scb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.SetDefaults(); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) SetDefaults() error {
	if c.TokenValidity == "" {
		c.TokenValidity = "1h"
	}
	if c.RefreshValidity == "" {
		c.RefreshValidity = "24h"
	}
	if c.CodeValidity == "" {
		c.CodeValidity = "5m"
	}
	if c.JWKSFetchTimeout == "" {
		c.JWKSFetchTimeout = "5s"
	}
	if c.AnonymousClientID == "" {
		c.AnonymousClientID = DefaultAnonymousClientID
	}
	for i := range c.Clients {
		c.Clients[i].SetDefaults()
	}
	c.scopes = mergeScopes(DefaultScopes(), c.Scopes)
	return nil
}

func (c *Config) Validate() error {
	var validErr error

	parse := func(name, v string, into *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			validErr = errors.Join(validErr, fmt.Errorf("invalid %s: %w", name, err))
		}
		*into = d
	}
	parse("token validity", c.TokenValidity, &c.ParsedTokenValidity)
	parse("refresh validity", c.RefreshValidity, &c.ParsedRefreshValidity)
	parse("code validity", c.CodeValidity, &c.ParsedCodeValidity)
	parse("jwks fetch timeout", c.JWKSFetchTimeout, &c.ParsedJWKSFetchTimeout)

	if c.Issuer == "" {
		validErr = errors.Join(validErr, fmt.Errorf("issuer is required"))
	} else {
		u, err := url.Parse(c.Issuer)
		if err != nil {
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s is not a valid URL: %w", c.Issuer, err))
		}
		c.ParsedIssuer = u
	}

	seen := map[string]bool{}
	for _, cl := range c.Clients {
		if seen[cl.ID] {
			validErr = errors.Join(validErr, fmt.Errorf("client %s defined more than once", cl.ID))
		}
		seen[cl.ID] = true
		validErr = errors.Join(validErr, cl.Validate())
	}

	seenUsers := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == uuid.Nil {
			validErr = errors.Join(validErr, fmt.Errorf("user %s missing ID", u.Username))
		}
		if u.Username == "" {
			validErr = errors.Join(validErr, fmt.Errorf("user %s missing username", u.ID))
		}
		if seenUsers[strings.ToLower(u.Username)] {
			validErr = errors.Join(validErr, fmt.Errorf("username %s used more than once", u.Username))
		}
		seenUsers[strings.ToLower(u.Username)] = true
	}

	for _, s := range c.Scopes {
		if s.Name == "" {
			validErr = errors.Join(validErr, fmt.Errorf("scope missing name"))
		}
	}

	return validErr
}

// IssuerName returns the issuer used in tokens.
func (c *Config) IssuerName() string {
	return c.Issuer
}

// TokenValidityPeriod returns how long access and ID tokens are valid for.
func (c *Config) TokenValidityPeriod() time.Duration {
	return c.ParsedTokenValidity
}

// RefreshValidityPeriod returns how long a refresh token can be exchanged.
func (c *Config) RefreshValidityPeriod() time.Duration {
	return c.ParsedRefreshValidity
}

// CodeValidityPeriod returns how long an authorization code can be redeemed.
func (c *Config) CodeValidityPeriod() time.Duration {
	return c.ParsedCodeValidity
}

// ScopeRepository returns the effective scope set, defaults merged with any
// configured scopes.
func (c *Config) ScopeRepository() Scopes {
	if c.scopes == nil {
		return DefaultScopes()
	}
	return c.scopes
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// null.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
