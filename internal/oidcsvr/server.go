package oidcsvr

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/ratelimit"
	"lds.li/tokenidp/internal/tokens"
)

const (
	pathToken      = "/token"
	pathRevoke     = "/revoke"
	pathIntrospect = "/introspect"
	pathUserinfo   = "/userinfo"
	pathJWKS       = "/jwks"
	pathDiscovery  = "/.well-known/openid-configuration"
)

// Server serves the token engine over HTTP.
type Server struct {
	Actions   *grant.TokenActions
	Config    *config.Config
	Keys      *jwk.Set
	Clients   clients.Repository
	Tokens    tokens.TokenStore
	Generator *claims.Generator
	Now       func() time.Time

	// AuthLimitRate and AuthLimitBurst bound requests to the endpoints that
	// authenticate clients, per remote IP. Zero uses the limiter defaults.
	AuthLimitRate  rate.Limit
	AuthLimitBurst int
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	rl := &ratelimit.Middleware{
		Rate:  s.AuthLimitRate,
		Burst: s.AuthLimitBurst,
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+pathToken, rl.Wrap(http.HandlerFunc(s.handleToken)))
	mux.Handle("POST "+pathRevoke, rl.Wrap(http.HandlerFunc(s.handleRevoke)))
	mux.Handle("POST "+pathIntrospect, rl.Wrap(http.HandlerFunc(s.handleIntrospect)))
	mux.HandleFunc("GET "+pathUserinfo, s.handleUserinfo)
	mux.HandleFunc("POST "+pathUserinfo, s.handleUserinfo)
	mux.HandleFunc("GET "+pathJWKS, s.handleJWKS)
	mux.HandleFunc("GET "+pathDiscovery, s.handleDiscovery)
	return mux
}

// endpoint returns the absolute URL of path under the issuer.
func (s *Server) endpoint(path string) string {
	u, err := url.Parse(s.Config.IssuerName())
	if err != nil {
		return strings.TrimSuffix(s.Config.IssuerName(), "/") + path
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// TokenEndpoint is the URL client assertions may use as their audience.
func (s *Server) TokenEndpoint() string {
	return s.endpoint(pathToken)
}
