// Package grant implements the token endpoint grant types, revocation and
// introspection. Each action validates its request, then issues or looks up
// tokens through the injected repositories.
package grant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/oautherr"
)

// Settings is the server configuration read by the actions.
type Settings interface {
	IssuerName() string
	TokenValidityPeriod() time.Duration
	RefreshValidityPeriod() time.Duration
	CodeValidityPeriod() time.Duration
}

// TokenRequest is a parsed token endpoint request. Which fields are used
// depends on GrantType.
type TokenRequest struct {
	GrantType string
	Client    clientauth.Instruction
	Scope     string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// password
	Username  string
	Password  string
	AMRValues []string

	// refresh_token
	RefreshToken string
}

// Scopes splits the requested scope.
func (r *TokenRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c != nil {
		return c()
	}
	return time.Now()
}

var authFailures = []error{
	clientauth.ErrClientNotFound,
	clientauth.ErrSecretMismatch,
	clientauth.ErrAuthMethodMismatch,
	clientauth.ErrInvalidAssertion,
	clientauth.ErrMissingCredentials,
}

func isAuthFailure(err error) bool {
	for _, f := range authFailures {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

// authenticateClient maps authenticator failures onto invalid_client.
// Infrastructure errors are returned wrapped.
func authenticateClient(ctx context.Context, a *clientauth.Authenticator, in clientauth.Instruction, issuer string) (*config.Client, error) {
	cl, err := a.Authenticate(ctx, in, issuer)
	if err == nil {
		return cl, nil
	}
	if isAuthFailure(err) {
		return nil, oautherr.Client("%s: %v", oautherr.MsgClientCannotBeAuthenticated, err)
	}
	return nil, fmt.Errorf("authenticate client: %w", err)
}

func requireGrantType(client *config.Client, grantType string) error {
	if !client.HasGrantType(grantType) {
		return oautherr.Client("the client %s doesn't support the grant type %s", client.ID, grantType)
	}
	return nil
}

func requireResponseType(client *config.Client, responseType string) error {
	if !client.HasResponseType(responseType) {
		return oautherr.Client("the client %s doesn't support the response type %s", client.ID, responseType)
	}
	return nil
}

// checkScopes returns the requested scopes, deduplicated, after checking the
// client registered each of them.
func checkScopes(client *config.Client, requested []string) ([]string, error) {
	var out, denied []string
	for _, s := range requested {
		if slices.Contains(out, s) {
			continue
		}
		if !client.AllowsScope(s) {
			denied = append(denied, s)
			continue
		}
		out = append(out, s)
	}
	if len(denied) > 0 {
		return nil, oautherr.Scope("the scopes %s are not allowed or invalid", strings.Join(denied, ","))
	}
	return out, nil
}

func hasOpenID(scopes []string) bool {
	return slices.Contains(scopes, claims.ScopeOpenID)
}

// randomToken returns 32 random bytes, base64url encoded.
func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
