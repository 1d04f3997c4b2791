package oidcsvr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/owners"
	"lds.li/tokenidp/internal/policy"
	"lds.li/tokenidp/internal/storage"
	"lds.li/tokenidp/internal/tokens"
)

const (
	testIssuer = "https://idp.example.com"
	appSecret  = "app-secret-0123456789abcdef"
)

func newTestServer(t *testing.T) (*httptest.Server, *jwk.Set) {
	t.Helper()

	alice := &config.User{
		ID:       uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		Username: "alice",
		Email:    "alice@example.com",
		FullName: "Alice Example",
	}
	cfg := &config.Config{
		Issuer: testIssuer,
		Users:  config.Users{alice},
		Clients: []config.Client{
			{
				ID:                      "client",
				Secrets:                 []config.ClientSecret{{Type: config.SecretSharedSecret, Value: "client"}},
				TokenEndpointAuthMethod: config.AuthClientSecretPost,
				GrantTypes:              []string{config.GrantTypeClientCredentials},
				ResponseTypes:           []string{config.ResponseTypeToken},
				Scopes:                  []string{"api1"},
			},
			{
				ID:                      "app",
				Secrets:                 []config.ClientSecret{{Type: config.SecretSharedSecret, Value: appSecret}},
				TokenEndpointAuthMethod: config.AuthClientSecretBasic,
				GrantTypes:              []string{config.GrantTypePassword, config.GrantTypeRefreshToken},
				ResponseTypes:           []string{config.ResponseTypeToken, config.ResponseTypeIDToken},
				Scopes:                  []string{"openid", "profile", "email"},
			},
			{
				ID:                        "signed-userinfo",
				Secrets:                   []config.ClientSecret{{Type: config.SecretSharedSecret, Value: appSecret}},
				TokenEndpointAuthMethod:   config.AuthClientSecretBasic,
				GrantTypes:                []string{config.GrantTypePassword},
				ResponseTypes:             []string{config.ResponseTypeToken},
				Scopes:                    []string{"openid", "profile"},
				UserinfoSignedResponseAlg: "RS256",
			},
		},
	}
	if err := cfg.SetDefaults(); err != nil {
		t.Fatalf("failed to set defaults: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate config: %v", err)
	}

	key, err := jwk.Generate("RS256")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	keys := jwk.NewSet(key)

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		t.Fatalf("failed to create policy evaluator: %v", err)
	}
	credStore, err := storage.NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}
	if err := owners.SetPassword(credStore, alice.ID, "correct horse"); err != nil {
		t.Fatalf("failed to set password: %v", err)
	}

	repo := &clients.StaticClients{Clients: cfg.Clients}
	toks := tokens.NewMemoryTokens()
	gen := &claims.Generator{Settings: cfg, Clients: repo, Keys: keys, Policy: pe}
	issuer := &grant.TokenIssuer{Tokens: toks, Generator: gen, Settings: cfg}

	srv := &Server{
		Config:         cfg,
		Keys:           keys,
		Clients:        repo,
		Tokens:         toks,
		Generator:      gen,
		AuthLimitRate:  rate.Inf,
		AuthLimitBurst: 1,
	}
	auth := &clientauth.Authenticator{Clients: repo, Parser: &jwt.Parser{Keys: keys}, TokenEndpoint: srv.TokenEndpoint()}
	srv.Actions = &grant.TokenActions{
		Password: &grant.Password{
			Auth:      auth,
			Clients:   repo,
			Owners:    &owners.Authenticator{Users: cfg.Users, CredStore: credStore},
			Generator: gen,
			Policy:    pe,
			Issuer:    issuer,
			Settings:  cfg,
		},
		ClientCredentials: &grant.ClientCredentials{Auth: auth, Issuer: issuer, Settings: cfg},
		Refresh:           &grant.Refresh{Auth: auth, Tokens: toks, Issuer: issuer, Settings: cfg},
		Revoke:            &grant.Revoke{Auth: auth, Clients: repo, Tokens: toks, Settings: cfg},
		Introspect:        &grant.Introspect{Auth: auth, Tokens: toks, Settings: cfg},
	}

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs, keys
}

func TestClientCredentialsFlow(t *testing.T) {
	ctx := context.Background()
	hs, _ := newTestServer(t)

	cc := &clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "client",
		TokenURL:     hs.URL + pathToken,
		Scopes:       []string{"api1"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if tok.AccessToken == "" || tok.TokenType != "Bearer" || tok.RefreshToken != "" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.Extra("scope") != "api1" {
		t.Errorf("expected scope api1, got %v", tok.Extra("scope"))
	}

	cc.Scopes = []string{"unknown_scope"}
	_, err = cc.Token(ctx)
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		t.Fatalf("expected a retrieve error, got %v", err)
	}
	if re.ErrorCode != "invalid_scope" || re.Response.StatusCode != http.StatusBadRequest {
		t.Errorf("expected invalid_scope 400, got %s %d", re.ErrorCode, re.Response.StatusCode)
	}
}

func postForm(t *testing.T, u string, form url.Values, basicUser, basicPass string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to post to %s: %v", u, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestTokenErrors(t *testing.T) {
	hs, _ := newTestServer(t)

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "client not authenticated",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {"client"}, "client_secret": {"wrong"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "missing grant type",
			form:       url.Values{"client_id": {"client"}, "client_secret": {"client"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:       "no code redemption configured",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}, "redirect_uri": {"https://example.com"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postForm(t, hs.URL+pathToken, tc.form, "", "")
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, resp.StatusCode)
			}
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Errorf("expected no-store, got %q", got)
			}
			if tc.wantStatus == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("expected a WWW-Authenticate header")
			}
			var er errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if er.Error != tc.wantError {
				t.Errorf("expected error %s, got %s (%s)", tc.wantError, er.Error, er.Description)
			}
		})
	}
}

func TestRevokeAndIntrospect(t *testing.T) {
	ctx := context.Background()
	hs, _ := newTestServer(t)

	cc := &clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "client",
		TokenURL:     hs.URL + pathToken,
		Scopes:       []string{"api1"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}

	introspect := func() grant.IntrospectionResult {
		t.Helper()
		resp := postForm(t, hs.URL+pathIntrospect, url.Values{"token": {tok.AccessToken}}, "app", appSecret)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 from introspection, got %d", resp.StatusCode)
		}
		var res grant.IntrospectionResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode introspection: %v", err)
		}
		return res
	}

	if res := introspect(); !res.Active || res.ClientID != "client" || res.Scope != "api1" {
		t.Errorf("unexpected introspection %+v", res)
	}

	// another client may not revoke the token
	resp := postForm(t, hs.URL+pathRevoke, url.Values{"token": {tok.AccessToken}}, "app", appSecret)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 revoking another client's token, got %d", resp.StatusCode)
	}

	form := url.Values{"token": {tok.AccessToken}, "client_id": {"client"}, "client_secret": {"client"}}
	for range 2 {
		resp := postForm(t, hs.URL+pathRevoke, form, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 from revocation, got %d", resp.StatusCode)
		}
	}

	if res := introspect(); res.Active || res.ClientID != "" {
		t.Errorf("expected an inactive result, got %+v", res)
	}
}

func TestUserinfo(t *testing.T) {
	ctx := context.Background()
	hs, keys := newTestServer(t)

	passwordToken := func(clientID string, scopes ...string) *oauth2.Token {
		t.Helper()
		oc := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: appSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: hs.URL + pathToken, AuthStyle: oauth2.AuthStyleInHeader},
			Scopes:       scopes,
		}
		tok, err := oc.PasswordCredentialsToken(ctx, "alice", "correct horse")
		if err != nil {
			t.Fatalf("failed to get token: %v", err)
		}
		return tok
	}

	tok := passwordToken("app", "openid", "email")
	if tok.Extra("id_token") == nil {
		t.Error("expected an id token")
	}

	get := func(bearer string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, hs.URL+pathUserinfo, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("failed to get userinfo: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get(tok.AccessToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ui map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		t.Fatalf("failed to decode userinfo: %v", err)
	}
	if ui["sub"] != "7c9e6679-7425-40de-944b-e07fc1f90ae7" || ui["email"] != "alice@example.com" {
		t.Errorf("unexpected userinfo %v", ui)
	}

	for _, bearer := range []string{"", "not-a-token"} {
		if resp := get(bearer); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 for %q, got %d", bearer, resp.StatusCode)
		}
	}

	resp = get(passwordToken("signed-userinfo", "openid", "profile").AccessToken)
	if ct := resp.Header.Get("Content-Type"); ct != "application/jwt" {
		t.Fatalf("expected a signed response, got %s", ct)
	}
	buf := new(strings.Builder)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	p, err := (&jwt.Parser{Keys: keys}).UnSign(ctx, buf.String())
	if err != nil {
		t.Fatalf("failed to verify signed userinfo: %v", err)
	}
	if p.String(claims.Audience) != "signed-userinfo" || p.String("name") != "Alice Example" {
		t.Errorf("unexpected signed userinfo %v", p)
	}
}

func TestUserinfoDeactivatedClient(t *testing.T) {
	cfg := &config.Config{Issuer: testIssuer}
	if err := cfg.SetDefaults(); err != nil {
		t.Fatalf("failed to set defaults: %v", err)
	}
	toks := tokens.NewMemoryTokens()
	if err := toks.Insert(context.Background(), &tokens.GrantedToken{
		ID:              "tok-1",
		AccessToken:     "at-1",
		TokenType:       tokens.TokenTypeBearer,
		Scope:           "openid",
		ClientID:        "dc.gone",
		ExpiresIn:       3600,
		CreatedAt:       time.Now(),
		UserInfoPayload: jwt.Payload{"sub": "alice"},
	}); err != nil {
		t.Fatalf("failed to insert token: %v", err)
	}
	srv := &Server{Config: cfg, Clients: &clients.StaticClients{}, Tokens: toks}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	req, err := http.NewRequest(http.MethodGet, hs.URL+pathUserinfo, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer at-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to get userinfo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if er.Error != string(oautherr.InvalidToken) {
		t.Errorf("expected invalid_token, got %+v", er)
	}
}

func TestDiscoveryAndJWKS(t *testing.T) {
	hs, keys := newTestServer(t)

	resp, err := http.Get(hs.URL + pathDiscovery)
	if err != nil {
		t.Fatalf("failed to get discovery: %v", err)
	}
	defer resp.Body.Close()
	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode discovery: %v", err)
	}
	if doc.Issuer != testIssuer || doc.TokenEndpoint != testIssuer+"/token" || doc.JWKSURI != testIssuer+"/jwks" {
		t.Errorf("unexpected discovery %+v", doc)
	}
	if len(doc.IDTokenSigningAlgValuesSupported) != 1 || doc.IDTokenSigningAlgValuesSupported[0] != "RS256" {
		t.Errorf("unexpected signing algs %v", doc.IDTokenSigningAlgValuesSupported)
	}

	jresp, err := http.Get(hs.URL + pathJWKS)
	if err != nil {
		t.Fatalf("failed to get jwks: %v", err)
	}
	defer jresp.Body.Close()
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(jresp.Body).Decode(&set); err != nil {
		t.Fatalf("failed to decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].KeyID != keys.Keys()[0].KID() || !set.Keys[0].IsPublic() {
		t.Errorf("unexpected jwks %+v", set)
	}
}
