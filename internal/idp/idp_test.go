package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/storage"
)

const (
	webSecret   = "web-secret-0123456789abcdef"
	webRedirect = "https://web.example.com/callback"
)

func newTestIDP(t *testing.T) (*IDP, *httptest.Server, *config.User) {
	t.Helper()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	alice := &config.User{
		ID:       uuid.MustParse("9b2f1c4e-3a5d-4e8f-b6a7-1c2d3e4f5a6b"),
		Username: "alice",
		Email:    "alice@example.com",
		FullName: "Alice Example",
	}
	cfg := &config.Config{
		Issuer: ts.URL,
		Users:  config.Users{alice},
		Clients: []config.Client{{
			ID:                      "web",
			Secrets:                 []config.ClientSecret{{Type: config.SecretSharedSecret, Value: webSecret}},
			TokenEndpointAuthMethod: config.AuthClientSecretBasic,
			GrantTypes:              []string{config.GrantTypeAuthorizationCode, config.GrantTypeRefreshToken},
			ResponseTypes:           []string{config.ResponseTypeCode, config.ResponseTypeIDToken},
			RedirectURLs:            []string{webRedirect},
			Scopes:                  []string{"openid", "email"},
		}},
	}
	if err := cfg.SetDefaults(); err != nil {
		t.Fatalf("failed to set config defaults: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate config: %v", err)
	}

	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	credStore, err := storage.NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}

	idp, err := NewIDP(context.Background(), cfg, credStore, state, Stores{Codes: state.CodeStore(), Tokens: state.TokenStore()}, Options{
		AuthLimitRate:  rate.Inf,
		AuthLimitBurst: 1,
	})
	if err != nil {
		t.Fatalf("failed to create idp: %v", err)
	}
	handler = idp.Handler
	return idp, ts, alice
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestIDP(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("failed to get healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("unexpected healthz response %d %q", resp.StatusCode, body)
	}
}

func TestKeysPersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Issuer: "https://idp.example.com"}
	if err := cfg.SetDefaults(); err != nil {
		t.Fatalf("failed to set config defaults: %v", err)
	}
	credStore, err := storage.NewCredentialStore(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}

	kids := func() []string {
		state, err := storage.NewState(filepath.Join(dir, "state.bolt"))
		if err != nil {
			t.Fatalf("failed to open state: %v", err)
		}
		defer state.Close()
		idp, err := NewIDP(context.Background(), cfg, credStore, state, Stores{Codes: state.CodeStore(), Tokens: state.TokenStore()}, Options{})
		if err != nil {
			t.Fatalf("failed to create idp: %v", err)
		}
		var out []string
		for _, k := range idp.Keys.Keys() {
			out = append(out, k.KID())
		}
		return out
	}

	first, second := kids(), kids()
	if len(first) == 0 || strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("expected the same keys after restart, got %v then %v", first, second)
	}
}

func TestDynamicClientCredentials(t *testing.T) {
	ctx := context.Background()
	_, ts, _ := newTestIDP(t)

	body, err := json.Marshal(clients.RegistrationRequest{
		ClientName: "batch",
		GrantTypes: []string{config.GrantTypeClientCredentials},
		Scope:      "api1",
	})
	if err != nil {
		t.Fatalf("failed to marshal registration: %v", err)
	}
	resp, err := http.Post(ts.URL+"/registerClient", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, b)
	}
	var reg clients.RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("failed to decode registration: %v", err)
	}

	cc := &clientcredentials.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		TokenURL:     ts.URL + "/token",
		Scopes:       []string{"api1"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}

	form := url.Values{"token": {tok.AccessToken}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(reg.ClientID), url.QueryEscape(reg.ClientSecret))
	iresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to introspect: %v", err)
	}
	defer iresp.Body.Close()
	var intro struct {
		Active   bool   `json:"active"`
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
	}
	if err := json.NewDecoder(iresp.Body).Decode(&intro); err != nil {
		t.Fatalf("failed to decode introspection: %v", err)
	}
	if !intro.Active || intro.ClientID != reg.ClientID || intro.Scope != "api1" {
		t.Errorf("unexpected introspection %+v", intro)
	}
}

func TestAuthorizationCodeExchange(t *testing.T) {
	ctx := context.Background()
	idp, ts, alice := newTestIDP(t)

	code, err := idp.Codes.Issue(ctx, alice, &grant.CodeRequest{
		ClientID:    "web",
		RedirectURI: webRedirect,
		Scope:       "openid email",
		Nonce:       "n-0S6_WzA2Mj",
	})
	if err != nil {
		t.Fatalf("failed to issue code: %v", err)
	}

	oc := &oauth2.Config{
		ClientID:     "web",
		ClientSecret: webSecret,
		RedirectURL:  webRedirect,
		Endpoint: oauth2.Endpoint{
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	tok, err := oc.Exchange(ctx, code.Code)
	if err != nil {
		t.Fatalf("failed to exchange code: %v", err)
	}
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		t.Fatal("expected an id_token")
	}

	jresp, err := http.Get(ts.URL + "/jwks")
	if err != nil {
		t.Fatalf("failed to get jwks: %v", err)
	}
	defer jresp.Body.Close()
	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(jresp.Body).Decode(&jwks); err != nil {
		t.Fatalf("failed to decode jwks: %v", err)
	}

	claims, err := (&jwt.Parser{}).UnSignWithJWKS(ctx, rawIDToken, &jwks, "")
	if err != nil {
		t.Fatalf("failed to verify id token: %v", err)
	}
	if claims.String("iss") != ts.URL || claims.String("sub") != alice.ID.String() || claims.String("nonce") != "n-0S6_WzA2Mj" {
		t.Errorf("unexpected id token claims %v", claims)
	}

	if _, err := oc.Exchange(ctx, code.Code); err == nil {
		t.Fatal("expected the second exchange of a code to fail")
	}

	// the refresh token works through the same handler
	refreshed, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if refreshed.AccessToken == tok.AccessToken {
		t.Error("expected a new access token after refresh")
	}
}
