package adminapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/owners"
	"lds.li/tokenidp/internal/storage"
	"lds.li/tokenidp/internal/tokens"
)

const webRedirect = "https://web.example.com/callback"

type testEnv struct {
	client *Client
	state  *storage.State
	tokens *storage.TokenStore
	codes  *storage.CodeStore
	alice  *config.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	alice := &config.User{
		ID:       uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"),
		Username: "alice",
		Email:    "alice@example.com",
		FullName: "Alice Example",
	}
	cfg := &config.Config{
		Issuer: "https://idp.example.com",
		Users:  config.Users{alice},
		Clients: []config.Client{{
			ID:                      "web",
			Secrets:                 []config.ClientSecret{{Type: config.SecretSharedSecret, Value: "web-secret"}},
			TokenEndpointAuthMethod: config.AuthClientSecretBasic,
			GrantTypes:              []string{config.GrantTypeAuthorizationCode},
			ResponseTypes:           []string{config.ResponseTypeCode},
			RedirectURLs:            []string{webRedirect},
			Scopes:                  []string{"openid", "email"},
		}},
	}
	if err := cfg.SetDefaults(); err != nil {
		t.Fatalf("failed to set config defaults: %v", err)
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

	key, err := jwk.Generate("RS256")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	repo := &clients.StaticClients{Clients: cfg.Clients}
	issuer := &grant.CodeIssuer{
		Codes:     state.CodeStore(),
		Clients:   repo,
		Generator: &claims.Generator{Settings: cfg, Clients: repo, Keys: jwk.NewSet(key)},
	}
	dynamic := &clients.DynamicClients{DB: state.DynamicClientStore()}

	srv := NewServer(cfg, credStore, state.DB(), state.TokenStore(), issuer, dynamic, filepath.Join(t.TempDir(), "admin.sock"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		client: NewClientWithHTTP(ts.Client(), ts.URL),
		state:  state,
		tokens: state.TokenStore(),
		codes:  state.CodeStore(),
		alice:  alice,
	}
}

func wantStatus(t *testing.T, err error, code int) {
	t.Helper()
	var se *StatusError
	if !errors.As(err, &se) || se.Code != code {
		t.Fatalf("expected status %d, got %v", code, err)
	}
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	now := time.Now()
	for _, tok := range []*tokens.GrantedToken{
		{ID: "t1", AccessToken: "access-1", RefreshToken: "refresh-1", TokenType: "Bearer", ClientID: "web", Scope: "openid", ExpiresIn: 3600, CreatedAt: now.Add(-time.Minute)},
		{ID: "t2", AccessToken: "access-2", TokenType: "Bearer", ClientID: "api", Scope: "api1", ExpiresIn: 3600, CreatedAt: now.Add(-2 * time.Hour)},
	} {
		if err := env.tokens.Insert(ctx, tok); err != nil {
			t.Fatalf("failed to insert token: %v", err)
		}
	}

	var all ListTokensResponse
	if err := env.client.DoJSON(ctx, http.MethodGet, "/admin/tokens", nil, &all, http.StatusOK); err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if len(all.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(all.Tokens))
	}
	if all.Tokens[0].ID != "t2" || !all.Tokens[0].Expired {
		t.Errorf("expected the oldest token first and expired, got %+v", all.Tokens[0])
	}
	if all.Tokens[1].Expired || !all.Tokens[1].Refreshable {
		t.Errorf("expected t1 active and refreshable, got %+v", all.Tokens[1])
	}

	var web ListTokensResponse
	if err := env.client.DoJSON(ctx, http.MethodGet, "/admin/tokens?client_id=web", nil, &web, http.StatusOK); err != nil {
		t.Fatalf("failed to list tokens: %v", err)
	}
	if len(web.Tokens) != 1 || web.Tokens[0].ID != "t1" {
		t.Fatalf("expected only t1 for web, got %+v", web.Tokens)
	}

	// revoking by refresh token removes the whole record
	if err := env.client.DoJSON(ctx, http.MethodDelete, "/admin/tokens/refresh-1", nil, nil, http.StatusNoContent); err != nil {
		t.Fatalf("failed to revoke token: %v", err)
	}
	got, err := env.tokens.GetAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if got != nil {
		t.Error("access token still present after revoking its refresh token")
	}

	err = env.client.DoJSON(ctx, http.MethodDelete, "/admin/tokens/refresh-1", nil, nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusNotFound)
}

func TestDynamicClients(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var reg clients.RegistrationResponse
	if err := env.client.DoJSON(ctx, http.MethodPost, "/admin/clients", clients.RegistrationRequest{
		ClientName:   "test",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, &reg, http.StatusCreated); err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		t.Fatalf("expected client id and secret, got %+v", reg)
	}

	err := env.client.DoJSON(ctx, http.MethodPost, "/admin/clients", clients.RegistrationRequest{
		RedirectURIs: []string{"ftp://app.example.com/cb"},
	}, nil, http.StatusCreated)
	wantStatus(t, err, http.StatusBadRequest)

	if err := env.client.DoJSON(ctx, http.MethodDelete, "/admin/clients/"+reg.ClientID, nil, nil, http.StatusNoContent); err != nil {
		t.Fatalf("failed to deactivate client: %v", err)
	}
	if _, err := env.state.DynamicClientStore().GetDynamicClient(ctx, reg.ClientID); !errors.Is(err, storage.ErrDynamicClientNotFound) {
		t.Errorf("expected deactivated client to be gone, got %v", err)
	}

	err = env.client.DoJSON(ctx, http.MethodDelete, "/admin/clients/dc.missing", nil, nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusNotFound)
}

func TestUserPasswords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	listUsers := func() UserInfo {
		t.Helper()
		var resp ListUsersResponse
		if err := env.client.DoJSON(ctx, http.MethodGet, "/admin/users", nil, &resp, http.StatusOK); err != nil {
			t.Fatalf("failed to list users: %v", err)
		}
		if len(resp.Users) != 1 {
			t.Fatalf("expected 1 user, got %d", len(resp.Users))
		}
		return resp.Users[0]
	}

	if u := listUsers(); u.Username != "alice" || u.HasPassword {
		t.Fatalf("unexpected user before setting password: %+v", u)
	}

	err := env.client.DoJSON(ctx, http.MethodPut, "/admin/users/alice/password", SetPasswordRequest{Password: "short"}, nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusBadRequest)

	if err := env.client.DoJSON(ctx, http.MethodPut, "/admin/users/alice/password", SetPasswordRequest{Password: "correct horse"}, nil, http.StatusNoContent); err != nil {
		t.Fatalf("failed to set password: %v", err)
	}
	if !listUsers().HasPassword {
		t.Fatal("expected alice to have a password")
	}

	err = env.client.DoJSON(ctx, http.MethodPut, "/admin/users/bob/password", SetPasswordRequest{Password: "correct horse"}, nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusNotFound)

	// by ID as well as username
	if err := env.client.DoJSON(ctx, http.MethodDelete, "/admin/users/"+env.alice.ID.String()+"/password", nil, nil, http.StatusNoContent); err != nil {
		t.Fatalf("failed to delete password: %v", err)
	}
	if listUsers().HasPassword {
		t.Fatal("expected alice to have no password")
	}
	err = env.client.DoJSON(ctx, http.MethodDelete, "/admin/users/alice/password", nil, nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusNotFound)
}

func TestIssueCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var resp IssueCodeResponse
	if err := env.client.DoJSON(ctx, http.MethodPost, "/admin/codes", IssueCodeRequest{
		User:        "alice",
		ClientID:    "web",
		RedirectURI: webRedirect,
		Scope:       "openid email",
		State:       "a b&c",
		Nonce:       "nonce",
	}, &resp, http.StatusOK); err != nil {
		t.Fatalf("failed to issue code: %v", err)
	}

	ru, err := url.Parse(resp.Redirect)
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if got := ru.Query().Get("code"); got != resp.Code {
		t.Errorf("expected redirect code %s, got %s", resp.Code, got)
	}
	if got := ru.Query().Get("state"); got != "a b&c" {
		t.Errorf("expected state to round trip, got %q", got)
	}

	code, err := env.codes.Get(ctx, resp.Code)
	if err != nil {
		t.Fatalf("failed to get code: %v", err)
	}
	if code == nil || code.ClientID != "web" {
		t.Fatalf("expected stored code for web, got %+v", code)
	}
	if code.IDTokenPayload[claims.Nonce] != "nonce" {
		t.Errorf("expected nonce in the id token payload, got %v", code.IDTokenPayload[claims.Nonce])
	}

	for name, req := range map[string]IssueCodeRequest{
		"bad redirect": {User: "alice", ClientID: "web", RedirectURI: "https://evil.example.com/", Scope: "openid"},
		"bad scope":    {User: "alice", ClientID: "web", RedirectURI: webRedirect, Scope: "admin"},
		"bad client":   {User: "alice", ClientID: "nope", RedirectURI: webRedirect, Scope: "openid"},
	} {
		t.Run(name, func(t *testing.T) {
			err := env.client.DoJSON(ctx, http.MethodPost, "/admin/codes", req, nil, http.StatusOK)
			wantStatus(t, err, http.StatusBadRequest)
		})
	}

	err = env.client.DoJSON(ctx, http.MethodPost, "/admin/codes", IssueCodeRequest{User: "bob", ClientID: "web", RedirectURI: webRedirect}, nil, http.StatusOK)
	wantStatus(t, err, http.StatusNotFound)
}

func TestBoltBuckets(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if err := env.tokens.Insert(ctx, &tokens.GrantedToken{
		ID: "t1", AccessToken: "access-1", TokenType: "Bearer", ClientID: "web", ExpiresIn: 3600, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("failed to insert token: %v", err)
	}

	resp, err := env.client.Do(ctx, http.MethodGet, "/admin/boltdb/buckets", nil, http.StatusOK)
	if err != nil {
		t.Fatalf("failed to list buckets: %v", err)
	}
	buckets := map[string]bool{}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var b BucketResponse
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			t.Fatalf("failed to decode bucket: %v", err)
		}
		buckets[b.Bucket] = true
	}
	resp.Body.Close()
	for _, want := range []string{"tokens", "keys", "auth_codes"} {
		if !buckets[want] {
			t.Errorf("expected bucket %s in %v", want, buckets)
		}
	}

	resp, err = env.client.Do(ctx, http.MethodGet, "/admin/boltdb/buckets/tokens", nil, http.StatusOK)
	if err != nil {
		t.Fatalf("failed to list bucket contents: %v", err)
	}
	var entries []BucketEntryResponse
	sc = bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var e BucketEntryResponse
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("failed to decode entry: %v", err)
		}
		entries = append(entries, e)
	}
	resp.Body.Close()
	if len(entries) != 1 || entries[0].Key != "t1" || entries[0].Format != "json" {
		t.Fatalf("unexpected tokens bucket contents: %+v", entries)
	}

	_, err = env.client.Do(ctx, http.MethodDelete, "/admin/boltdb/buckets/keys", nil, http.StatusNoContent)
	wantStatus(t, err, http.StatusForbidden)
	_, err = env.client.Do(ctx, http.MethodGet, "/admin/boltdb/buckets/missing", nil, http.StatusOK)
	wantStatus(t, err, http.StatusNotFound)

	resp, err = env.client.Do(ctx, http.MethodDelete, "/admin/boltdb/buckets/tokens", nil, http.StatusNoContent)
	if err != nil {
		t.Fatalf("failed to empty bucket: %v", err)
	}
	resp.Body.Close()
	got, err := env.tokens.GetAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if got != nil {
		t.Error("expected the token to be gone after emptying the bucket")
	}
}
