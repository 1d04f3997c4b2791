package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/tokens"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestCodeStoreTake(t *testing.T) {
	ctx := context.Background()
	codes := newTestState(t).CodeStore()

	if err := codes.Insert(ctx, &tokens.AuthorizationCode{
		Code:                "abc",
		ClientID:            "client",
		Scopes:              []string{"openid", "profile"},
		RedirectURI:         "https://client.example.com/cb",
		CreatedAt:           time.Now(),
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		IDTokenPayload:      jwt.Payload{"sub": "alice"},
	}); err != nil {
		t.Fatalf("failed to insert code: %v", err)
	}

	got, err := codes.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("failed to get code: %v", err)
	}
	if got == nil || got.CodeChallengeMethod != "S256" || got.IDTokenPayload.String("sub") != "alice" {
		t.Fatalf("unexpected code: %+v", got)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := codes.Take(ctx, "abc")
			if err != nil {
				t.Errorf("take failed: %v", err)
				return
			}
			if c != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one take to win, got %d", wins.Load())
	}
}

func TestCodeStoreGarbageCollect(t *testing.T) {
	ctx := context.Background()
	codes := newTestState(t).CodeStore()

	for _, c := range []*tokens.AuthorizationCode{
		{Code: "old", CreatedAt: time.Now().Add(-10 * time.Minute)},
		{Code: "new", CreatedAt: time.Now()},
	} {
		if err := codes.Insert(ctx, c); err != nil {
			t.Fatalf("failed to insert code: %v", err)
		}
	}

	deleted, err := codes.GarbageCollect(5 * time.Minute)
	if err != nil {
		t.Fatalf("garbage collect failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 code deleted, got %d", deleted)
	}
	if c, _ := codes.Get(ctx, "new"); c == nil {
		t.Error("fresh code should survive")
	}
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()
	store := newTestState(t).TokenStore()

	live := &tokens.GrantedToken{
		ID:              "live",
		AccessToken:     "at-live",
		RefreshToken:    "rt-live",
		TokenType:       tokens.TokenTypeBearer,
		Scope:           "openid email",
		ClientID:        "client",
		ExpiresIn:       3600,
		CreatedAt:       time.Now(),
		UserInfoPayload: jwt.Payload{"sub": "alice", "email": "alice@example.com"},
	}
	expired := &tokens.GrantedToken{
		ID:           "expired",
		AccessToken:  "at-expired",
		RefreshToken: "rt-expired",
		ClientID:     "client",
		ExpiresIn:    60,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	for _, tok := range []*tokens.GrantedToken{live, expired} {
		if err := store.Insert(ctx, tok); err != nil {
			t.Fatalf("failed to insert token: %v", err)
		}
	}
	if err := store.Insert(ctx, &tokens.GrantedToken{ID: "dup", AccessToken: "at-live"}); err == nil {
		t.Error("expected duplicate access token to be rejected")
	}

	got, err := store.GetToken(ctx, []string{"email", "openid"}, "client", nil, jwt.Payload{"sub": "alice", "email": "ALICE@example.com"})
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got == nil || got.ID != "live" {
		t.Fatalf("expected the live token, got %+v", got)
	}

	if got, _ := store.GetRefreshToken(ctx, "rt-live"); got == nil || got.AccessToken != "at-live" {
		t.Errorf("refresh lookup failed: %+v", got)
	}

	deleted, err := store.GarbageCollect()
	if err != nil {
		t.Fatalf("garbage collect failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 token deleted, got %d", deleted)
	}
	if got, _ := store.GetAccessToken(ctx, "at-expired"); got != nil {
		t.Error("expired token should have been collected")
	}

	removed, err := store.RemoveAccessToken(ctx, "at-live")
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v, %v", removed, err)
	}
	if got, _ := store.GetRefreshToken(ctx, "rt-live"); got != nil {
		t.Error("refresh index should be removed with the record")
	}
	if removed, _ := store.RemoveAccessToken(ctx, "at-live"); removed {
		t.Error("second removal should report false")
	}
}

func TestKeyStoreProvision(t *testing.T) {
	ctx := context.Background()
	state := newTestState(t)

	set, err := jwk.Provision(ctx, state.KeyStore(), "RS256", "RSA-OAEP")
	if err != nil {
		t.Fatalf("failed to provision keys: %v", err)
	}
	if len(set.Keys()) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(set.Keys()))
	}

	// a second start must load the same keys rather than generate new ones
	again, err := jwk.Provision(ctx, state.KeyStore(), "RS256", "RSA-OAEP")
	if err != nil {
		t.Fatalf("failed to reload keys: %v", err)
	}
	for _, k := range set.Keys() {
		if _, err := again.GetByKid(ctx, k.KID()); err != nil {
			t.Errorf("key %s not reloaded: %v", k.KID(), err)
		}
	}
}

func TestDynamicClientStore(t *testing.T) {
	ctx := context.Background()
	store := newTestState(t).DynamicClientStore()

	cl := config.Client{
		ID:                      "dc.test",
		Secrets:                 []config.ClientSecret{{Type: config.SecretSharedSecret, Value: "s3cret"}},
		GrantTypes:              []string{config.GrantTypeClientCredentials},
		ResponseTypes:           []string{config.ResponseTypeToken},
		Scopes:                  []string{"api1"},
		TokenEndpointAuthMethod: config.AuthClientSecretPost,
	}
	if err := store.CreateDynamicClient(ctx, cl, time.Time{}); err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := store.CreateDynamicClient(ctx, cl, time.Time{}); err == nil {
		t.Error("expected duplicate client to be rejected")
	}
	if err := store.CreateDynamicClient(ctx, config.Client{ID: "dc.expired"}, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := store.GetDynamicClient(ctx, "dc.test")
	if err != nil {
		t.Fatalf("failed to get client: %v", err)
	}
	if got.Client.TokenEndpointAuthMethod != config.AuthClientSecretPost || !got.Client.AllowsScope("api1") {
		t.Errorf("client did not round trip: %+v", got.Client)
	}

	if _, err := store.GetDynamicClient(ctx, "dc.expired"); !errors.Is(err, ErrDynamicClientNotFound) {
		t.Errorf("expected expired client to be hidden, got %v", err)
	}

	list, err := store.ListActiveDynamicClients(ctx)
	if err != nil {
		t.Fatalf("failed to list clients: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 active client, got %d", len(list))
	}

	if err := store.DeactivateDynamicClient(ctx, "dc.test"); err != nil {
		t.Fatalf("failed to deactivate client: %v", err)
	}
	deleted, err := store.CleanupExpiredDynamicClients()
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 clients cleaned up, got %d", deleted)
	}
}
