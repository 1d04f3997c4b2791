package tokens

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lds.li/tokenidp/internal/jwt"
)

func TestSamePayload(t *testing.T) {
	base := jwt.Payload{
		"sub":    "alice",
		"email":  "Alice@Example.com",
		"groups": []string{"admins"},
		"iat":    int64(1),
		"exp":    int64(2),
	}

	// simulate a store round trip, which turns []string into []any and
	// numbers into float64.
	b, err := json.Marshal(base)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var stored jwt.Payload
	if err := json.Unmarshal(b, &stored); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	tests := []struct {
		name string
		a, b jwt.Payload
		want bool
	}{
		{name: "round trip", a: base, b: stored, want: true},
		{name: "case insensitive", a: base, b: jwt.Payload{"sub": "ALICE", "email": "alice@example.com", "groups": []any{"Admins"}}, want: true},
		{name: "times ignored", a: base, b: jwt.Payload{"sub": "alice", "email": "alice@example.com", "groups": []string{"admins"}, "iat": int64(99)}, want: true},
		{name: "different sub", a: base, b: jwt.Payload{"sub": "bob", "email": "alice@example.com", "groups": []string{"admins"}}, want: false},
		{name: "missing claim", a: base, b: jwt.Payload{"sub": "alice"}, want: false},
		{name: "both nil", a: nil, b: nil, want: true},
		{name: "nil and empty", a: nil, b: jwt.Payload{}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SamePayload(tt.a, tt.b); got != tt.want {
				t.Errorf("SamePayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrantedTokenExpiry(t *testing.T) {
	now := time.Now()
	tok := &GrantedToken{CreatedAt: now.Add(-30 * time.Minute), ExpiresIn: 3600}
	if tok.IsExpired(now) {
		t.Error("token should still be valid")
	}
	if !tok.IsExpired(now.Add(time.Hour)) {
		t.Error("token should have expired")
	}
	if tok.RefreshExpired(now) {
		t.Error("refresh should follow the access token when unset")
	}
	tok.RefreshExpiresAt = now.Add(24 * time.Hour)
	if tok.RefreshExpired(now.Add(2 * time.Hour)) {
		t.Error("refresh should outlive the access token")
	}
}

func TestMemoryCodesTakeOnce(t *testing.T) {
	ctx := context.Background()
	codes := NewMemoryCodes()
	if err := codes.Insert(ctx, &AuthorizationCode{Code: "abc", ClientID: "client", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to insert code: %v", err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
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
		t.Errorf("expected exactly one successful take, got %d", wins.Load())
	}
	if c, _ := codes.Get(ctx, "abc"); c != nil {
		t.Error("code should be gone after take")
	}
}

func TestMemoryTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokens()

	idp := jwt.Payload{"sub": "alice"}
	older := &GrantedToken{ID: "1", AccessToken: "at1", RefreshToken: "rt1", Scope: "openid profile", ClientID: "client", ExpiresIn: 3600, CreatedAt: time.Now().Add(-time.Minute), IDTokenPayload: idp}
	newer := &GrantedToken{ID: "2", AccessToken: "at2", RefreshToken: "rt2", Scope: "profile openid", ClientID: "client", ExpiresIn: 3600, CreatedAt: time.Now(), IDTokenPayload: idp}
	for _, tok := range []*GrantedToken{older, newer} {
		if err := store.Insert(ctx, tok); err != nil {
			t.Fatalf("failed to insert token: %v", err)
		}
	}

	got, err := store.GetToken(ctx, []string{"openid", "profile"}, "client", jwt.Payload{"sub": "alice"}, nil)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got == nil || got.ID != "2" {
		t.Fatalf("expected the newest matching token, got %+v", got)
	}
	if got, _ := store.GetToken(ctx, []string{"openid"}, "client", idp, nil); got != nil {
		t.Errorf("expected no match for a different scope set, got %s", got.ID)
	}

	if got, _ := store.GetRefreshToken(ctx, "rt1"); got == nil || got.ID != "1" {
		t.Errorf("lookup by refresh token failed: %+v", got)
	}

	removed, err := store.RemoveAccessToken(ctx, "at1")
	if err != nil || !removed {
		t.Fatalf("expected at1 to be removed, got %v, %v", removed, err)
	}
	if got, _ := store.GetRefreshToken(ctx, "rt1"); got != nil {
		t.Error("refresh token of a removed record should be gone too")
	}
	if removed, _ := store.RemoveRefreshToken(ctx, "rt1"); removed {
		t.Error("second removal should report false")
	}

	list, _ := store.ListTokens(ctx)
	if len(list) != 1 {
		t.Errorf("expected 1 token left, got %d", len(list))
	}
}
