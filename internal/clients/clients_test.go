package clients

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/storage"
)

func setupTestDB(t *testing.T) *storage.DynamicClientStore {
	t.Helper()
	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state.DynamicClientStore()
}

func defaultTestClientRequest() RegistrationRequest {
	return RegistrationRequest{
		RedirectURIs:    []string{"https://example.com/callback"},
		GrantTypes:      []string{"authorization_code"},
		ResponseTypes:   []string{"code"},
		ApplicationType: "web",
		ClientName:      "Test Client",
	}
}

func TestDynamicClients_Register(t *testing.T) {
	ctx := context.Background()
	dc := &DynamicClients{DB: setupTestDB(t)}

	resp, err := dc.Register(ctx, defaultTestClientRequest())
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	if !strings.HasPrefix(resp.ClientID, "dc.") {
		t.Errorf("expected client ID to start with 'dc.', got %s", resp.ClientID)
	}
	if resp.ClientSecret == "" {
		t.Error("expected client secret to be set")
	}
	expectedExpiry := time.Now().Add(14 * 24 * time.Hour).Unix()
	if d := expectedExpiry - resp.ClientSecretExpiresAt; d > 60 || d < -60 {
		t.Errorf("expected expiry to be approximately 14 days from now, got %v", time.Unix(resp.ClientSecretExpiresAt, 0))
	}

	cl, err := dc.GetByID(ctx, resp.ClientID)
	if err != nil {
		t.Fatalf("failed to get registered client: %v", err)
	}
	hashes := cl.SecretsOfType(config.SecretSharedSecretSHA256)
	if len(hashes) != 1 || hashes[0] != fmt.Sprintf("%x", sha256.Sum256([]byte(resp.ClientSecret))) {
		t.Errorf("expected the secret to be stored hashed, got %v", cl.Secrets)
	}
	if len(cl.SecretsOfType(config.SecretSharedSecret)) != 0 {
		t.Error("plaintext secret should not be stored")
	}
	if cl.TokenEndpointAuthMethod != config.AuthClientSecretBasic {
		t.Errorf("expected default auth method, got %s", cl.TokenEndpointAuthMethod)
	}
	if cl.RequirePKCE {
		t.Error("web client with https redirect should not require PKCE")
	}

	if err := dc.Deactivate(ctx, resp.ClientID); err != nil {
		t.Fatalf("failed to deactivate client: %v", err)
	}
	if _, err := dc.GetByID(ctx, resp.ClientID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for deactivated client, got %v", err)
	}
}

func TestDynamicClients_HandleRegister(t *testing.T) {
	dc := &DynamicClients{DB: setupTestDB(t)}

	for _, tc := range []struct {
		name   string
		req    RegistrationRequest
		status int
	}{
		{name: "valid", req: defaultTestClientRequest(), status: http.StatusCreated},
		{name: "no redirect", req: RegistrationRequest{GrantTypes: []string{"authorization_code"}}, status: http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(tc.req)
			if err != nil {
				t.Fatalf("failed to marshal request: %v", err)
			}
			w := httptest.NewRecorder()
			dc.HandleRegister(w, httptest.NewRequest("POST", "/registerClient", bytes.NewReader(body)))
			if w.Code != tc.status {
				t.Errorf("expected status %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestValidateClientRegistration(t *testing.T) {
	tests := []struct {
		name      string
		req       RegistrationRequest
		wantErr   bool
		wantPKCE  bool
		wantToken bool
	}{
		{
			name: "valid request",
			req:  defaultTestClientRequest(),
		},
		{
			name: "missing redirect URIs",
			req: RegistrationRequest{
				GrantTypes: []string{"authorization_code"},
			},
			wantErr: true,
		},
		{
			name: "client credentials needs no redirect",
			req: RegistrationRequest{
				GrantTypes: []string{"client_credentials"},
				Scope:      "api1",
			},
			wantToken: true,
		},
		{
			name: "http for a remote host",
			req: RegistrationRequest{
				RedirectURIs: []string{"http://example.com/callback"},
			},
			wantErr: true,
		},
		{
			name: "localhost over http",
			req: RegistrationRequest{
				RedirectURIs: []string{"http://localhost:8080/callback"},
			},
			wantPKCE: true,
		},
		{
			name: "native app",
			req: RegistrationRequest{
				RedirectURIs:    []string{"https://example.com/callback"},
				ApplicationType: "native",
			},
			wantPKCE: true,
		},
		{
			name: "unsupported grant",
			req: RegistrationRequest{
				RedirectURIs: []string{"https://example.com/callback"},
				GrantTypes:   []string{"password"},
			},
			wantErr: true,
		},
		{
			name: "unsupported signing algorithm",
			req: RegistrationRequest{
				RedirectURIs:             []string{"https://example.com/callback"},
				IDTokenSignedResponseAlg: "PS256",
			},
			wantErr: true,
		},
		{
			name: "assertion auth is not available",
			req: RegistrationRequest{
				RedirectURIs:            []string{"https://example.com/callback"},
				TokenEndpointAuthMethod: "client_secret_jwt",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateClientRegistration(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateClientRegistration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(tt.req.GrantTypes) == 0 || len(tt.req.ResponseTypes) == 0 || tt.req.ApplicationType == "" {
				t.Errorf("expected defaults to be set, got %+v", tt.req)
			}
			if got := shouldEnforcePKCE(tt.req.ApplicationType, tt.req.RedirectURIs); got != tt.wantPKCE {
				t.Errorf("shouldEnforcePKCE() = %v, want %v", got, tt.wantPKCE)
			}
			hasToken := false
			for _, rt := range tt.req.ResponseTypes {
				hasToken = hasToken || rt == "token"
			}
			if hasToken != tt.wantToken {
				t.Errorf("token response type = %v, want %v", hasToken, tt.wantToken)
			}
		})
	}
}

func TestMultiClients(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	static := &StaticClients{Clients: []config.Client{
		{ID: "static-web-client", RedirectURLs: []string{"https://static.example.com/callback"}},
	}}
	dynamic := &DynamicClients{DB: db}
	multi := NewMultiClients(static, dynamic)

	resp, err := dynamic.Register(ctx, defaultTestClientRequest())
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}

	// a stored client with the same ID as a static one must not shadow it
	shadow := config.Client{
		ID:           "static-web-client",
		RedirectURLs: []string{"https://conflict.example.com/callback"},
		Secrets:      []config.ClientSecret{{Type: config.SecretSharedSecret, Value: "x"}},
	}
	shadow.SetDefaults()
	if err := db.CreateDynamicClient(ctx, shadow, time.Time{}); err != nil {
		t.Fatalf("failed to store conflicting client: %v", err)
	}

	cl, err := multi.GetByID(ctx, "static-web-client")
	if err != nil {
		t.Fatalf("failed to get static client: %v", err)
	}
	if cl.RedirectURLs[0] != "https://static.example.com/callback" {
		t.Errorf("expected static client to take precedence, got %v", cl.RedirectURLs)
	}

	if _, err := multi.GetByID(ctx, resp.ClientID); err != nil {
		t.Errorf("failed to get dynamic client: %v", err)
	}
	if _, err := multi.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := multi.GetAll(ctx)
	if err != nil {
		t.Fatalf("failed to list clients: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 clients, got %d", len(all))
	}
}
