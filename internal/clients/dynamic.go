package clients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/storage"
)

// dynamicPrefix marks client IDs that were registered at runtime.
const dynamicPrefix = "dc."

// dynamicClientLifetime is how long a registration stays valid.
const dynamicClientLifetime = 14 * 24 * time.Hour

var _ Repository = (*DynamicClients)(nil)

// RegistrationRequest is the subset of RFC 7591 client metadata accepted for
// dynamic registration.
type RegistrationRequest struct {
	RedirectURIs             []string `json:"redirect_uris"`
	GrantTypes               []string `json:"grant_types,omitempty"`
	ResponseTypes            []string `json:"response_types,omitempty"`
	ApplicationType          string   `json:"application_type,omitempty"`
	ClientName               string   `json:"client_name,omitempty"`
	Scope                    string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod  string   `json:"token_endpoint_auth_method,omitempty"`
	IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg,omitempty"`
	JWKSURI                  string   `json:"jwks_uri,omitempty"`
}

// RegistrationResponse is returned once, and is the only time the client
// secret is visible.
type RegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at"`
}

// DynamicClients serves clients registered at runtime, backed by the state
// database.
type DynamicClients struct {
	DB *storage.DynamicClientStore
}

func (d *DynamicClients) GetByID(ctx context.Context, clientID string) (*config.Client, error) {
	// Only handle dynamic client IDs (prefixed with "dc.")
	if !strings.HasPrefix(clientID, dynamicPrefix) {
		return nil, fmt.Errorf("dynamic client %s: %w", clientID, ErrNotFound)
	}

	dc, err := d.DB.GetDynamicClient(ctx, clientID)
	if errors.Is(err, storage.ErrDynamicClientNotFound) {
		return nil, fmt.Errorf("dynamic client %s: %w", clientID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("get dynamic client %s: %w", clientID, err)
	}
	return &dc.Client, nil
}

func (d *DynamicClients) GetAll(ctx context.Context) ([]*config.Client, error) {
	dcs, err := d.DB.ListActiveDynamicClients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*config.Client, len(dcs))
	for i, dc := range dcs {
		out[i] = &dc.Client
	}
	return out, nil
}

// Register validates the request, and stores a new client for it.
func (d *DynamicClients) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, error) {
	if err := validateClientRegistration(&req); err != nil {
		return nil, err
	}

	clientID := dynamicPrefix + uuid.New().String()
	clientSecret := rand.Text()

	// Hash the secret for storage
	hash := sha256.Sum256([]byte(clientSecret))

	cl := config.Client{
		ID:                       clientID,
		Secrets:                  []config.ClientSecret{{Type: config.SecretSharedSecretSHA256, Value: fmt.Sprintf("%x", hash)}},
		RedirectURLs:             req.RedirectURIs,
		GrantTypes:               req.GrantTypes,
		ResponseTypes:            req.ResponseTypes,
		Scopes:                   strings.Fields(req.Scope),
		TokenEndpointAuthMethod:  config.AuthMethod(req.TokenEndpointAuthMethod),
		IDTokenSignedResponseAlg: req.IDTokenSignedResponseAlg,
		JWKSURI:                  req.JWKSURI,
		RequirePKCE:              shouldEnforcePKCE(req.ApplicationType, req.RedirectURIs),
	}
	cl.SetDefaults()
	if err := cl.Validate(); err != nil {
		return nil, invalidRegistration("%v", err)
	}

	now := time.Now()
	expiresAt := now.Add(dynamicClientLifetime)
	if err := d.DB.CreateDynamicClient(ctx, cl, expiresAt); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	slog.InfoContext(ctx, "registered dynamic client", "clientID", clientID, "name", req.ClientName)

	return &RegistrationResponse{
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		ClientIDIssuedAt:      now.Unix(),
		ClientSecretExpiresAt: expiresAt.Unix(),
	}, nil
}

// Deactivate stops a dynamic client from being used.
func (d *DynamicClients) Deactivate(ctx context.Context, clientID string) error {
	if !strings.HasPrefix(clientID, dynamicPrefix) {
		return fmt.Errorf("client %s is not a dynamic client", clientID)
	}
	return d.DB.DeactivateDynamicClient(ctx, clientID)
}

// HandleRegister serves a JSON registration request.
func (d *DynamicClients) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := d.Register(r.Context(), req)
	var verr *registrationError
	if errors.As(err, &verr) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		slog.ErrorContext(r.Context(), "failed to register client", "err", err)
		http.Error(w, "failed to create client", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to write registration response", "err", err)
	}
}

type registrationError struct {
	msg string
}

func (e *registrationError) Error() string {
	return e.msg
}

func invalidRegistration(format string, args ...any) error {
	return &registrationError{msg: fmt.Sprintf(format, args...)}
}

// shouldEnforcePKCE determines if PKCE should be enforced for a client
func shouldEnforcePKCE(applicationType string, redirectURIs []string) bool {
	// Always enforce PKCE for native clients and SPAs
	if applicationType == "native" || applicationType == "spa" {
		return true
	}

	for _, uri := range redirectURIs {
		parsed, err := url.Parse(strings.TrimSpace(uri))
		if err != nil {
			continue
		}
		// Force PKCE for localhost and loopback addresses
		if parsed.Hostname() == "localhost" || strings.HasPrefix(parsed.Hostname(), "127.") {
			return true
		}
	}

	return false
}

func validateClientRegistration(req *RegistrationRequest) error {
	// Default grant types first, redirect URIs are only needed for the code flow
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{config.GrantTypeAuthorizationCode}
	}
	for _, grantType := range req.GrantTypes {
		switch grantType {
		case config.GrantTypeAuthorizationCode, config.GrantTypeRefreshToken, config.GrantTypeClientCredentials:
		default:
			return invalidRegistration("unsupported grant_type: %s", grantType)
		}
	}

	if slices.Contains(req.GrantTypes, config.GrantTypeAuthorizationCode) && len(req.RedirectURIs) == 0 {
		return invalidRegistration("redirect_uris is required")
	}

	// Validate each redirect URI
	for i, uri := range req.RedirectURIs {
		if uri == "" {
			return invalidRegistration("redirect_uri[%d] cannot be empty", i)
		}

		parsed, err := url.Parse(uri)
		if err != nil {
			return invalidRegistration("redirect_uri[%d] is not a valid URL: %v", i, err)
		}

		// Only allow http and https schemes
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return invalidRegistration("redirect_uri[%d] must use http:// or https:// scheme", i)
		}

		if parsed.Host == "" {
			return invalidRegistration("redirect_uri[%d] must have a host", i)
		}

		// For localhost and 127.x.x.x addresses, allow http on any port
		if parsed.Hostname() == "localhost" || strings.HasPrefix(parsed.Hostname(), "127.") {
			continue
		}

		if parsed.Scheme == "http" {
			return invalidRegistration("redirect_uri[%d] must use https:// for non-localhost hosts", i)
		}
	}

	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{config.ResponseTypeCode}
	}
	for _, responseType := range req.ResponseTypes {
		switch responseType {
		case config.ResponseTypeCode, config.ResponseTypeToken, config.ResponseTypeIDToken:
		default:
			return invalidRegistration("unsupported response_type: %s", responseType)
		}
	}
	// The client credentials grant issues a bare token.
	if slices.Contains(req.GrantTypes, config.GrantTypeClientCredentials) && !slices.Contains(req.ResponseTypes, config.ResponseTypeToken) {
		req.ResponseTypes = append(req.ResponseTypes, config.ResponseTypeToken)
	}

	switch req.ApplicationType {
	case "":
		req.ApplicationType = "web"
	case "web", "native", "spa":
	default:
		return invalidRegistration("unsupported application_type: %s", req.ApplicationType)
	}

	switch req.TokenEndpointAuthMethod {
	case "", string(config.AuthClientSecretBasic), string(config.AuthClientSecretPost):
	default:
		// the secret is only stored hashed, so it can't verify assertions
		return invalidRegistration("unsupported token_endpoint_auth_method: %s (supported: client_secret_basic, client_secret_post)", req.TokenEndpointAuthMethod)
	}

	switch req.IDTokenSignedResponseAlg {
	case "", "RS256", "ES256":
	default:
		return invalidRegistration("unsupported id_token_signed_response_alg: %s (supported: RS256, ES256)", req.IDTokenSignedResponseAlg)
	}

	if req.ApplicationType == "spa" {
		for _, uri := range req.RedirectURIs {
			if !strings.HasPrefix(uri, "https://") {
				return invalidRegistration("SPA clients must use https:// redirect URIs, got: %s", uri)
			}
		}
	}

	return nil
}
