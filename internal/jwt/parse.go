package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"lds.li/tokenidp/internal/jwk"
)

const defaultFetchTimeout = 5 * time.Second

// Parser verifies and decrypts tokens. Keys come from the server's own key
// repository, or for tokens minted by clients, from the client's registered
// JWKS or jwks_uri.
type Parser struct {
	// Keys is the server's key repository.
	Keys jwk.Repository
	// HTTPClient is used to fetch jwks_uri documents. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// FetchTimeout bounds each jwks_uri fetch. Defaults to 5s.
	FetchTimeout time.Duration
	// AllowNone accepts alg=none tokens without verification. Leave unset
	// unless every caller is prepared for unauthenticated claims.
	AllowNone bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// UnSign verifies a JWS with the server key named by its kid. It returns
// jwk.ErrNotFound when no such key exists.
func (p *Parser) UnSign(ctx context.Context, token string) (Payload, error) {
	h, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if h.Alg == AlgNone {
		return p.unsigned(token)
	}
	key, err := p.Keys.GetByKid(ctx, h.Kid)
	if err != nil {
		return nil, fmt.Errorf("find key %q: %w", h.Kid, err)
	}
	if key.Use() != jwk.UseSignature {
		return nil, fmt.Errorf("key %s is not a signature key", key.KID())
	}
	return verify(token, key.VerificationKey())
}

// UnSignWithJWKS verifies a JWS minted by a client. The key named by the
// token's kid is taken from jwks when set, otherwise fetched from jwksURI. A
// fetch or decode failure of jwksURI is logged and reported as
// jwk.ErrNotFound.
func (p *Parser) UnSignWithJWKS(ctx context.Context, token string, jwks *jose.JSONWebKeySet, jwksURI string) (Payload, error) {
	h, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if h.Alg == AlgNone {
		return p.unsigned(token)
	}
	if jwks == nil {
		if jwksURI == "" {
			return nil, fmt.Errorf("client has neither jwks nor jwks_uri: %w", jwk.ErrNotFound)
		}
		jwks, err = p.fetchJWKS(ctx, jwksURI)
		if err != nil {
			p.logger().WarnContext(ctx, "fetching client jwks failed", "uri", jwksURI, "error", err)
			return nil, fmt.Errorf("fetch jwks: %w", jwk.ErrNotFound)
		}
	}
	key := selectKey(jwks, h.Kid)
	if key == nil {
		return nil, fmt.Errorf("find key %q in client jwks: %w", h.Kid, jwk.ErrNotFound)
	}
	return verify(token, key.Key)
}

// UnSignWithSecret verifies an HS* JWS with a shared secret.
func (p *Parser) UnSignWithSecret(token string, secret []byte) (Payload, error) {
	h, err := ParseHeader(token)
	if err != nil {
		return nil, err
	}
	switch jose.SignatureAlgorithm(h.Alg) {
	case jose.HS256, jose.HS384, jose.HS512:
	case AlgNone:
		return p.unsigned(token)
	default:
		return nil, fmt.Errorf("algorithm %s can't be verified with a shared secret", h.Alg)
	}
	return verify(token, secret)
}

// Decrypt decrypts a JWE with the server key named by its kid and returns the
// plaintext, usually a nested JWS.
func (p *Parser) Decrypt(ctx context.Context, token string) (string, error) {
	obj, err := jose.ParseEncryptedCompact(token, keyAlgorithms, contentEncryptions)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	key, err := p.Keys.GetByKid(ctx, obj.Header.KeyID)
	if err != nil {
		return "", fmt.Errorf("find key %q: %w", obj.Header.KeyID, err)
	}
	if key.Use() != jwk.UseEncryption || !key.Allows(jwk.OpDecrypt) {
		return "", fmt.Errorf("key %s can't decrypt", key.KID())
	}
	b, err := obj.Decrypt(key.Raw())
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(b), nil
}

// DecryptWithPassword decrypts a JWE whose content key is wrapped with a
// password (PBES2) or the password bytes directly.
func (p *Parser) DecryptWithPassword(token, password string) (string, error) {
	obj, err := jose.ParseEncryptedCompact(token, keyAlgorithms, contentEncryptions)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	b, err := obj.Decrypt([]byte(password))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(b), nil
}

func (p *Parser) unsigned(token string) (Payload, error) {
	if !p.AllowNone {
		return nil, ErrUnsigned
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[2] != "" {
		return nil, ErrMalformed
	}
	return decodePayload(parts[1])
}

func (p *Parser) fetchJWKS(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	timeout := p.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	hc := p.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", uri, resp.StatusCode)
	}

	var ks jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ks); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return &ks, nil
}

func selectKey(jwks *jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if kid == "" {
		if len(jwks.Keys) == 1 {
			return &jwks.Keys[0]
		}
		return nil
	}
	if keys := jwks.Key(kid); len(keys) > 0 {
		return &keys[0]
	}
	return nil
}

func verify(token string, key any) (Payload, error) {
	obj, err := jose.ParseSignedCompact(token, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	b, err := obj.Verify(key)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	return unmarshalPayload(b)
}
