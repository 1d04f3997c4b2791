// Package clientauth authenticates OAuth2 clients at the token, revocation
// and introspection endpoints.
package clientauth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwt"
)

// AssertionTypeJWTBearer is the only client_assertion_type accepted.
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrClientNotFound     = errors.New("client not found")
	ErrSecretMismatch     = errors.New("client secret does not match")
	ErrAuthMethodMismatch = errors.New("client used the wrong authentication method")
	ErrInvalidAssertion   = errors.New("client assertion is not valid")
	ErrMissingCredentials = errors.New("no client credentials presented")
)

// Instruction is everything a request presents to identify its client.
type Instruction struct {
	// BasicClientID and BasicSecret come from an Authorization: Basic header.
	BasicClientID string
	BasicSecret   string
	HasBasic      bool

	// ClientID and ClientSecret are the form body parameters.
	ClientID     string
	ClientSecret string

	ClientAssertion     string
	ClientAssertionType string

	// Certificate is the verified TLS client certificate, if any.
	Certificate *x509.Certificate
}

// InstructionFromRequest collects the client credentials from r. The form
// must already be parsed.
func InstructionFromRequest(r *http.Request) Instruction {
	in := Instruction{
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 form-encodes both halves before base64.
		if uid, err := url.QueryUnescape(id); err == nil {
			id = uid
		}
		if usecret, err := url.QueryUnescape(secret); err == nil {
			secret = usecret
		}
		in.BasicClientID, in.BasicSecret, in.HasBasic = id, secret, true
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		in.Certificate = r.TLS.PeerCertificates[0]
	}
	return in
}

// Authenticator checks an Instruction against the registered client.
type Authenticator struct {
	Clients clients.Repository
	Parser  *jwt.Parser
	// TokenEndpoint is accepted as an assertion audience alongside the
	// issuer.
	TokenEndpoint string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Authenticate returns the client the instruction proves to be, using the
// client's registered authentication method. A failure returns a nil client
// and one of the package errors, possibly wrapped.
func (a *Authenticator) Authenticate(ctx context.Context, in Instruction, issuerName string) (*config.Client, error) {
	clientID := a.clientID(in)
	if clientID == "" {
		return nil, ErrMissingCredentials
	}

	client, err := a.Clients.GetByID(ctx, clientID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	} else if err != nil {
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}

	switch client.TokenEndpointAuthMethod {
	case config.AuthClientSecretBasic:
		if !in.HasBasic {
			return nil, methodMismatch(client, in)
		}
		if !secretMatches(client, in.BasicSecret) {
			return nil, ErrSecretMismatch
		}
	case config.AuthClientSecretPost:
		if in.ClientID == "" || in.ClientSecret == "" {
			return nil, methodMismatch(client, in)
		}
		if !secretMatches(client, in.ClientSecret) {
			return nil, ErrSecretMismatch
		}
	case config.AuthClientSecretJWT, config.AuthPrivateKeyJWT:
		if in.ClientAssertion == "" {
			return nil, methodMismatch(client, in)
		}
		if err := a.checkAssertion(ctx, client, in, issuerName); err != nil {
			return nil, err
		}
	case config.AuthTLSClient:
		if in.Certificate == nil {
			return nil, methodMismatch(client, in)
		}
		if !certificateMatches(client, in.Certificate) {
			return nil, ErrSecretMismatch
		}
	case config.AuthNone:
	default:
		return nil, fmt.Errorf("%w: client %s has unknown method %q", ErrAuthMethodMismatch, client.ID, client.TokenEndpointAuthMethod)
	}
	return client, nil
}

// clientID picks the claimed client: the assertion issuer, then the basic
// header, then the body.
func (a *Authenticator) clientID(in Instruction) string {
	if in.ClientAssertion != "" && jwt.IsJWS(in.ClientAssertion) {
		if p, err := jwt.UnverifiedPayload(in.ClientAssertion); err == nil {
			if iss := p.String("iss"); iss != "" {
				return iss
			}
		}
	}
	if in.HasBasic && in.BasicClientID != "" {
		return in.BasicClientID
	}
	return in.ClientID
}

func methodMismatch(client *config.Client, in Instruction) error {
	if !in.HasBasic && in.ClientSecret == "" && in.ClientAssertion == "" && in.Certificate == nil {
		return ErrMissingCredentials
	}
	return fmt.Errorf("%w: client %s authenticates with %s", ErrAuthMethodMismatch, client.ID, client.TokenEndpointAuthMethod)
}

func secretMatches(client *config.Client, presented string) bool {
	if presented == "" {
		return false
	}
	var ok bool
	for _, s := range client.SecretsOfType(config.SecretSharedSecret) {
		if subtle.ConstantTimeCompare([]byte(s), []byte(presented)) == 1 {
			ok = true
		}
	}
	if hashes := client.SecretsOfType(config.SecretSharedSecretSHA256); len(hashes) > 0 {
		sum := sha256.Sum256([]byte(presented))
		h := hex.EncodeToString(sum[:])
		for _, s := range hashes {
			if subtle.ConstantTimeCompare([]byte(strings.ToLower(s)), []byte(h)) == 1 {
				ok = true
			}
		}
	}
	return ok
}

func certificateMatches(client *config.Client, cert *x509.Certificate) bool {
	sum := sha1.Sum(cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])
	for _, tp := range client.SecretsOfType(config.SecretX509Thumbprint) {
		if strings.EqualFold(strings.ReplaceAll(tp, ":", ""), thumbprint) {
			return true
		}
	}
	subject := cert.Subject.String()
	return slices.Contains(client.SecretsOfType(config.SecretX509Name), subject)
}

func (a *Authenticator) checkAssertion(ctx context.Context, client *config.Client, in Instruction, issuerName string) error {
	if in.ClientAssertionType != AssertionTypeJWTBearer {
		return fmt.Errorf("%w: unsupported assertion type %q", ErrInvalidAssertion, in.ClientAssertionType)
	}

	token := in.ClientAssertion
	if h, err := jwt.ParseHeader(token); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	} else if h.Alg == jwt.AlgNone {
		// an unsigned assertion proves nothing about the client
		return fmt.Errorf("%w: assertion is not signed", ErrInvalidAssertion)
	}

	var (
		payload jwt.Payload
		err     error
	)
	switch client.TokenEndpointAuthMethod {
	case config.AuthClientSecretJWT:
		payload, err = a.verifyWithSecrets(token, client.SecretsOfType(config.SecretSharedSecret))
	case config.AuthPrivateKeyJWT:
		if jwt.IsJWE(token) {
			token, err = a.Parser.Decrypt(ctx, token)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
			}
		}
		payload, err = a.Parser.UnSignWithJWKS(ctx, token, client.JWKS, client.JWKSURI)
	}
	if err != nil {
		slog.DebugContext(ctx, "client assertion rejected", "clientID", client.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	iss := payload.String("iss")
	if iss != client.ID {
		return fmt.Errorf("%w: iss %q is not the client", ErrInvalidAssertion, iss)
	}
	if payload.String("sub") != iss {
		return fmt.Errorf("%w: sub must equal iss", ErrInvalidAssertion)
	}
	aud := payload.Strings("aud")
	if !slices.Contains(aud, issuerName) && (a.TokenEndpoint == "" || !slices.Contains(aud, a.TokenEndpoint)) {
		return fmt.Errorf("%w: audience %v does not include %s", ErrInvalidAssertion, aud, issuerName)
	}
	exp, ok := payload.Time("exp")
	if !ok || !a.now().Before(exp) {
		return fmt.Errorf("%w: assertion is expired", ErrInvalidAssertion)
	}
	return nil
}

// verifyWithSecrets checks an HS* JWS, or a password encrypted JWE wrapping
// one, against each of the client's shared secrets.
func (a *Authenticator) verifyWithSecrets(token string, secrets []string) (jwt.Payload, error) {
	if len(secrets) == 0 {
		return nil, errors.New("client has no shared secret")
	}
	var errs error
	for _, s := range secrets {
		jws := token
		if jwt.IsJWE(token) {
			var err error
			jws, err = a.Parser.DecryptWithPassword(token, s)
			if err != nil {
				errs = errors.Join(errs, err)
				continue
			}
		}
		p, err := a.Parser.UnSignWithSecret(jws, []byte(s))
		if err == nil {
			return p, nil
		}
		errs = errors.Join(errs, err)
	}
	return nil, errs
}
