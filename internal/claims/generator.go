package claims

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/oautherr"
	"lds.li/tokenidp/internal/policy"
)

// Settings is the server configuration the generator reads.
type Settings interface {
	IssuerName() string
	TokenValidityPeriod() time.Duration
	ScopeRepository() config.Scopes
}

// Generator builds and encodes claim sets.
type Generator struct {
	Settings Settings
	Clients  clients.Repository
	Keys     jwk.Repository
	// Policy evaluates client claims policies. Optional, without it claims
	// policies are not applied.
	Policy *policy.PolicyEvaluator
	// Now defaults to time.Now.
	Now func() time.Time
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// dates returns the iat and exp for a token issued now.
func (g *Generator) dates(validity time.Duration) (iat, exp int64) {
	if validity == 0 {
		validity = g.Settings.TokenValidityPeriod()
	}
	n := g.now()
	return n.Unix(), n.Add(validity).Unix()
}

// UpdatePayloadDate resets iat and exp, for re-issuing a stored payload. A
// zero validity uses the configured token validity.
func (g *Generator) UpdatePayloadDate(payload jwt.Payload, validity time.Duration) (jwt.Payload, error) {
	if payload == nil {
		return nil, oautherr.ErrNilParameter
	}
	iat, exp := g.dates(validity)
	payload[IssuedAt] = iat
	payload[Expiration] = exp
	return payload, nil
}

// GenerateAccessTokenPayload returns the claims of a JWT access token.
func (g *Generator) GenerateAccessTokenPayload(client *config.Client, scopes []string) (jwt.Payload, error) {
	if client == nil {
		return nil, oautherr.ErrNilParameter
	}
	iat, exp := g.dates(client.AccessTokenValidity(0))
	return jwt.Payload{
		Issuer:     g.Settings.IssuerName(),
		Expiration: exp,
		IssuedAt:   iat,
		ClientID:   client.ID,
		Scope:      strings.Join(scopes, " "),
		JWTID:      uuid.NewString(),
	}, nil
}

// GenerateIDTokenPayloadForScopes returns the ID token claims, releasing the
// resource owner claims mapped to the requested scopes.
func (g *Generator) GenerateIDTokenPayloadForScopes(ctx context.Context, principal *Principal, ap *AuthorizationParameter) (jwt.Payload, error) {
	if ap == nil || !principal.IsAuthenticated() {
		return nil, oautherr.ErrNilParameter
	}
	result := jwt.Payload{}
	if err := g.fillIdentityTokenClaims(ctx, result, ap, nil, principal); err != nil {
		return nil, err
	}
	if err := g.fillResourceOwnerClaimsFromScopes(ctx, result, ap, principal); err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateFilteredIDTokenPayload returns the ID token claims, releasing only
// the requested resource owner claims. Every parameter is validated, and a
// violation is an invalid_grant naming the claim.
func (g *Generator) GenerateFilteredIDTokenPayload(ctx context.Context, principal *Principal, ap *AuthorizationParameter, params []Parameter) (jwt.Payload, error) {
	if ap == nil || !principal.IsAuthenticated() {
		return nil, oautherr.ErrNilParameter
	}
	result := jwt.Payload{}
	if err := g.fillIdentityTokenClaims(ctx, result, ap, params, principal); err != nil {
		return nil, err
	}
	if err := g.fillResourceOwnerClaimsByParameters(ctx, result, params, principal, ap); err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateUserInfoPayloadForScopes returns the user info claims for the
// requested scopes.
func (g *Generator) GenerateUserInfoPayloadForScopes(ctx context.Context, principal *Principal, ap *AuthorizationParameter) (jwt.Payload, error) {
	if ap == nil || !principal.IsAuthenticated() {
		return nil, oautherr.ErrNilParameter
	}
	result := jwt.Payload{}
	if err := g.fillResourceOwnerClaimsFromScopes(ctx, result, ap, principal); err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateFilteredUserInfoPayload returns only the requested user info
// claims.
func (g *Generator) GenerateFilteredUserInfoPayload(ctx context.Context, principal *Principal, ap *AuthorizationParameter, params []Parameter) (jwt.Payload, error) {
	if ap == nil || !principal.IsAuthenticated() {
		return nil, oautherr.ErrNilParameter
	}
	result := jwt.Payload{}
	if err := g.fillResourceOwnerClaimsByParameters(ctx, result, params, principal, ap); err != nil {
		return nil, err
	}
	return result, nil
}

// FillInOtherClaimsIdentityTokenPayload adds c_hash and at_hash for the code
// and access token, hashed per the client's ID token signing algorithm.
func (g *Generator) FillInOtherClaimsIdentityTokenPayload(payload jwt.Payload, code, accessToken string, client *config.Client) error {
	if payload == nil || client == nil {
		return oautherr.ErrNilParameter
	}
	alg := client.IDTokenSignedResponseAlg
	if alg == "" || alg == jwt.AlgNone {
		return nil
	}
	newHash, err := hashForAlgorithm(alg)
	if err != nil {
		return err
	}
	if code != "" {
		payload[CodeHash] = leftHalfHash(newHash, code)
	}
	if accessToken != "" {
		payload[AccessHash] = leftHalfHash(newHash, accessToken)
	}
	return nil
}

func hashForAlgorithm(alg string) (func() hash.Hash, error) {
	switch alg {
	case "ES256", "HS256", "PS256", "RS256":
		return sha256.New, nil
	case "ES384", "HS384", "PS384", "RS384":
		return sha512.New384, nil
	case "ES512", "HS512", "PS512", "RS512":
		return sha512.New, nil
	default:
		return nil, oautherr.Internal("the alg %s is not supported", alg)
	}
}

// leftHalfHash is the base64url encoding of the left-most half of the hash
// of s.
func leftHalfHash(newHash func() hash.Hash, s string) string {
	h := newHash()
	h.Write([]byte(s))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// Sign serializes payload as a JWS with the first server key for alg.
func (g *Generator) Sign(ctx context.Context, payload jwt.Payload, alg string) (string, error) {
	if alg == jwt.AlgNone {
		return jwt.SignNone(payload)
	}
	keys, err := g.Keys.GetByAlgorithm(ctx, jwk.UseSignature, alg, jwk.OpSign)
	if err != nil {
		return "", fmt.Errorf("find %s signing key: %w", alg, err)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no %s signing key: %w", alg, jwk.ErrNotFound)
	}
	return jwt.Sign(payload, alg, keys[0])
}

// Encrypt wraps a JWS in a JWE with the first server key for alg. Without
// such a key the JWS is returned unchanged.
func (g *Generator) Encrypt(ctx context.Context, jws, alg, enc string) (string, error) {
	keys, err := g.Keys.GetByAlgorithm(ctx, jwk.UseEncryption, alg, jwk.OpEncrypt)
	if err != nil {
		return "", fmt.Errorf("find %s encryption key: %w", alg, err)
	}
	if len(keys) == 0 {
		slog.DebugContext(ctx, "no encryption key, returning token unencrypted", "alg", alg)
		return jws, nil
	}
	return jwt.Encrypt(jws, alg, enc, keys[0])
}

// SignAndEncrypt signs payload, and encrypts the result when keyAlg is set.
func (g *Generator) SignAndEncrypt(ctx context.Context, payload jwt.Payload, signAlg, keyAlg, enc string) (string, error) {
	jws, err := g.Sign(ctx, payload, signAlg)
	if err != nil {
		return "", err
	}
	if keyAlg == "" {
		return jws, nil
	}
	return g.Encrypt(ctx, jws, keyAlg, enc)
}

// EncodeIDToken signs and optionally encrypts an ID token with the client's
// registered algorithms.
func (g *Generator) EncodeIDToken(ctx context.Context, payload jwt.Payload, client *config.Client) (string, error) {
	alg := client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = "RS256"
	}
	return g.SignAndEncrypt(ctx, payload, alg, client.IDTokenEncryptedResponseAlg, client.IDTokenEncryptedResponseEnc)
}

func (g *Generator) fillIdentityTokenClaims(ctx context.Context, payload jwt.Payload, ap *AuthorizationParameter, params []Parameter, principal *Principal) error {
	invalid := func(name string) error {
		return oautherr.Grant("the claim %s is not valid", name).WithState(ap.State)
	}

	iat, exp := g.dates(0)
	issuer := g.Settings.IssuerName()
	amr := []string{passwordAMR}
	if len(ap.AMRValues) > 0 {
		amr = slices.Clone(ap.AMRValues)
	}

	var audiences []string
	all, err := g.Clients.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	for _, c := range all {
		if c.HasResponseType(config.ResponseTypeIDToken) || c.ID == ap.ClientID {
			audiences = append(audiences, c.ID)
		}
	}
	// The identity token can be presented back to the server.
	if issuer != "" {
		audiences = append(audiences, issuer)
	}

	var azp string
	if len(audiences) > 1 || (len(audiences) == 1 && audiences[0] != ap.ClientID) {
		azp = ap.ClientID
	}

	var authTime string
	if !principal.AuthTime.IsZero() {
		authTime = strconv.FormatInt(principal.AuthTime.Unix(), 10)
	}

	single := []struct {
		name  string
		value string
	}{
		{Issuer, issuer},
		{Expiration, strconv.FormatInt(exp, 10)},
		{IssuedAt, strconv.FormatInt(iat, 10)},
		{AuthTime, authTime},
		{ACR, principal.ACR},
		{Nonce, ap.Nonce},
		{AuthorizedParty, azp},
	}
	for _, c := range single {
		if p := findParameter(params, c.name); p != nil && !p.validate(c.value) {
			return invalid(c.name)
		}
	}
	if p := findParameter(params, Audience); p != nil && !p.validateMany(audiences) {
		return invalid(Audience)
	}
	if p := findParameter(params, AMR); p != nil && !p.validateMany(amr) {
		return invalid(AMR)
	}

	payload[Issuer] = issuer
	payload[Audience] = audiences
	payload[Expiration] = exp
	payload[IssuedAt] = iat

	// auth_time is only released when asked for as essential, or when the
	// request carried a max_age.
	authTimeParam := findParameter(params, AuthTime)
	if ((authTimeParam != nil && authTimeParam.Essential) || ap.MaxAge != 0) && authTime != "" {
		payload[AuthTime] = principal.AuthTime.Unix()
	}
	if ap.Nonce != "" {
		payload[Nonce] = ap.Nonce
	}
	if principal.ACR != "" {
		payload[ACR] = principal.ACR
	}
	payload[AMR] = amr
	if azp != "" {
		payload[AuthorizedParty] = azp
	}
	return nil
}

func (g *Generator) fillResourceOwnerClaimsFromScopes(ctx context.Context, payload jwt.Payload, ap *AuthorizationParameter, principal *Principal) error {
	payload[Subject] = principal.Subject

	scopes := ap.Scopes()
	if len(scopes) == 0 {
		return nil
	}

	owner, err := g.ownerClaims(ctx, principal, ap.ClientID)
	if err != nil {
		return err
	}
	for _, sc := range g.Settings.ScopeRepository().SearchByNames(scopes...) {
		for _, name := range sc.Claims {
			if name == Subject {
				continue
			}
			if v, ok := owner[name]; ok {
				payload[name] = v
			}
		}
	}
	return nil
}

func (g *Generator) fillResourceOwnerClaimsByParameters(ctx context.Context, payload jwt.Payload, params []Parameter, principal *Principal, ap *AuthorizationParameter) error {
	// The subject is always essential.
	if findParameter(params, Subject) == nil {
		params = append(slices.Clone(params), Parameter{Name: Subject, Essential: true})
	}

	owner, err := g.ownerClaims(ctx, principal, ap.ClientID)
	if err != nil {
		return err
	}
	if _, ok := owner[Subject]; !ok {
		owner[Subject] = principal.Subject
	}

	for _, p := range params {
		if !slices.Contains(resourceOwnerClaims, p.Name) {
			continue
		}
		v, ok := owner[p.Name]
		var s string
		if ok {
			s = claimString(v)
		}
		if !p.validate(s) {
			return oautherr.Grant("the claim %s is not valid", p.Name).WithState(ap.State)
		}
		if ok {
			payload[p.Name] = v
		}
	}
	return nil
}

// ownerClaims returns the principal's claims after the client's claims
// policy, if any, has been applied.
func (g *Generator) ownerClaims(ctx context.Context, principal *Principal, clientID string) (map[string]any, error) {
	owner := make(map[string]any, len(principal.Claims))
	for k, v := range principal.Claims {
		owner[k] = v
	}
	if g.Policy == nil || principal.User == nil || clientID == "" {
		return owner, nil
	}
	client, err := g.Clients.GetByID(ctx, clientID)
	if err != nil || client.ClaimsPolicy == "" {
		// an unknown client has no policy to apply
		return owner, nil
	}
	patched, err := g.Policy.EvaluateClaims(client.ClaimsPolicy, owner, principal.User)
	if err != nil {
		return nil, oautherr.Internal("evaluate claims policy for client %s: %v", clientID, err)
	}
	return patched, nil
}
