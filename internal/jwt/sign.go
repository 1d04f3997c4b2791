package jwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"lds.li/tokenidp/internal/jwk"
)

// Sign serializes payload as a compact JWS signed with key. alg "none"
// produces an unsigned token and ignores key.
func Sign(payload Payload, alg string, key *jwk.Key) (string, error) {
	if alg == AlgNone {
		return SignNone(payload)
	}
	if key == nil {
		return "", fmt.Errorf("no key to sign %s token", alg)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: key.JSONWebKey()},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create %s signer: %w", alg, err)
	}
	obj, err := signer.Sign(b)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return obj.CompactSerialize()
}

// SignWithSecret signs payload with a shared secret using an HS* algorithm.
func SignWithSecret(payload Payload, alg string, secret []byte) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create %s signer: %w", alg, err)
	}
	obj, err := signer.Sign(b)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return obj.CompactSerialize()
}

// SignNone returns the unsigned two part form, header.payload. with an
// empty signature segment.
func SignNone(payload Payload) (string, error) {
	h, err := json.Marshal(Header{Alg: AlgNone, Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(b) + ".", nil
}

// Encrypt wraps plaintext, usually a JWS, in a compact JWE for key using the
// key management algorithm alg and content encryption enc.
func Encrypt(plaintext string, alg, enc string, key *jwk.Key) (string, error) {
	if key == nil {
		return "", fmt.Errorf("no key to encrypt with %s", alg)
	}
	return encrypt(plaintext, jose.Recipient{
		Algorithm: jose.KeyAlgorithm(alg),
		Key:       key.VerificationKey(),
		KeyID:     key.KID(),
	}, enc)
}

// EncryptWithPassword encrypts plaintext with a password using PBES2.
func EncryptWithPassword(plaintext string, alg, enc string, password string) (string, error) {
	return encrypt(plaintext, jose.Recipient{
		Algorithm:  jose.KeyAlgorithm(alg),
		Key:        []byte(password),
		PBES2Count: 4096,
	}, enc)
}

func encrypt(plaintext string, rcpt jose.Recipient, enc string) (string, error) {
	if enc == "" {
		enc = string(jose.A128CBC_HS256)
	}
	opts := (&jose.EncrypterOptions{}).WithContentType("JWT")
	encrypter, err := jose.NewEncrypter(jose.ContentEncryption(enc), rcpt, opts)
	if err != nil {
		return "", fmt.Errorf("create %s/%s encrypter: %w", rcpt.Algorithm, enc, err)
	}
	obj, err := encrypter.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return obj.CompactSerialize()
}
