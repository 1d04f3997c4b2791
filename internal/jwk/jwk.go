// Package jwk holds the server's JSON Web Keys, tagged with their usage and
// permitted operations.
package jwk

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

// Use is the intended usage of a key.
type Use string

const (
	UseSignature  Use = "sig"
	UseEncryption Use = "enc"
)

// Operation is a key operation, as in the JWK key_ops member.
type Operation string

const (
	OpSign    Operation = "sign"
	OpVerify  Operation = "verify"
	OpEncrypt Operation = "encrypt"
	OpDecrypt Operation = "decrypt"
)

// ErrNotFound is returned when no key matches a lookup.
var ErrNotFound = errors.New("key not found")

// Key is a JSON Web Key plus the operations it may be used for. Keys are
// immutable once created.
type Key struct {
	jwk jose.JSONWebKey
	ops []Operation
}

// New wraps a go-jose key. The key must carry its kid, alg and use.
func New(k jose.JSONWebKey, ops ...Operation) (*Key, error) {
	if k.KeyID == "" {
		return nil, errors.New("key has no kid")
	}
	if k.Algorithm == "" {
		return nil, fmt.Errorf("key %s has no alg", k.KeyID)
	}
	switch Use(k.Use) {
	case UseSignature, UseEncryption:
	default:
		return nil, fmt.Errorf("key %s has unknown use %q", k.KeyID, k.Use)
	}
	if b, ok := k.Key.([]byte); ok {
		if len(b) == 0 {
			return nil, fmt.Errorf("key %s is empty", k.KeyID)
		}
	} else if !k.Valid() {
		return nil, fmt.Errorf("key %s is not valid", k.KeyID)
	}
	return &Key{jwk: k, ops: slices.Clone(ops)}, nil
}

func (k *Key) KID() string { return k.jwk.KeyID }
func (k *Key) Algorithm() string { return k.jwk.Algorithm }
func (k *Key) Use() Use { return Use(k.jwk.Use) }
func (k *Key) Operations() []Operation { return slices.Clone(k.ops) }
func (k *Key) JSONWebKey() jose.JSONWebKey { return k.jwk }

// Raw returns the underlying key material: an *rsa.PrivateKey,
// *ecdsa.PrivateKey, []byte, or a public key.
func (k *Key) Raw() any { return k.jwk.Key }

// KeyType returns the JWK kty.
func (k *Key) KeyType() string {
	switch k.jwk.Key.(type) {
	case *rsa.PrivateKey, *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PrivateKey, *ecdsa.PublicKey:
		return "EC"
	case []byte:
		return "oct"
	default:
		return "unknown"
	}
}

// Allows reports whether every op is permitted for the key.
func (k *Key) Allows(ops ...Operation) bool {
	for _, op := range ops {
		if !slices.Contains(k.ops, op) {
			return false
		}
	}
	return true
}

// Public returns the public half of the key, or nil for symmetric keys.
func (k *Key) Public() *jose.JSONWebKey {
	if _, ok := k.jwk.Key.([]byte); ok {
		return nil
	}
	pub := k.jwk.Public()
	if !pub.Valid() {
		return nil
	}
	return &pub
}

// VerificationKey is the material used to check a signature or wrap a content
// key: the public key for asymmetric keys, the secret for symmetric ones.
func (k *Key) VerificationKey() any {
	switch v := k.jwk.Key.(type) {
	case *rsa.PrivateKey:
		return &v.PublicKey
	case *ecdsa.PrivateKey:
		return &v.PublicKey
	default:
		return v
	}
}

type storedKey struct {
	JWK json.RawMessage `json:"jwk"`
	Ops []Operation     `json:"key_ops"`
}

func (k *Key) MarshalJSON() ([]byte, error) {
	b, err := k.jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal jwk %s: %w", k.jwk.KeyID, err)
	}
	return json.Marshal(storedKey{JWK: b, Ops: k.ops})
}

func (k *Key) UnmarshalJSON(b []byte) error {
	var sk storedKey
	if err := json.Unmarshal(b, &sk); err != nil {
		return err
	}
	var j jose.JSONWebKey
	if err := j.UnmarshalJSON(sk.JWK); err != nil {
		return fmt.Errorf("unmarshal jwk: %w", err)
	}
	k.jwk = j
	k.ops = sk.Ops
	return nil
}

// Generate creates a new key for alg. Signature algorithms produce sig keys
// allowed to sign and verify; key management algorithms produce enc keys
// allowed to encrypt and decrypt.
func Generate(alg string) (*Key, error) {
	var (
		raw any
		use Use
		err error
	)
	switch jose.SignatureAlgorithm(alg) {
	case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
		use = UseSignature
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	case jose.ES256:
		use = UseSignature
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jose.ES384:
		use = UseSignature
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jose.ES512:
		use = UseSignature
		raw, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jose.HS256:
		use, raw, err = UseSignature, randomBytes(32), nil
	case jose.HS384:
		use, raw, err = UseSignature, randomBytes(48), nil
	case jose.HS512:
		use, raw, err = UseSignature, randomBytes(64), nil
	default:
		switch jose.KeyAlgorithm(alg) {
		case jose.RSA1_5, jose.RSA_OAEP, jose.RSA_OAEP_256:
			use = UseEncryption
			raw, err = rsa.GenerateKey(rand.Reader, 2048)
		case jose.A128KW:
			use, raw = UseEncryption, randomBytes(16)
		case jose.A192KW:
			use, raw = UseEncryption, randomBytes(24)
		case jose.A256KW:
			use, raw = UseEncryption, randomBytes(32)
		default:
			return nil, fmt.Errorf("cannot generate key for algorithm %q", alg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", alg, err)
	}

	jk := jose.JSONWebKey{Key: raw, Algorithm: alg, Use: string(use)}
	kid, err := thumbprintKID(jk)
	if err != nil {
		return nil, err
	}
	jk.KeyID = kid

	ops := []Operation{OpSign, OpVerify}
	if use == UseEncryption {
		ops = []Operation{OpEncrypt, OpDecrypt}
	}
	return New(jk, ops...)
}

func thumbprintKID(jk jose.JSONWebKey) (string, error) {
	if _, ok := jk.Key.([]byte); ok {
		// a thumbprint of a symmetric key is a hash of the secret.
		return base64.RawURLEncoding.EncodeToString(randomBytes(16)), nil
	}
	tp, err := jk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("thumbprint key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return b
}

// Repository looks up keys. Implementations must be safe for concurrent use.
type Repository interface {
	// GetByAlgorithm returns the keys with the given use and algorithm that
	// allow every op.
	GetByAlgorithm(ctx context.Context, use Use, alg string, ops ...Operation) ([]*Key, error)
	// GetByKid returns the key with the given kid, or ErrNotFound.
	GetByKid(ctx context.Context, kid string) (*Key, error)
}

// Set is an in-memory Repository.
type Set struct {
	mu   sync.RWMutex
	keys []*Key
}

var _ Repository = (*Set)(nil)

func NewSet(keys ...*Key) *Set {
	return &Set{keys: slices.Clone(keys)}
}

// Add adds keys to the set. A key replacing an existing kid is an error.
func (s *Set) Add(keys ...*Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if slices.ContainsFunc(s.keys, func(e *Key) bool { return e.KID() == k.KID() }) {
			return fmt.Errorf("key %s already in set", k.KID())
		}
		s.keys = append(s.keys, k)
	}
	return nil
}

func (s *Set) GetByAlgorithm(_ context.Context, use Use, alg string, ops ...Operation) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Key
	for _, k := range s.keys {
		if k.Use() == use && k.Algorithm() == alg && k.Allows(ops...) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Set) GetByKid(_ context.Context, kid string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KID() == kid {
			return k, nil
		}
	}
	return nil, ErrNotFound
}

// Keys returns all keys in the set.
func (s *Set) Keys() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// PublicJWKS returns the public keys of the set, suitable for publishing.
// Symmetric keys are never included.
func (s *Set) PublicJWKS() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ks jose.JSONWebKeySet
	for _, k := range s.keys {
		if pub := k.Public(); pub != nil {
			ks.Keys = append(ks.Keys, *pub)
		}
	}
	return ks
}

// SupportedAlgorithms returns the algorithms the set can sign with.
func (s *Set) SupportedAlgorithms(use Use) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var algs []string
	for _, k := range s.keys {
		if k.Use() == use && !slices.Contains(algs, k.Algorithm()) {
			algs = append(algs, k.Algorithm())
		}
	}
	return algs
}
