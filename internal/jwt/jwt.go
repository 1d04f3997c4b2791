// Package jwt produces and consumes the compact JWS and JWE tokens issued by
// the server.
package jwt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// AlgNone is the JWS algorithm for unsigned tokens.
const AlgNone = "none"

var (
	// ErrMalformed is returned when a token can't be split or decoded.
	ErrMalformed = errors.New("malformed token")
	// ErrUnsigned is returned when an alg=none token is presented and
	// unsigned tokens are not allowed.
	ErrUnsigned = errors.New("unsigned tokens are not accepted")
	// ErrInvalidSignature is returned when a signature doesn't verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

var (
	signatureAlgorithms = []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.HS256, jose.HS384, jose.HS512,
	}
	keyAlgorithms = []jose.KeyAlgorithm{
		jose.RSA1_5, jose.RSA_OAEP, jose.RSA_OAEP_256,
		jose.A128KW, jose.A192KW, jose.A256KW, jose.DIRECT,
		jose.PBES2_HS256_A128KW, jose.PBES2_HS384_A192KW, jose.PBES2_HS512_A256KW,
	}
	contentEncryptions = []jose.ContentEncryption{
		jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
		jose.A128GCM, jose.A192GCM, jose.A256GCM,
	}
)

// Payload is a JWT claim set.
type Payload map[string]any

// String returns the claim as a string, or "" if absent or not a string.
func (p Payload) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Strings returns a claim that may be a single string or an array of
// strings, as aud is.
func (p Payload) Strings(name string) []string {
	switch v := p[name].(type) {
	case string:
		return []string{v}
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time returns a NumericDate claim.
func (p Payload) Time(name string) (time.Time, bool) {
	switch v := p[name].(type) {
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Header is the protected header of a JWS or JWE.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
	Cty string `json:"cty,omitempty"`
	Enc string `json:"enc,omitempty"`
}

// ParseHeader decodes the protected header of a compact token.
func ParseHeader(token string) (*Header, error) {
	first, _, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrMalformed
	}
	b, err := base64.RawURLEncoding.DecodeString(first)
	if err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrMalformed, err)
	}
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: unmarshal header: %v", ErrMalformed, err)
	}
	if h.Alg == "" {
		return nil, fmt.Errorf("%w: header has no alg", ErrMalformed)
	}
	return &h, nil
}

// IsJWS reports whether token is a three part compact JWS.
func IsJWS(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	h, err := ParseHeader(token)
	return err == nil && h.Enc == ""
}

// IsJWE reports whether token is a five part compact JWE.
func IsJWE(token string) bool {
	if strings.Count(token, ".") != 4 {
		return false
	}
	h, err := ParseHeader(token)
	return err == nil && h.Enc != ""
}

// UnverifiedPayload decodes the payload of a JWS without checking the
// signature. It is only used to find out who a token claims to come from.
func UnverifiedPayload(token string) (Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	return decodePayload(parts[1])
}

func decodePayload(seg string) (Payload, error) {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}
	return unmarshalPayload(b)
}

func unmarshalPayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload: %v", ErrMalformed, err)
	}
	return p, nil
}
