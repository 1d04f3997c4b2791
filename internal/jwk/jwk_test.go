package jwk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		alg     string
		use     Use
		kty     string
		public  bool
		wantErr bool
	}{
		{alg: "RS256", use: UseSignature, kty: "RSA", public: true},
		{alg: "PS384", use: UseSignature, kty: "RSA", public: true},
		{alg: "ES256", use: UseSignature, kty: "EC", public: true},
		{alg: "HS256", use: UseSignature, kty: "oct"},
		{alg: "RSA-OAEP", use: UseEncryption, kty: "RSA", public: true},
		{alg: "A128KW", use: UseEncryption, kty: "oct"},
		{alg: "none", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			k, err := Generate(tt.alg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Generate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if k.Use() != tt.use {
				t.Errorf("expected use %s, got %s", tt.use, k.Use())
			}
			if k.KeyType() != tt.kty {
				t.Errorf("expected kty %s, got %s", tt.kty, k.KeyType())
			}
			if (k.Public() != nil) != tt.public {
				t.Errorf("expected public key present = %v", tt.public)
			}
			if k.KID() == "" {
				t.Error("expected kid to be set")
			}
		})
	}
}

func TestKeyJSONRoundTrip(t *testing.T) {
	k, err := Generate("ES256")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	b, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	var got Key
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("failed to unmarshal key: %v", err)
	}
	if got.KID() != k.KID() || got.Algorithm() != "ES256" || got.Use() != UseSignature {
		t.Errorf("key metadata lost: kid=%s alg=%s use=%s", got.KID(), got.Algorithm(), got.Use())
	}
	if !got.Allows(OpSign, OpVerify) {
		t.Errorf("expected ops to survive, got %v", got.Operations())
	}
}

func TestSetLookup(t *testing.T) {
	ctx := context.Background()
	rs, _ := Generate("RS256")
	enc, _ := Generate("RSA-OAEP")
	set := NewSet(rs, enc)

	keys, err := set.GetByAlgorithm(ctx, UseSignature, "RS256", OpSign)
	if err != nil {
		t.Fatalf("GetByAlgorithm: %v", err)
	}
	if len(keys) != 1 || keys[0].KID() != rs.KID() {
		t.Errorf("expected the RS256 key, got %v", keys)
	}

	keys, _ = set.GetByAlgorithm(ctx, UseSignature, "RS256", OpEncrypt)
	if len(keys) != 0 {
		t.Errorf("expected no key allowing encrypt, got %d", len(keys))
	}

	if _, err := set.GetByKid(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := set.Add(rs); err == nil {
		t.Error("expected duplicate kid to be rejected")
	}

	jwks := set.PublicJWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("expected 2 public keys, got %d", len(jwks.Keys))
	}
	for _, k := range jwks.Keys {
		if !k.IsPublic() {
			t.Errorf("key %s in jwks is not public", k.KeyID)
		}
	}
}

type memPersister struct {
	mu   sync.Mutex
	keys []*Key
	puts int
}

func (m *memPersister) ListKeys(context.Context) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Key(nil), m.keys...), nil
}

func (m *memPersister) PutKey(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	m.puts++
	return nil
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}

	set, err := Provision(ctx, p, "RS256", "ES256")
	if err != nil {
		t.Fatalf("failed to provision: %v", err)
	}
	if len(set.Keys()) != 2 || p.puts != 2 {
		t.Fatalf("expected 2 generated keys, got %d (puts %d)", len(set.Keys()), p.puts)
	}

	set, err = Provision(ctx, p, "RS256", "ES256", "RSA-OAEP")
	if err != nil {
		t.Fatalf("failed to re-provision: %v", err)
	}
	if p.puts != 3 {
		t.Errorf("expected only the missing key to be generated, puts = %d", p.puts)
	}
	if len(set.Keys()) != 3 {
		t.Errorf("expected 3 keys, got %d", len(set.Keys()))
	}
}
