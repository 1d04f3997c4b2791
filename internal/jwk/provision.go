package jwk

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultAlgorithms are provisioned on first start: signing keys for the
// common ID token algorithms and an encryption key for JWE.
var DefaultAlgorithms = []string{"RS256", "PS256", "ES256", "RSA-OAEP"}

// Persister stores keys durably.
type Persister interface {
	ListKeys(ctx context.Context) ([]*Key, error)
	PutKey(ctx context.Context, key *Key) error
}

// Provision loads the persisted keys into a Set, generating and storing a key
// for every algorithm in algs that has none yet.
func Provision(ctx context.Context, p Persister, algs ...string) (*Set, error) {
	keys, err := p.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	set := NewSet(keys...)

	have := map[string]bool{}
	for _, k := range keys {
		have[k.Algorithm()] = true
	}
	for _, alg := range algs {
		if have[alg] {
			continue
		}
		k, err := Generate(alg)
		if err != nil {
			return nil, err
		}
		if err := p.PutKey(ctx, k); err != nil {
			return nil, fmt.Errorf("store %s key: %w", alg, err)
		}
		if err := set.Add(k); err != nil {
			return nil, err
		}
		slog.Info("provisioned key", "alg", alg, "kid", k.KID(), "use", k.Use())
		have[alg] = true
	}
	return set, nil
}
