package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/tokens"
)

var (
	_ tokens.CodeStore   = (*RedisCodes)(nil)
	_ tokens.TokenStore  = (*RedisTokens)(nil)
	_ tokens.TokenLister = (*RedisTokens)(nil)
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds the connection settings for the Redis backed stores.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "tokenidp:".
	KeyPrefix string
	// CodeTTL is how long a code is kept. It should match the configured
	// code validity.
	CodeTTL time.Duration
}

// RedisStore keeps codes and tokens in Redis, so several server instances can
// share them.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	codeTTL   time.Duration
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.CodeTTL), nil
}

// NewRedisStoreWithClient wraps a pre-configured client. This is useful for
// testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, codeTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, codeTTL: codeTTL}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Codes() *RedisCodes {
	return &RedisCodes{s}
}

func (s *RedisStore) Tokens() *RedisTokens {
	return &RedisTokens{s}
}

const (
	keyTypeCode    = "code"
	keyTypeToken   = "token"
	keyTypeAccess  = "access"
	keyTypeRefresh = "refresh"
	keyTypeClient  = "client"
	keyTypeAll     = "tokens"
)

func (s *RedisStore) key(typ, id string) string {
	return s.keyPrefix + typ + ":" + id
}

// RedisCodes implements tokens.CodeStore.
type RedisCodes struct{ s *RedisStore }

func (r *RedisCodes) Get(ctx context.Context, code string) (*tokens.AuthorizationCode, error) {
	data, err := r.s.client.Get(ctx, r.s.key(keyTypeCode, code)).Bytes()
	return decodeCode(data, err)
}

func (r *RedisCodes) Insert(ctx context.Context, code *tokens.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal auth code: %w", err)
	}
	ok, err := r.s.client.SetNX(ctx, r.s.key(keyTypeCode, code.Code), data, r.s.codeTTL).Result()
	if err != nil {
		return fmt.Errorf("store auth code: %w", err)
	}
	if !ok {
		return fmt.Errorf("auth code already exists")
	}
	return nil
}

func (r *RedisCodes) Remove(ctx context.Context, code string) (bool, error) {
	n, err := r.s.client.Del(ctx, r.s.key(keyTypeCode, code)).Result()
	if err != nil {
		return false, fmt.Errorf("delete auth code: %w", err)
	}
	return n > 0, nil
}

// Take uses GETDEL, which Redis executes atomically.
func (r *RedisCodes) Take(ctx context.Context, code string) (*tokens.AuthorizationCode, error) {
	data, err := r.s.client.GetDel(ctx, r.s.key(keyTypeCode, code)).Bytes()
	return decodeCode(data, err)
}

func decodeCode(data []byte, err error) (*tokens.AuthorizationCode, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auth code: %w", err)
	}
	var ac tokens.AuthorizationCode
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("unmarshal auth code: %w", err)
	}
	return &ac, nil
}

// RedisTokens implements tokens.TokenStore. Each record is stored under its
// ID with the access and refresh values pointing at it, and a per-client set
// of IDs backs GetToken. All keys expire with the record.
type RedisTokens struct{ s *RedisStore }

func (r *RedisTokens) Insert(ctx context.Context, t *tokens.GrantedToken) error {
	if t.ID == "" {
		return fmt.Errorf("token has no id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	now := time.Now()
	ttl := t.ExpiresAt().Sub(now)
	if !t.RefreshExpiresAt.IsZero() && t.RefreshExpiresAt.After(t.ExpiresAt()) {
		ttl = t.RefreshExpiresAt.Sub(now)
	}
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	ok, err := r.s.client.SetNX(ctx, r.s.key(keyTypeAccess, t.AccessToken), t.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("store access token mapping: %w", err)
	}
	if !ok {
		return fmt.Errorf("access token already exists")
	}

	_, err = r.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.s.key(keyTypeToken, t.ID), data, ttl)
		if t.RefreshToken != "" {
			p.Set(ctx, r.s.key(keyTypeRefresh, t.RefreshToken), t.ID, ttl)
		}
		p.SAdd(ctx, r.s.key(keyTypeClient, t.ClientID), t.ID)
		p.SAdd(ctx, r.s.key(keyTypeAll, "all"), t.ID)
		return nil
	})
	if err != nil {
		// EXEC applies the commands that did not fail, so drop everything
		// written for this record, mapping included.
		keys := []string{r.s.key(keyTypeAccess, t.AccessToken), r.s.key(keyTypeToken, t.ID)}
		if t.RefreshToken != "" {
			keys = append(keys, r.s.key(keyTypeRefresh, t.RefreshToken))
		}
		if derr := r.s.client.Del(context.WithoutCancel(ctx), keys...).Err(); derr != nil {
			return fmt.Errorf("store token: %w (cleanup: %v)", err, derr)
		}
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (r *RedisTokens) GetToken(ctx context.Context, scopes []string, clientID string, idPayload, userInfoPayload jwt.Payload) (*tokens.GrantedToken, error) {
	toks, err := r.members(ctx, r.s.key(keyTypeClient, clientID))
	if err != nil {
		return nil, err
	}
	var found *tokens.GrantedToken
	for _, t := range toks {
		if !t.Matches(scopes, clientID, idPayload, userInfoPayload) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	return found, nil
}

func (r *RedisTokens) GetAccessToken(ctx context.Context, accessToken string) (*tokens.GrantedToken, error) {
	return r.lookup(ctx, keyTypeAccess, accessToken)
}

func (r *RedisTokens) GetRefreshToken(ctx context.Context, refreshToken string) (*tokens.GrantedToken, error) {
	return r.lookup(ctx, keyTypeRefresh, refreshToken)
}

func (r *RedisTokens) RemoveAccessToken(ctx context.Context, accessToken string) (bool, error) {
	return r.remove(ctx, keyTypeAccess, accessToken)
}

func (r *RedisTokens) RemoveRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	return r.remove(ctx, keyTypeRefresh, refreshToken)
}

func (r *RedisTokens) ListTokens(ctx context.Context) ([]*tokens.GrantedToken, error) {
	return r.members(ctx, r.s.key(keyTypeAll, "all"))
}

func (r *RedisTokens) lookup(ctx context.Context, typ, value string) (*tokens.GrantedToken, error) {
	id, err := r.s.client.Get(ctx, r.s.key(typ, value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s token mapping: %w", typ, err)
	}
	return r.byID(ctx, id)
}

func (r *RedisTokens) byID(ctx context.Context, id string) (*tokens.GrantedToken, error) {
	data, err := r.s.client.Get(ctx, r.s.key(keyTypeToken, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	var t tokens.GrantedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &t, nil
}

// members loads the tokens whose IDs are in the set, pruning IDs whose record
// has expired.
func (r *RedisTokens) members(ctx context.Context, setKey string) ([]*tokens.GrantedToken, error) {
	ids, err := r.s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list token ids: %w", err)
	}
	var out []*tokens.GrantedToken
	var stale []any
	for _, id := range ids {
		t, err := r.byID(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, t)
	}
	if len(stale) > 0 {
		_ = r.s.client.SRem(ctx, setKey, stale...).Err()
	}
	return out, nil
}

func (r *RedisTokens) remove(ctx context.Context, typ, value string) (bool, error) {
	t, err := r.lookup(ctx, typ, value)
	if err != nil || t == nil {
		return false, err
	}
	index := []string{r.s.key(keyTypeAccess, t.AccessToken)}
	if t.RefreshToken != "" {
		index = append(index, r.s.key(keyTypeRefresh, t.RefreshToken))
	}
	var del *redis.IntCmd
	_, err = r.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, r.s.key(keyTypeToken, t.ID))
		p.Del(ctx, index...)
		p.SRem(ctx, r.s.key(keyTypeClient, t.ClientID), t.ID)
		p.SRem(ctx, r.s.key(keyTypeAll, "all"), t.ID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}
	// a concurrent removal may have won the race
	return del.Val() > 0, nil
}
