package tokens

import (
	"context"
	"fmt"
	"sync"

	"lds.li/tokenidp/internal/jwt"
)

var (
	_ CodeStore   = (*MemoryCodes)(nil)
	_ TokenStore  = (*MemoryTokens)(nil)
	_ TokenLister = (*MemoryTokens)(nil)
)

// MemoryCodes keeps authorization codes in process memory.
type MemoryCodes struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

func NewMemoryCodes() *MemoryCodes {
	return &MemoryCodes{codes: make(map[string]*AuthorizationCode)}
}

func (m *MemoryCodes) Get(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (m *MemoryCodes) Insert(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.Code]; ok {
		return fmt.Errorf("code already exists")
	}
	m.codes[code.Code] = code.Clone()
	return nil
}

func (m *MemoryCodes) Remove(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.codes[code]
	delete(m.codes, code)
	return ok, nil
}

func (m *MemoryCodes) Take(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	delete(m.codes, code)
	return c, nil
}

// MemoryTokens keeps granted tokens in process memory, indexed by access and
// refresh token value.
type MemoryTokens struct {
	mu      sync.Mutex
	tokens  map[string]*GrantedToken
	access  map[string]string
	refresh map[string]string
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{
		tokens:  make(map[string]*GrantedToken),
		access:  make(map[string]string),
		refresh: make(map[string]string),
	}
}

func (m *MemoryTokens) Insert(_ context.Context, t *GrantedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		return fmt.Errorf("token has no id")
	}
	if _, ok := m.access[t.AccessToken]; ok {
		return fmt.Errorf("access token already exists")
	}
	m.tokens[t.ID] = t.Clone()
	m.access[t.AccessToken] = t.ID
	if t.RefreshToken != "" {
		m.refresh[t.RefreshToken] = t.ID
	}
	return nil
}

func (m *MemoryTokens) GetToken(_ context.Context, scopes []string, clientID string, idPayload, userInfoPayload jwt.Payload) (*GrantedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *GrantedToken
	for _, t := range m.tokens {
		if !t.Matches(scopes, clientID, idPayload, userInfoPayload) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (m *MemoryTokens) GetAccessToken(_ context.Context, accessToken string) (*GrantedToken, error) {
	return m.lookup(m.access, accessToken), nil
}

func (m *MemoryTokens) GetRefreshToken(_ context.Context, refreshToken string) (*GrantedToken, error) {
	return m.lookup(m.refresh, refreshToken), nil
}

func (m *MemoryTokens) RemoveAccessToken(_ context.Context, accessToken string) (bool, error) {
	return m.remove(m.access, accessToken), nil
}

func (m *MemoryTokens) RemoveRefreshToken(_ context.Context, refreshToken string) (bool, error) {
	return m.remove(m.refresh, refreshToken), nil
}

func (m *MemoryTokens) ListTokens(_ context.Context) ([]*GrantedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*GrantedToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *MemoryTokens) lookup(index map[string]string, value string) *GrantedToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[index[value]]
	if !ok {
		return nil
	}
	return t.Clone()
}

func (m *MemoryTokens) remove(index map[string]string, value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := index[value]
	if !ok {
		return false
	}
	if t, ok := m.tokens[id]; ok {
		delete(m.access, t.AccessToken)
		if t.RefreshToken != "" {
			delete(m.refresh, t.RefreshToken)
		}
	}
	delete(m.tokens, id)
	return true
}
