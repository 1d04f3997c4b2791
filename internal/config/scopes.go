package config

import "slices"

// ScopeType distinguishes scopes that release identity claims from those that
// only gate API access.
type ScopeType string

const (
	ScopeTypeIdentity ScopeType = "identity"
	ScopeTypeResource ScopeType = "resource"
)

// Scope is a named permission, and the resource owner claims it releases.
type Scope struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        ScopeType `json:"type,omitempty"`
	Claims      []string  `json:"claims,omitempty"`
	// Exposed scopes are advertised in discovery.
	Exposed bool `json:"exposed,omitempty"`
}

// Scopes is the scope repository.
type Scopes []Scope

// SearchByNames returns the scopes that match any of names, in repository
// order. Unknown names are ignored.
func (s Scopes) SearchByNames(names ...string) []Scope {
	var out []Scope
	for _, sc := range s {
		if slices.Contains(names, sc.Name) {
			out = append(out, sc)
		}
	}
	return out
}

// Names returns the exposed scope names.
func (s Scopes) Names() []string {
	var out []string
	for _, sc := range s {
		if sc.Exposed {
			out = append(out, sc.Name)
		}
	}
	return out
}

// DefaultScopes are the OpenID Connect standard scopes.
func DefaultScopes() Scopes {
	return Scopes{
		{Name: "openid", Description: "access to the openid scope", Type: ScopeTypeIdentity, Exposed: true},
		{
			Name:        "profile",
			Description: "access to the profile",
			Type:        ScopeTypeIdentity,
			Exposed:     true,
			Claims: []string{
				"name", "family_name", "given_name", "middle_name", "nickname",
				"preferred_username", "profile", "picture", "website", "gender",
				"birthdate", "zoneinfo", "locale", "updated_at",
			},
		},
		{Name: "email", Description: "access to the email", Type: ScopeTypeIdentity, Exposed: true, Claims: []string{"email", "email_verified"}},
		{Name: "address", Description: "access to the address", Type: ScopeTypeIdentity, Exposed: true, Claims: []string{"address"}},
		{Name: "phone", Description: "access to the phone", Type: ScopeTypeIdentity, Exposed: true, Claims: []string{"phone_number", "phone_number_verified"}},
		{Name: "role", Description: "access to your roles", Type: ScopeTypeIdentity, Exposed: true, Claims: []string{"role"}},
	}
}

// mergeScopes returns base with extra applied, scopes in extra replacing those
// with the same name.
func mergeScopes(base, extra Scopes) Scopes {
	out := slices.Clone(base)
	for _, e := range extra {
		if i := slices.IndexFunc(out, func(s Scope) bool { return s.Name == e.Name }); i >= 0 {
			out[i] = e
			continue
		}
		if e.Type == "" {
			e.Type = ScopeTypeResource
		}
		out = append(out, e)
	}
	return out
}
