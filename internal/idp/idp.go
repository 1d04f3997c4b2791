package idp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"crawshaw.dev/jsonfile"
	"golang.org/x/time/rate"
	"lds.li/tokenidp/internal/claims"
	"lds.li/tokenidp/internal/clientauth"
	"lds.li/tokenidp/internal/clients"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/events"
	"lds.li/tokenidp/internal/grant"
	"lds.li/tokenidp/internal/jwk"
	"lds.li/tokenidp/internal/jwt"
	"lds.li/tokenidp/internal/oidcsvr"
	"lds.li/tokenidp/internal/owners"
	"lds.li/tokenidp/internal/policy"
	"lds.li/tokenidp/internal/storage"
	"lds.li/tokenidp/internal/tokens"
)

// Stores are the code and token repositories the engine persists through.
type Stores struct {
	Codes  tokens.CodeStore
	Tokens tokens.TokenStore
}

// IDP is the assembled token engine, plus the pieces the admin API drives
// directly.
type IDP struct {
	Handler http.Handler
	Actions *grant.TokenActions
	Codes   *grant.CodeIssuer
	Tokens  tokens.TokenStore
	Clients *clients.MultiClients
	Dynamic *clients.DynamicClients
	Keys    *jwk.Set
}

// Options tunes the HTTP surface.
type Options struct {
	AuthLimitRate  rate.Limit
	AuthLimitBurst int
}

// NewIDP wires the token engine together. Keys are provisioned into the state
// database on first start.
func NewIDP(ctx context.Context, cfg *config.Config, credStore *jsonfile.JSONFile[storage.CredentialStore], state *storage.State, stores Stores, opts Options) (*IDP, error) {
	keys, err := jwk.Provision(ctx, state.KeyStore(), jwk.DefaultAlgorithms...)
	if err != nil {
		return nil, fmt.Errorf("provision keys: %w", err)
	}

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create policy evaluator: %w", err)
	}

	dynamic := &clients.DynamicClients{DB: state.DynamicClientStore()}
	repo := clients.NewMultiClients(&clients.StaticClients{Clients: cfg.Clients}, dynamic)

	parser := &jwt.Parser{
		Keys:         keys,
		FetchTimeout: cfg.ParsedJWKSFetchTimeout,
		AllowNone:    cfg.AllowUnsignedTokens,
		Logger:       slog.With("component", "jwt"),
	}
	gen := &claims.Generator{
		Settings: cfg,
		Clients:  repo,
		Keys:     keys,
		Policy:   pe,
	}
	issuer := &grant.TokenIssuer{Tokens: stores.Tokens, Generator: gen, Settings: cfg}

	srv := &oidcsvr.Server{
		Config:         cfg,
		Keys:           keys,
		Clients:        repo,
		Tokens:         stores.Tokens,
		Generator:      gen,
		AuthLimitRate:  opts.AuthLimitRate,
		AuthLimitBurst: opts.AuthLimitBurst,
	}
	auth := &clientauth.Authenticator{
		Clients:       repo,
		Parser:        parser,
		TokenEndpoint: srv.TokenEndpoint(),
	}

	srv.Actions = &grant.TokenActions{
		AuthorizationCode: &grant.AuthorizationCode{
			Auth:     auth,
			Codes:    stores.Codes,
			Issuer:   issuer,
			Settings: cfg,
		},
		Password: &grant.Password{
			Auth:              auth,
			Clients:           repo,
			Owners:            &owners.Authenticator{Users: cfg.Users, CredStore: credStore},
			Generator:         gen,
			Policy:            pe,
			Issuer:            issuer,
			Settings:          cfg,
			AnonymousClientID: cfg.AnonymousClientID,
		},
		ClientCredentials: &grant.ClientCredentials{Auth: auth, Issuer: issuer, Settings: cfg},
		Refresh:           &grant.Refresh{Auth: auth, Tokens: stores.Tokens, Issuer: issuer, Settings: cfg},
		Revoke: &grant.Revoke{
			Auth:              auth,
			Clients:           repo,
			Tokens:            stores.Tokens,
			Settings:          cfg,
			AnonymousClientID: cfg.AnonymousClientID,
		},
		Introspect: &grant.Introspect{Auth: auth, Tokens: stores.Tokens, Settings: cfg},
		Events: events.Multi{
			&events.LogSink{Logger: slog.With("component", "grant")},
			events.MetricsSink{},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.HandleFunc("POST /registerClient", dynamic.HandleRegister)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	return &IDP{
		Handler: mux,
		Actions: srv.Actions,
		Codes: &grant.CodeIssuer{
			Codes:     stores.Codes,
			Clients:   repo,
			Generator: gen,
			Policy:    pe,
		},
		Tokens:  stores.Tokens,
		Clients: repo,
		Dynamic: dynamic,
		Keys:    keys,
	}, nil
}
