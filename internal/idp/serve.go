package idp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"lds.li/tokenidp/internal/adminapi"
	"lds.li/tokenidp/internal/config"
	"lds.li/tokenidp/internal/storage"
)

type ServeCmd struct {
	ListenAddr          string        `default:"localhost:8085" env:"IDP_LISTEN_ADDR" help:"Listen address for the server."`
	MetricsAddr         string        `env:"IDP_METRICS_ADDR" help:"Expose Prometheus metrics on the given host:port."`
	CertFile            string        `env:"IDP_CERT_FILE" help:"Path to the TLS certificate file."`
	KeyFile             string        `env:"IDP_KEY_FILE" help:"Path to the TLS key file."`
	CredentialStorePath string        `env:"IDP_CREDENTIAL_STORE_PATH" required:"" help:"Path to the credential store file."`
	StatePath           string        `env:"IDP_STATE_PATH" required:"" help:"Path to the state file."`
	RedisAddr           string        `env:"IDP_REDIS_ADDR" help:"Keep codes and tokens in Redis at host:port instead of the state file."`
	RedisPassword       string        `env:"IDP_REDIS_PASSWORD" help:"Password for Redis."`
	RedisKeyPrefix      string        `default:"tokenidp:" env:"IDP_REDIS_KEY_PREFIX" help:"Prefix for every Redis key."`
	AuthLimitRate       float64       `default:"2" env:"IDP_AUTH_LIMIT_RATE" help:"Sustained requests per second per IP to the token endpoints."`
	AuthLimitBurst      int           `default:"20" env:"IDP_AUTH_LIMIT_BURST" help:"Burst of requests per IP to the token endpoints."`
	GCInterval          time.Duration `default:"1h" env:"IDP_GC_INTERVAL" help:"How often expired codes and tokens are removed."`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config, adminSocket adminapi.SocketPath) error {
	var g run.Group
	g.Add(run.ContextHandler(ctx))

	credStore, err := storage.NewCredentialStore(c.CredentialStorePath)
	if err != nil {
		return fmt.Errorf("open credential store from %s: %w", c.CredentialStorePath, err)
	}

	state, err := storage.NewState(c.StatePath)
	if err != nil {
		return fmt.Errorf("open state from %s: %w", c.StatePath, err)
	}
	defer state.Close()

	g.Add(state.GarbageCollector(c.GCInterval, cfg.CodeValidityPeriod()))

	stores := Stores{Codes: state.CodeStore(), Tokens: state.TokenStore()}
	if c.RedisAddr != "" {
		rs, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			KeyPrefix: c.RedisKeyPrefix,
			CodeTTL:   cfg.CodeValidityPeriod(),
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		stores = Stores{Codes: rs.Codes(), Tokens: rs.Tokens()}
		slog.Info("using redis for codes and tokens", "addr", c.RedisAddr)
	}

	idp, err := NewIDP(ctx, cfg, credStore, state, stores, Options{
		AuthLimitRate:  rate.Limit(c.AuthLimitRate),
		AuthLimitBurst: c.AuthLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("start server: %v", err)
	}

	if adminSocket != "" {
		adminServer := adminapi.NewServer(cfg, credStore, state.DB(), idp.Tokens, idp.Codes, idp.Dynamic, string(adminSocket))
		if err := adminServer.Start(ctx, &g); err != nil {
			return fmt.Errorf("start admin API server: %w", err)
		}
	}

	hs := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           idp.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// tls_client_auth clients present their certificate here. Chains are
		// not verified, the client registration pins the certificate.
		TLSConfig: &tls.Config{ClientAuth: tls.RequestClientCert},
	}

	g.Add(func() error {
		if c.CertFile != "" && c.KeyFile != "" {
			slog.Info("server listing", slog.String("addr", "https://"+c.ListenAddr), slog.String("issuer", cfg.IssuerName()))
			if err := hs.ListenAndServeTLS(c.CertFile, c.KeyFile); err != nil {
				return fmt.Errorf("serving https: %v", err)
			}
		} else {
			slog.Info("server listing", slog.String("addr", "http://"+c.ListenAddr), slog.String("issuer", cfg.IssuerName()))
			if err := hs.ListenAndServe(); err != nil {
				return fmt.Errorf("serving http: %v", err)
			}
		}
		return nil
	}, func(error) {
		// new context for this, parent is likely already shut down
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	})

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promsrv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Add(func() error {
			slog.Info("metrics server listing", slog.String("addr", "http://"+c.MetricsAddr))
			if err := promsrv.ListenAndServe(); err != nil {
				return fmt.Errorf("serving metrics: %v", err)
			}
			return nil
		}, func(error) {
			promsrv.Close()
		})
	}

	if err := g.Run(); err != nil {
		return fmt.Errorf("run: %v", err)
	}

	return nil
}
