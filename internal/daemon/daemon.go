// Package daemon orchestrates all the components of the auth gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
	"github.com/ivancovae/architecture-bionicpro/internal/crypto"
	"github.com/ivancovae/architecture-bionicpro/internal/gateway"
	"github.com/ivancovae/architecture-bionicpro/internal/keycloak"
	"github.com/ivancovae/architecture-bionicpro/internal/session"
)

// Daemon represents the gateway process and coordinates its components.
type Daemon struct {
	cfg    *config.Config
	store  *session.Store
	server *gateway.Server
}

// New creates a daemon with all components initialized. The Redis
// connection is verified here so a misconfigured backend fails at startup
// rather than on the first request; the JWKS fetch stays lazy because the
// IdP may come up after the gateway.
func New(cfg *config.Config) (*Daemon, error) {
	key, err := cfg.Session.DecodedEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	codec, err := crypto.NewCodec(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session codec: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := session.NewStore(ctx, &cfg.Redis, codec, cfg.Session.Lifetime(), cfg.Session.SingleSession)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	slog.Info("session store initialized",
		"redis", cfg.Redis.Addr(),
		"lifetime", cfg.Session.Lifetime(),
		"encryption", key != nil,
		"single_session", cfg.Session.SingleSession,
	)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	idp := keycloak.NewClient(&cfg.Keycloak, httpClient)
	keys := keycloak.NewKeyCache(idp.JWKSEndpoint(), httpClient)
	verifier := keycloak.NewVerifier(keys)

	slog.Info("keycloak client initialized",
		"realm", cfg.Keycloak.Realm,
		"client_id", cfg.Keycloak.ClientID,
		"issuers", cfg.Keycloak.Issuers(),
	)

	server := gateway.NewServer(cfg, store, idp, verifier)

	return &Daemon{
		cfg:    cfg,
		store:  store,
		server: server,
	}, nil
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting auth gateway daemon")

	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			if closeErr := d.store.Close(); closeErr != nil {
				slog.Error("error closing session store after startup failure", "error", closeErr)
			}
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	if err := d.store.Close(); err != nil {
		slog.Error("error closing session store", "error", err)
	}

	slog.Info("daemon shutdown complete")
	return nil
}
