// Package gateway implements the browser-facing HTTP surface of the auth
// proxy: the OIDC sign-in/callback/sign-out endpoints, the authenticated
// upstream proxy, and the frontend fallback forwarding.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
	"github.com/ivancovae/architecture-bionicpro/internal/keycloak"
	"github.com/ivancovae/architecture-bionicpro/internal/session"
)

// proxyMethods are the HTTP methods accepted on the /proxy endpoint.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// Server is the gateway HTTP server. It composes the session store, the
// IdP client and the token verifier; the outbound HTTP client is pooled
// and shared across requests and never follows upstream redirects.
type Server struct {
	cfg        *config.Config
	store      *session.Store
	idp        *keycloak.Client
	verifier   *keycloak.Verifier
	upstream   *http.Client
	limiter    *ipRateLimiter
	httpServer *http.Server
}

// NewServer creates the gateway server and registers all routes.
func NewServer(cfg *config.Config, store *session.Store, idp *keycloak.Client,
	verifier *keycloak.Verifier) *Server {

	s := &Server{
		cfg:      cfg,
		store:    store,
		idp:      idp,
		verifier: verifier,
		upstream: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: newIPRateLimiter(10, 50),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/sign_in", s.handleSignIn)
	r.Get("/callback", s.handleCallback)
	r.Get("/sign_out", s.handleSignOut)
	r.Post("/sign_out", s.handleSignOut)
	r.Get("/user_info", s.handleUserInfo)
	r.Get("/health", s.handleHealth)
	for _, method := range proxyMethods {
		r.MethodFunc(method, "/proxy", s.handleProxy)
	}

	// Anything else is forwarded verbatim to the frontend origin, so the
	// gateway, frontend and API share one origin. A known path with an
	// unexpected method is forwarded too, matching the catch-all.
	r.NotFound(s.handleFrontend)
	r.MethodNotAllowed(s.handleFrontend)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("starting auth gateway", "addr", s.cfg.Listen.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down auth gateway")
	return s.httpServer.Shutdown(ctx)
}
