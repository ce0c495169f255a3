package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ivancovae/architecture-bionicpro/internal/keycloak"
	"github.com/ivancovae/architecture-bionicpro/internal/session"
)

// userInfoResponse is the JSON response for the /user_info endpoint.
type userInfoResponse struct {
	HasSessionCookie bool                   `json:"has_session_cookie"`
	IsAuthorized     bool                   `json:"is_authorized"`
	Username         string                 `json:"username,omitempty"`
	Email            string                 `json:"email,omitempty"`
	FirstName        string                 `json:"first_name,omitempty"`
	LastName         string                 `json:"last_name,omitempty"`
	RealmRoles       []string               `json:"realm_roles,omitempty"`
	Permissions      map[string]interface{} `json:"permissions,omitempty"`
	Sub              string                 `json:"sub,omitempty"`
	ExternalUUID     string                 `json:"external_uuid,omitempty"`
}

// handleUserInfo reports the caller's authentication state and verified
// claims. A present-but-invalid cookie is answered with 409: it is a
// possible hijack signal, not a plain logged-out caller.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ident, err := s.resolveIdentity(r)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	switch ident.state {
	case stateNoCookie:
		writeJSON(w, http.StatusOK, userInfoResponse{})
	case stateInvalidCookie:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "invalid_session",
			"detail": "Session cookie is set but not valid. Possible leaked or hijacked session id; please sign out and sign in again.",
		})
	case stateUnauthenticated:
		writeJSON(w, http.StatusOK, userInfoResponse{HasSessionCookie: true})
	default:
		claims := ident.claims
		writeJSON(w, http.StatusOK, userInfoResponse{
			HasSessionCookie: true,
			IsAuthorized:     true,
			Username:         claims.PreferredUsername,
			Email:            claims.Email,
			FirstName:        claims.GivenName,
			LastName:         claims.FamilyName,
			RealmRoles:       claims.RealmRoles,
			Permissions:      claims.Permissions,
			Sub:              claims.Subject,
			ExternalUUID:     claims.ExternalUUID,
		})
	}
}

// handleSignIn starts the OIDC authorization flow. An already-authenticated
// caller short-circuits with 200 and no new transaction.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ident, err := s.resolveIdentity(r)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	if ident.state == stateAuthenticated {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_authenticated"})
		return
	}

	state, err := keycloak.GenerateState()
	if err != nil {
		slog.Error("failed to generate state", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	flow, err := s.idp.StartAuthFlow(state, s.callbackURL(r))
	if err != nil {
		slog.Error("failed to start auth flow", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	redirectTo := r.URL.Query().Get("redirect_to")
	if redirectTo == "" {
		redirectTo = s.cfg.Frontend.PublicURL
	}

	tx := &session.Transaction{
		RedirectTo:   redirectTo,
		CodeVerifier: flow.CodeVerifier,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.store.PutTransaction(r.Context(), state, tx); err != nil {
		s.writeDependencyError(w, err)
		return
	}

	slog.Info("redirecting to keycloak", "state_prefix", prefixOf(state))
	http.Redirect(w, r, flow.URL, http.StatusFound)
}

// handleCallback completes the OIDC flow: consume the transaction for the
// state (exactly once), exchange the code, verify the token, create the
// session and hand the browser an interstitial page that sets the session
// cookie and clears leaked IdP cookies. All protocol failures redirect to
// the frontend with an error code, never a raw 500.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		slog.Error("authorization error in callback", "error", sanitizeLog(errParam))
		s.redirectWithError(w, r, errParam)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		slog.Error("missing code or state in callback",
			"code_present", code != "",
			"state_present", state != "",
		)
		s.redirectWithError(w, r, "missing_parameters")
		return
	}

	tx, err := s.store.ConsumeTransaction(r.Context(), state)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}
	if tx == nil {
		// Unknown, expired, or replayed state: the CSRF defense.
		slog.Error("invalid or expired state", "state_prefix", prefixOf(state))
		s.redirectWithError(w, r, "invalid_state")
		return
	}

	tokens, err := s.idp.ExchangeCode(r.Context(), code, s.callbackURL(r), tx.CodeVerifier)
	if err != nil {
		slog.Error("failed to exchange code for tokens", "error", err)
		s.redirectWithError(w, r, "token_exchange_failed")
		return
	}

	claims, err := s.verifier.Verify(r.Context(), tokens.AccessToken, s.cfg.Keycloak.Issuers())
	if err != nil {
		if errors.Is(err, keycloak.ErrKeySetUnavailable) {
			s.writeDependencyError(w, err)
			return
		}
		slog.Error("failed to verify access token", "error", err)
		s.redirectWithError(w, r, "invalid_token")
		return
	}

	sessionID, err := s.store.Create(r.Context(),
		claims.UserID(),
		claims.PreferredUsername,
		tokens.AccessToken,
		tokens.RefreshToken,
		tokens.ExpiresAt,
	)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	slog.Info("user authenticated",
		"username", sanitizeLog(claims.PreferredUsername),
		"user_id", sanitizeLog(claims.UserID()),
	)

	s.setSessionCookie(w, sessionID)
	s.expireIdPCookies(w)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	err = callbackPage.Execute(w, callbackPageData{
		CookieNames: idpCookieNames,
		CookiePaths: s.idpCookiePaths(),
		RedirectTo:  tx.RedirectTo,
	})
	if err != nil {
		// Headers are already written; best-effort.
		slog.Error("failed to render callback page", "error", err)
	}
}

// handleSignOut terminates the session. The IdP-side logout is best-effort
// and never blocks local deletion; the cookie is always cleared, so signing
// out an already-signed-out caller succeeds with no error.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cfg.Session.CookieName); err == nil && cookie.Value != "" {
		record, err := s.store.Get(r.Context(), cookie.Value)
		if err != nil {
			slog.Error("session lookup failed during sign-out", "error", err)
		}
		if record != nil {
			if record.RefreshToken != "" {
				if s.idp.Logout(r.Context(), record.RefreshToken) {
					slog.Info("keycloak logout succeeded", "username", sanitizeLog(record.Username))
				} else {
					slog.Warn("keycloak logout failed", "username", sanitizeLog(record.Username))
				}
			}
			if err := s.store.Delete(r.Context(), record.SessionID); err != nil {
				slog.Error("failed to delete session during sign-out", "error", err)
			} else {
				slog.Info("user signed out", "username", sanitizeLog(record.Username))
			}
		}
	}

	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// callbackURL reconstructs this gateway's callback endpoint as seen by the
// browser; it must match the redirect_uri sent in the authorization request.
func (s *Server) callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/callback"}
	return u.String()
}

// redirectWithError sends the browser back to the frontend with an error code.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	target := s.cfg.Frontend.PublicURL + "?error=" + url.QueryEscape(code)
	http.Redirect(w, r, target, http.StatusFound)
}

// writeDependencyError reports a store or key-set failure as a 503, kept
// distinct from authentication failures so operators can tell "no session"
// from "session backend down".
func (s *Server) writeDependencyError(w http.ResponseWriter, err error) {
	slog.Error("dependency unavailable", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": "dependency_unavailable",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
