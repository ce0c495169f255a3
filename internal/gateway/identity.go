package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ivancovae/architecture-bionicpro/internal/keycloak"
	"github.com/ivancovae/architecture-bionicpro/internal/session"
)

// credentialState classifies the caller's session cookie.
type credentialState int

const (
	// stateNoCookie: no session cookie was presented.
	stateNoCookie credentialState = iota

	// stateInvalidCookie: a cookie was presented but resolves to no
	// record. This is the possible-hijack signal: a leaked or stale
	// session id, surfaced distinctly (409) rather than treated as a
	// plain logged-out caller.
	stateInvalidCookie

	// stateUnauthenticated: a record existed but could no longer be
	// trusted (refresh or verification failed); it has been deleted.
	stateUnauthenticated

	// stateAuthenticated: record found with a live, verified credential.
	stateAuthenticated
)

// identity is the resolved authentication state of a request.
type identity struct {
	state  credentialState
	record *session.Record
	claims *keycloak.Claims
}

// resolveIdentity runs the credential state machine for a request: read the
// session cookie, load the record, refresh the access token if it expired,
// and verify the token's signature and issuer. Refresh or verification
// failure deletes the session (fail-closed). The returned error is reserved
// for dependency failures (store or key set unreachable), which the caller
// must surface as a 5xx rather than as "unauthenticated".
func (s *Server) resolveIdentity(r *http.Request) (*identity, error) {
	ctx := r.Context()

	cookie, err := r.Cookie(s.cfg.Session.CookieName)
	if err != nil || cookie.Value == "" {
		return &identity{state: stateNoCookie}, nil
	}

	record, err := s.store.Get(ctx, cookie.Value)
	if err != nil {
		return nil, err
	}
	if record == nil {
		slog.Warn("session cookie resolves to no record, possible leaked session id",
			"session_id_prefix", sanitizeLog(prefixOf(cookie.Value)),
		)
		return &identity{state: stateInvalidCookie}, nil
	}

	if record.AccessExpired(time.Now()) {
		tokens, err := s.idp.Refresh(ctx, record.RefreshToken)
		if err != nil {
			// The session can no longer be trusted: delete, never retry.
			slog.Warn("token refresh failed, deleting session",
				"username", sanitizeLog(record.Username),
				"error", err,
			)
			if delErr := s.store.Delete(ctx, record.SessionID); delErr != nil {
				return nil, delErr
			}
			return &identity{state: stateUnauthenticated}, nil
		}

		record.AccessToken = tokens.AccessToken
		record.RefreshToken = tokens.RefreshToken
		record.ExpiresAt = tokens.ExpiresAt.Unix()

		if err := s.store.Update(ctx, record); err != nil {
			return nil, err
		}
	}

	claims, err := s.verifier.Verify(ctx, record.AccessToken, s.cfg.Keycloak.Issuers())
	if err != nil {
		if errors.Is(err, keycloak.ErrKeySetUnavailable) {
			// Without the key set no token is verifiable: dependency
			// failure, not "unauthenticated".
			return nil, err
		}

		slog.Warn("access token verification failed, deleting session",
			"username", sanitizeLog(record.Username),
			"error", err,
		)
		if delErr := s.store.Delete(ctx, record.SessionID); delErr != nil {
			return nil, delErr
		}
		return &identity{state: stateUnauthenticated}, nil
	}

	return &identity{
		state:  stateAuthenticated,
		record: record,
		claims: claims,
	}, nil
}

// prefixOf truncates a session id for logging.
func prefixOf(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
