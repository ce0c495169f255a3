package gateway

import (
	"fmt"
	"html/template"
	"net/http"
)

// idpCookieNames are the cookies Keycloak is known to set on the shared
// domain. The gateway clears them after a successful callback so stale IdP
// state does not linger next to the gateway's own session cookie.
var idpCookieNames = []string{
	"AUTH_SESSION_ID",
	"AUTH_SESSION_ID_LEGACY",
	"KC_RESTART",
	"KC_AUTH_SESSION_HASH",
	"KEYCLOAK_SESSION",
	"KEYCLOAK_SESSION_LEGACY",
	"KEYCLOAK_IDENTITY",
	"KEYCLOAK_IDENTITY_LEGACY",
}

// idpCookiePaths enumerates the path variants Keycloak may have used.
// Response headers can only delete a cookie on an exactly matching path,
// which is why every variant is listed.
func (s *Server) idpCookiePaths() []string {
	realm := fmt.Sprintf("/realms/%s", s.cfg.Keycloak.Realm)
	return []string{realm + "/", realm, "/"}
}

// setSessionCookie sets the gateway's own session cookie on the response.
// The cookie is always scoped to the gateway's domain, never the IdP's.
func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    sessionID,
		Path:     s.cfg.Session.CookiePath,
		MaxAge:   s.cfg.Session.LifetimeSeconds,
		HttpOnly: s.cfg.Session.CookieHTTPOnly,
		Secure:   s.cfg.Session.CookieSecure,
		SameSite: s.cfg.Session.SameSite(),
	})
}

// clearSessionCookie expires the gateway's session cookie.
func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    "",
		Path:     s.cfg.Session.CookiePath,
		MaxAge:   -1,
		HttpOnly: s.cfg.Session.CookieHTTPOnly,
		Secure:   s.cfg.Session.CookieSecure,
		SameSite: s.cfg.Session.SameSite(),
	})
}

// expireIdPCookies emits expired Set-Cookie headers for every known IdP
// cookie on the realm path variants. The root-path variant is handled by
// the callback page script instead, to avoid expiring a same-named cookie
// the gateway might legitimately own at "/".
func (s *Server) expireIdPCookies(w http.ResponseWriter) {
	realm := fmt.Sprintf("/realms/%s", s.cfg.Keycloak.Realm)
	for _, name := range idpCookieNames {
		for _, path := range []string{realm + "/", realm} {
			http.SetCookie(w, &http.Cookie{
				Name:   name,
				Value:  "",
				Path:   path,
				MaxAge: -1,
			})
		}
	}
}

// callbackPage is the interstitial served after a successful callback. It
// clears leaked IdP cookies via script (the only way to remove cross-path
// cookies the response headers cannot reach) and then navigates to the
// post-login destination.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Redirecting...</title>
<script>
{{- range $name := .CookieNames}}
{{- range $path := $.CookiePaths}}
document.cookie = {{$name}} + "=; expires=Thu, 01 Jan 1970 00:00:00 UTC; path=" + {{$path}};
{{- end}}
{{- end}}
window.location.href = {{.RedirectTo}};
</script>
</head>
<body>
<p>Redirecting...</p>
</body>
</html>
`))

// callbackPageData feeds the callback template.
type callbackPageData struct {
	CookieNames []string
	CookiePaths []string
	RedirectTo  string
}
