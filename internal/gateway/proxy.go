package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// proxyRequest describes a single upstream call made through the /proxy
// endpoint. GET callers pass the fields as query parameters; other methods
// pass a JSON body.
type proxyRequest struct {
	UpstreamURI      string          `json:"upstream_uri"`
	Method           string          `json:"method"`
	Body             json.RawMessage `json:"body,omitempty"`
	RedirectToSignIn bool            `json:"redirect_to_sign_in,omitempty"`
}

// hop-by-hop and gateway-managed headers never copied to the upstream
// request. Accept-Encoding is dropped so the transport negotiates its own
// compression and transparently decompresses the response.
var skipRequestHeaders = map[string]bool{
	"Content-Length":  true,
	"Cookie":          true,
	"Accept-Encoding": true,
	"Connection":      true,
	"Host":            true,
	"Authorization":   true,
}

// parseProxyRequest extracts the upstream call description from the request.
// The inbound body is buffered and returned so it can be forwarded when the
// description carries no explicit body.
func parseProxyRequest(r *http.Request) (*proxyRequest, []byte, error) {
	preq := &proxyRequest{}
	var inbound []byte

	if r.Method == http.MethodGet {
		q := r.URL.Query()
		preq.UpstreamURI = q.Get("upstream_uri")
		preq.Method = q.Get("method")
		preq.RedirectToSignIn = strings.EqualFold(q.Get("redirect_to_sign_in"), "true")
	} else {
		var err error
		inbound, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(inbound, preq); err != nil {
			return nil, nil, err
		}
	}

	if preq.Method == "" {
		preq.Method = http.MethodGet
	}
	preq.Method = strings.ToUpper(preq.Method)

	return preq, inbound, nil
}

func validProxyMethod(method string) bool {
	for _, m := range proxyMethods {
		if m == method {
			return true
		}
	}
	return false
}

// handleProxy forwards a request to the configured upstream with the
// caller's access token attached as a bearer credential. Unauthenticated
// callers get either a 302 to /sign_in or a 401, chosen by the caller via
// redirect_to_sign_in. The session cookie itself never crosses to the
// upstream.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	preq, inbound, err := parseProxyRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request_body"})
		return
	}
	if preq.UpstreamURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_upstream_uri"})
		return
	}
	if !validProxyMethod(preq.Method) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_method"})
		return
	}
	if !strings.HasPrefix(preq.UpstreamURI, "http://") && !strings.HasPrefix(preq.UpstreamURI, "https://") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_upstream_uri"})
		return
	}

	ident, err := s.resolveIdentity(r)
	if err != nil {
		s.writeDependencyError(w, err)
		return
	}

	switch ident.state {
	case stateInvalidCookie:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "invalid_session",
			"detail": "Session cookie is set but not valid. Possible leaked or hijacked session id; please sign out and sign in again.",
		})
		return
	case stateNoCookie, stateUnauthenticated:
		if preq.RedirectToSignIn {
			http.Redirect(w, r, "/sign_in", http.StatusFound)
		} else {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		}
		return
	}

	record := ident.record

	// Rotate the session id on every authenticated proxy call, so a
	// captured cookie value goes stale as soon as the real client is used.
	if s.cfg.Session.EnableRotation {
		newID, err := s.store.Rotate(r.Context(), record.SessionID)
		if err != nil {
			s.writeDependencyError(w, err)
			return
		}
		if newID != "" {
			record.SessionID = newID
			s.setSessionCookie(w, newID)
		}
	}

	out, err := s.buildUpstreamRequest(r, preq, inbound, record.AccessToken)
	if err != nil {
		slog.Error("failed to build upstream request", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	resp, err := s.upstream.Do(out)
	if err != nil {
		slog.Error("upstream request failed",
			"upstream_uri", sanitizeLog(preq.UpstreamURI),
			"error", err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_unreachable"})
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("failed to copy upstream response", "error", err)
	}
}

func mutatingMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// buildUpstreamRequest assembles the outbound request: the caller's headers
// minus hop-by-hop and credential headers, the caller's cookies minus the
// gateway's own, and the session's access token as the bearer credential.
// An explicit body from the call description wins; without one, mutating
// upstream calls forward the buffered inbound body.
func (s *Server) buildUpstreamRequest(r *http.Request, preq *proxyRequest, inbound []byte, accessToken string) (*http.Request, error) {
	var body io.Reader
	if len(preq.Body) > 0 {
		body = bytes.NewReader(preq.Body)
	} else if mutatingMethod(preq.Method) && len(inbound) > 0 {
		body = bytes.NewReader(inbound)
	}

	out, err := http.NewRequestWithContext(r.Context(), preq.Method, preq.UpstreamURI, body)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		if skipRequestHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}

	for _, c := range r.Cookies() {
		if c.Name == s.cfg.Session.CookieName {
			continue
		}
		out.AddCookie(c)
	}

	out.Header.Set("Authorization", "Bearer "+accessToken)
	if len(preq.Body) > 0 {
		out.Header.Set("Content-Type", "application/json")
	}

	return out, nil
}

// response headers never copied back to the browser. The transport has
// already decompressed the body, so the encoding headers would lie; the
// Authorization and Set-Cookie values belong to the upstream hop only.
var skipResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Authorization":     true,
	"Keep-Alive":        true,
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if skipResponseHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

// handleFrontend forwards any request the gateway does not handle itself to
// the frontend origin, path and query intact. This keeps the browser on a
// single origin with the auth endpoints.
func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.Frontend.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "frontend_unreachable"})
		return
	}

	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Accept-Encoding" || canonical == "Connection" || canonical == "Host" {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}

	resp, err := s.upstream.Do(out)
	if err != nil {
		slog.Error("frontend request failed",
			"path", sanitizeLog(r.URL.Path),
			"error", err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "frontend_unreachable"})
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("failed to copy frontend response", "error", err)
	}
}
