package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
)

// fakeIdP is an httptest-backed Keycloak stand-in for the realm endpoints.
type fakeIdP struct {
	t *testing.T

	tokenStatus  int
	tokenForm    map[string][]string
	logoutStatus int
	logoutForm   map[string][]string
}

func newFakeIdP(t *testing.T) (*fakeIdP, *Client) {
	t.Helper()
	f := &fakeIdP{
		t:            t,
		tokenStatus:  http.StatusOK,
		logoutStatus: http.StatusNoContent,
	}

	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)

	cfg := &config.KeycloakConfig{
		URL:          srv.URL,
		PublicURL:    srv.URL,
		Realm:        "reports-realm",
		ClientID:     "auth-proxy",
		ClientSecret: "hush",
	}
	return f, NewClient(cfg, srv.Client())
}

func (f *fakeIdP) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.t.Errorf("ParseForm() error = %v", err)
	}

	switch r.URL.Path {
	case "/realms/reports-realm/protocol/openid-connect/token":
		f.tokenForm = r.PostForm
		if f.tokenStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.tokenStatus)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    300,
		})
	case "/realms/reports-realm/protocol/openid-connect/logout":
		f.logoutForm = r.PostForm
		w.WriteHeader(f.logoutStatus)
	case "/realms/reports-realm/protocol/openid-connect/userinfo":
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":                "user-1",
			"preferred_username": "alice",
		})
	default:
		f.t.Errorf("unexpected request path %q", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestExchangeCode(t *testing.T) {
	idp, client := newFakeIdP(t)

	tokens, err := client.ExchangeCode(context.Background(),
		"auth-code", "http://localhost:3000/callback", "the-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if tokens.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want %q", tokens.AccessToken, "new-access")
	}
	if tokens.RefreshToken != "new-refresh" {
		t.Errorf("RefreshToken = %q, want %q", tokens.RefreshToken, "new-refresh")
	}
	if until := time.Until(tokens.ExpiresAt); until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("ExpiresAt %v not ~5 minutes out", tokens.ExpiresAt)
	}

	form := idp.tokenForm
	if got := form["grant_type"]; len(got) != 1 || got[0] != "authorization_code" {
		t.Errorf("grant_type = %v", got)
	}
	if got := form["code"]; len(got) != 1 || got[0] != "auth-code" {
		t.Errorf("code = %v", got)
	}
	if got := form["code_verifier"]; len(got) != 1 || got[0] != "the-verifier" {
		t.Errorf("code_verifier = %v", got)
	}
	if got := form["redirect_uri"]; len(got) != 1 || got[0] != "http://localhost:3000/callback" {
		t.Errorf("redirect_uri = %v", got)
	}
}

func TestExchangeCodeFailure(t *testing.T) {
	idp, client := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest

	_, err := client.ExchangeCode(context.Background(),
		"bad-code", "http://localhost:3000/callback", "the-verifier")
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Errorf("ExchangeCode() error = %v, want ErrTokenExchangeFailed", err)
	}
}

func TestRefresh(t *testing.T) {
	idp, client := newFakeIdP(t)

	tokens, err := client.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if tokens.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want %q", tokens.AccessToken, "new-access")
	}
	if tokens.RefreshToken != "new-refresh" {
		t.Errorf("RefreshToken = %q, want rotated token", tokens.RefreshToken)
	}

	form := idp.tokenForm
	if got := form["grant_type"]; len(got) != 1 || got[0] != "refresh_token" {
		t.Errorf("grant_type = %v", got)
	}
	if got := form["refresh_token"]; len(got) != 1 || got[0] != "old-refresh" {
		t.Errorf("refresh_token = %v", got)
	}
}

func TestRefreshFailure(t *testing.T) {
	idp, client := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest

	_, err := client.Refresh(context.Background(), "revoked-refresh")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Refresh() error = %v, want ErrRefreshFailed", err)
	}
}

func TestLogout(t *testing.T) {
	idp, client := newFakeIdP(t)

	if !client.Logout(context.Background(), "the-refresh") {
		t.Error("Logout() = false, want true on 204")
	}

	form := idp.logoutForm
	if got := form["client_id"]; len(got) != 1 || got[0] != "auth-proxy" {
		t.Errorf("client_id = %v", got)
	}
	if got := form["client_secret"]; len(got) != 1 || got[0] != "hush" {
		t.Errorf("client_secret = %v", got)
	}
	if got := form["refresh_token"]; len(got) != 1 || got[0] != "the-refresh" {
		t.Errorf("refresh_token = %v", got)
	}
}

func TestLogoutFailure(t *testing.T) {
	idp, client := newFakeIdP(t)
	idp.logoutStatus = http.StatusBadRequest

	if client.Logout(context.Background(), "the-refresh") {
		t.Error("Logout() = true, want false on non-204")
	}
}

func TestUserInfo(t *testing.T) {
	_, client := newFakeIdP(t)

	info, err := client.UserInfo(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info["preferred_username"] != "alice" {
		t.Errorf("preferred_username = %v, want alice", info["preferred_username"])
	}

	if _, err := client.UserInfo(context.Background(), "bad-token"); err == nil {
		t.Error("UserInfo() with bad token expected error, got nil")
	}
}
