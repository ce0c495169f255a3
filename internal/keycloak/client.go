// Package keycloak implements the OIDC client side of the gateway:
// the authorization-code-with-PKCE flow, token refresh, IdP logout,
// and access-token verification against the realm's signing keys.
package keycloak

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
)

// Terminal flow errors. Authorization codes are single-use, so a failed
// exchange is never retried; a failed refresh means the session can no
// longer be trusted and must be destroyed by the caller.
var (
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrRefreshFailed       = errors.New("token refresh failed")
)

// AuthFlow contains everything needed to initiate an authorization flow.
type AuthFlow struct {
	// URL is the complete authorization URL to redirect the browser to
	URL string

	// CodeVerifier is the PKCE code verifier; the caller must persist it
	// against the state it attaches to the flow
	CodeVerifier string
}

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is the absolute expiry instant of the access token,
	// computed from the token endpoint's expires_in
	ExpiresAt time.Time
}

// Client talks to a Keycloak realm. Server-to-server calls (token, logout,
// JWKS, userinfo) use the internal base URL; the authorization URL handed to
// the browser uses the public one.
type Client struct {
	cfg  *config.KeycloakConfig
	http *http.Client

	tokenEndpoint    string
	authEndpoint     string
	logoutEndpoint   string
	jwksEndpoint     string
	userinfoEndpoint string
}

// NewClient creates a Keycloak client. A nil httpClient uses a default with
// a 10-second timeout; the client is pooled and shared across requests.
func NewClient(cfg *config.KeycloakConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	realm := cfg.RealmURL()
	return &Client{
		cfg:              cfg,
		http:             httpClient,
		tokenEndpoint:    realm + "/protocol/openid-connect/token",
		logoutEndpoint:   realm + "/protocol/openid-connect/logout",
		jwksEndpoint:     realm + "/protocol/openid-connect/certs",
		userinfoEndpoint: realm + "/protocol/openid-connect/userinfo",
		authEndpoint:     cfg.PublicRealmURL() + "/protocol/openid-connect/auth",
	}
}

// JWKSEndpoint returns the realm's key-set URL.
func (c *Client) JWKSEndpoint() string {
	return c.jwksEndpoint
}

// oauthConfig builds the oauth2 configuration for a given redirect URI.
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{"openid", "profile", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authEndpoint,
			TokenURL: c.tokenEndpoint,
		},
	}
}

// httpContext routes oauth2's internal HTTP calls through the shared client.
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// StartAuthFlow builds the authorization URL for the given state and
// redirect URI, generating a fresh PKCE verifier/challenge pair.
func (c *Client) StartAuthFlow(state, redirectURI string) (*AuthFlow, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	challenge := generateCodeChallenge(verifier)

	authURL := c.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	return &AuthFlow{
		URL:          authURL,
		CodeVerifier: verifier,
	}, nil
}

// ExchangeCode exchanges an authorization code for a token set using the
// PKCE code verifier. Any failure is terminal: the code is single-use.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenSet, error) {
	token, err := c.oauthConfig(redirectURI).Exchange(c.httpContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	return tokenSetFromOAuth(token), nil
}

// Refresh obtains a new token set from a refresh token. Any failure is
// terminal; the caller must delete the session rather than retry.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := c.oauthConfig("").TokenSource(c.httpContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})

	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	ts := tokenSetFromOAuth(token)
	if ts.RefreshToken == "" {
		// Keycloak normally rotates the refresh token; keep the old one
		// if the response omitted it.
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// Logout terminates the IdP-side session. It is best-effort: failures are
// logged and reported as false, and must never block local session deletion.
func (c *Client) Logout(ctx context.Context, refreshToken string) bool {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.logoutEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("failed to build keycloak logout request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("keycloak logout request failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("keycloak logout returned unexpected status",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return false
	}

	slog.Info("keycloak session terminated")
	return true
}

// UserInfo fetches the userinfo document for an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned status %d", resp.StatusCode)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return info, nil
}

func tokenSetFromOAuth(token *oauth2.Token) *TokenSet {
	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

// generateCodeVerifier creates a cryptographically random PKCE code verifier.
// The verifier is 32 random bytes encoded as base64url (43 characters).
// Per RFC 7636, the verifier must be 43-128 characters.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateCodeChallenge creates a PKCE code challenge from the verifier.
// It uses the S256 method: BASE64URL(SHA256(ASCII(verifier)))
func generateCodeChallenge(verifier string) string {
	h := sha256.New()
	h.Write([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// GenerateState creates a random state parameter for CSRF protection.
// The state is 32 random bytes encoded as base64url.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
