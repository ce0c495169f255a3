package keycloak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Key cache errors. ErrKeySetUnavailable is a dependency failure: without
// the key set no token can be verified, so the edge must surface it as a
// 5xx, never as "unauthenticated".
var (
	ErrKeySetUnavailable = errors.New("signing key set unavailable")
	ErrUnknownKey        = errors.New("signing key not found")
)

// KeyCache fetches the realm's JWKS once and caches it for the process
// lifetime. The fetch happens lazily on first use, guarded by a mutex so
// concurrent first requests produce a single fetch. A failed fetch is not
// cached; the next request retries.
//
// Keys are never refreshed within a process: a key rotation at the IdP
// requires a restart.
type KeyCache struct {
	jwksURL string
	http    *http.Client

	mu  sync.Mutex
	set jwk.Set
}

// NewKeyCache creates a key cache for the given JWKS endpoint.
func NewKeyCache(jwksURL string, httpClient *http.Client) *KeyCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &KeyCache{
		jwksURL: jwksURL,
		http:    httpClient,
	}
}

// NewKeyCacheFromSet creates a pre-populated cache. Used by tests.
func NewKeyCacheFromSet(set jwk.Set) *KeyCache {
	return &KeyCache{set: set}
}

// Keys returns the cached key set, fetching it on first use.
func (kc *KeyCache) Keys(ctx context.Context) (jwk.Set, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if kc.set != nil {
		return kc.set, nil
	}

	set, err := kc.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	kc.set = set
	return kc.set, nil
}

// ResolveKey returns the raw public key for a key id, suitable for
// signature verification. An unknown kid is reported as ErrUnknownKey.
func (kc *KeyCache) ResolveKey(ctx context.Context, kid string) (interface{}, error) {
	set, err := kc.Keys(ctx)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}

	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to materialize signing key %q: %w", kid, err)
	}
	return raw, nil
}

func (kc *KeyCache) fetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, kc.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := kc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}
