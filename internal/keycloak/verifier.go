package keycloak

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrIssuerNotAllowed = errors.New("token issuer not in allowed list")
)

// Claims are the verified claims extracted from an access token.
type Claims struct {
	Subject           string
	PreferredUsername string
	Email             string
	GivenName         string
	FamilyName        string

	// RealmRoles come from a flat realm_roles claim when present, else
	// from the nested realm_access.roles claim.
	RealmRoles []string

	// Permissions is the raw resource_access claim (client-level roles).
	Permissions map[string]interface{}

	// ExternalUUID is set for federated (LDAP) users and takes the place
	// of Subject as the stable user identifier when present.
	ExternalUUID string

	// Issuer is the issuer string the token actually carried.
	Issuer string
}

// UserID returns the stable user identifier: the external UUID for
// federated users, otherwise the token subject.
func (c *Claims) UserID() string {
	if c.ExternalUUID != "" {
		return c.ExternalUUID
	}
	return c.Subject
}

// HasAnyRole reports whether the user holds at least one of the given
// realm roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.RealmRoles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Verifier validates access tokens against the realm's signing keys.
type Verifier struct {
	keys   *KeyCache
	parser *jwt.Parser
}

// NewVerifier creates a token verifier backed by the given key cache.
func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks a token's signature and expiry, then checks its issuer
// against the ordered candidate list, short-circuiting on the first match.
//
// An issuer mismatch continues to the next candidate; expiry is immediately
// terminal regardless of issuer order. The audience claim is deliberately
// not checked: tokens issued to public clients may omit it, and the split
// internal/public issuer setup makes a fixed audience unreliable.
func (v *Verifier) Verify(ctx context.Context, token string, allowedIssuers []string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
		}
		return v.keys.ResolveKey(ctx, kid)
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, ErrUnknownKey),
			errors.Is(err, ErrKeySetUnavailable),
			errors.Is(err, ErrInvalidToken):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	issuer, err := mapClaims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("%w: missing issuer claim", ErrInvalidToken)
	}

	allowed := false
	for _, candidate := range allowedIssuers {
		if issuer == candidate {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: got %q, allowed %v", ErrIssuerNotAllowed, issuer, allowedIssuers)
	}

	return claimsFromMap(mapClaims, issuer), nil
}

func claimsFromMap(m jwt.MapClaims, issuer string) *Claims {
	claims := &Claims{
		Subject:           stringClaim(m, "sub"),
		PreferredUsername: stringClaim(m, "preferred_username"),
		Email:             stringClaim(m, "email"),
		GivenName:         stringClaim(m, "given_name"),
		FamilyName:        stringClaim(m, "family_name"),
		ExternalUUID:      stringClaim(m, "external_uuid"),
		Issuer:            issuer,
	}

	// Roles are checked under a flat realm_roles claim first, then under
	// the standard Keycloak realm_access.roles nesting.
	if roles, ok := rolesClaim(m["realm_roles"]); ok {
		claims.RealmRoles = roles
	} else if access, ok := m["realm_access"].(map[string]interface{}); ok {
		if roles, ok := rolesClaim(access["roles"]); ok {
			claims.RealmRoles = roles
		}
	}

	if permissions, ok := m["resource_access"].(map[string]interface{}); ok {
		claims.Permissions = permissions
	}

	return claims
}

func stringClaim(m jwt.MapClaims, name string) string {
	s, _ := m[name].(string)
	return s
}

// rolesClaim converts a roles claim to []string.
// Handles both []string and []interface{} types.
func rolesClaim(value interface{}) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, role := range v {
			if s, ok := role.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles, true
	default:
		return nil, false
	}
}
