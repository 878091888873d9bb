package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// OIDCResolver validates externally issued JWTs using the issuer's JWKS.
type OIDCResolver struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewOIDCResolver creates an OIDCResolver that fetches JWKS from the issuer.
func NewOIDCResolver(issuer string) (*OIDCResolver, error) {
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &OIDCResolver{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// Name returns the provider name.
func (o *OIDCResolver) Name() string { return "oidc" }

// Resolve parses an OIDC JWT and returns the staff identity. Email
// verification and roles come straight from the token claims; the caller
// decides whether they are sufficient.
func (o *OIDCResolver) Resolve(ctx context.Context, credential string) (*StaffIdentity, error) {
	token, err := jwt.Parse(credential, o.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(o.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	verified, _ := claims["email_verified"].(bool)

	name := claimStr(claims, "name")
	if name == "" {
		name = strings.TrimSpace(claimStr(claims, "given_name") + " " + claimStr(claims, "family_name"))
	}

	return &StaffIdentity{
		SubjectID:     sub,
		Email:         claimStr(claims, "email"),
		Name:          name,
		EmailVerified: verified,
		Roles:         claimRoles(claims),
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// claimRoles extracts roles from either a "roles" array claim or a
// space-separated "scope" style string.
func claimRoles(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []any:
		var roles []string
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return strings.Fields(v)
	}
	return nil
}
