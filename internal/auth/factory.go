package auth

import (
	"fmt"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/config"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
)

// NewResolver creates a credential resolver from auth configuration.
func NewResolver(s store.Store, cfg config.AuthConfig) (Resolver, error) {
	switch cfg.Provider {
	case "builtin", "":
		return NewService(s, cfg), nil
	case "oidc":
		return NewOIDCResolver(cfg.OIDCIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.Provider)
	}
}
