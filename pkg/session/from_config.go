package session

import (
	"fmt"
	"time"

	"github.com/keyamuha-ux/collede/pkg/config"
)

// FromConfig builds the verifier selected by auth.mode.
func FromConfig(cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case config.AuthModeJWT, "":
		return NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	case config.AuthModeIntrospect:
		if cfg.IntrospectURL == "" {
			return nil, fmt.Errorf("auth.introspect_url is required for mode %q", cfg.Mode)
		}
		return NewIntrospectVerifier(cfg.IntrospectURL, nil, time.Duration(cfg.CacheSeconds)*time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}
