// Package hardening validates gateway configuration before the listener
// opens. In production-like environments a misconfigured credential or an
// insecure transport fails the boot instead of running degraded.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Environment        string
	StrictProdSecurity string
	DevelopmentMode    bool
	AuthDisabled       bool
	JWTSecret          string
	JWKSURL            string
	APIKeys            string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	RequiredSecrets    []EnvRequirement
}

// ValidateProduction enforces the production posture. Outside production
// environments, or with strict hardening explicitly disabled, everything
// passes.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	if o.DevelopmentMode {
		return fmt.Errorf("gateway: strict production hardening forbids development mode")
	}
	if o.AuthDisabled {
		return fmt.Errorf("gateway: strict production hardening forbids disabling authentication")
	}
	if strings.TrimSpace(o.JWTSecret) == "" && strings.TrimSpace(o.JWKSURL) == "" && strings.TrimSpace(o.APIKeys) == "" {
		return fmt.Errorf("gateway: strict production hardening requires a verification secret, a JWKS URL, or API keys")
	}
	if url := strings.TrimSpace(o.JWKSURL); url != "" && !strings.HasPrefix(strings.ToLower(url), "https://") {
		return fmt.Errorf("gateway: strict production hardening requires an HTTPS JWKS URL, got %q", url)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("gateway: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("gateway: strict production hardening forbids REDIS_TLS_INSECURE")
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("gateway: strict production hardening requires %s", req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	origins := strings.Split(raw, ",")
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("gateway: strict production hardening forbids CORS wildcard origin")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("gateway: strict production hardening forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("gateway: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("gateway: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
