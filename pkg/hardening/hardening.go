package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	AuthMode           string
	AuthSecret         string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	CORSAllowedOrigins string
}

// ValidateProduction rejects startup configurations that would run a
// production-like environment without transport security or authentication.
// Non-production environments pass unconditionally, as does production with
// STRICT_PROD_SECURITY explicitly set to false.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.TrimSpace(strings.ToLower(o.AuthMode)) != "hs256" {
		return fmt.Errorf("%s: strict production hardening requires AUTH_MODE=hs256", service)
	}
	if strings.TrimSpace(o.AuthSecret) == "" {
		return fmt.Errorf("%s: strict production hardening requires AUTH_HS256_SECRET", service)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.Contains(lower, "://localhost") || strings.Contains(lower, "://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
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
