// Package hardening enforces the startup configuration rules that keep a
// production instance from serving tax calculations in an unsafe state.
package hardening

import (
	"fmt"
	"strings"
)

// Secret is a named deploy-time credential that must be present.
type Secret struct {
	Name  string
	Value string
}

// Options carries the raw environment values under inspection. Database
// checks only apply when a database URL is configured; the service can run
// on the file-backed version store alone.
type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseURL        string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	RequiredSecrets    []Secret
}

// ValidateProduction rejects configurations that would weaken a production
// or staging deployment. Non-production environments pass unchecked, as does
// any environment with STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolValue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "moneyrite"
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !boolValue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production requires DATABASE_REQUIRE_TLS=true when a database is configured", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolValue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: production requires REDIS_REQUIRE_TLS=true", service)
		}
		if boolValue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: production forbids REDIS_TLS_INSECURE", service)
		}
	}
	if err := checkOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, secret := range o.RequiredSecrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fmt.Errorf("%s: production requires %s to be set", service, secret.Name)
		}
	}
	return nil
}

func checkOrigins(raw, service string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		seen++
		switch {
		case o == "*":
			return fmt.Errorf("%s: production forbids CORS wildcard origin", service)
		case strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1"):
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, strings.TrimSpace(origin))
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("%s: production requires HTTPS CORS origin, got %q", service, strings.TrimSpace(origin))
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func boolValue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
