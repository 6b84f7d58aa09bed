package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvRequiresAuthSecret(t *testing.T) {
	t.Setenv("SENTRA_AUTH_SECRET", "")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "SENTRA_AUTH_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SENTRA_AUTH_SECRET", "test-secret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.Issuer != "sentra" {
		t.Fatalf("Issuer = %q", cfg.Issuer)
	}
	if cfg.AccessTTL != 30*time.Minute || cfg.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("token TTLs = %v / %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.MaxLoginAttempts != 5 || cfg.LockoutDuration != 15*time.Minute {
		t.Fatalf("lockout policy = %d / %v", cfg.MaxLoginAttempts, cfg.LockoutDuration)
	}
	if cfg.PermCacheSize != 4096 || cfg.PermCacheTTL != 30*time.Second {
		t.Fatalf("perm cache = %d / %v", cfg.PermCacheSize, cfg.PermCacheTTL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SENTRA_AUTH_SECRET", "test-secret")
	t.Setenv("SENTRA_ADDR", ":9090")
	t.Setenv("SENTRA_ISSUER", "sentra-dev")
	t.Setenv("SENTRA_ACCESS_TTL", "5m")
	t.Setenv("SENTRA_REFRESH_TTL", "48h")
	t.Setenv("SENTRA_MAX_LOGIN_ATTEMPTS", "3")
	t.Setenv("SENTRA_RATE_LIMIT_RPS", "100")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Issuer != "sentra-dev" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.AccessTTL != 5*time.Minute || cfg.RefreshTTL != 48*time.Hour {
		t.Fatalf("token TTLs = %v / %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.MaxLoginAttempts != 3 || cfg.RateLimitPerSecond != 100 {
		t.Fatalf("unexpected ints: %+v", cfg)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("SENTRA_AUTH_SECRET", "test-secret")
	t.Setenv("SENTRA_ACCESS_TTL", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected duration parse error")
	}

	t.Setenv("SENTRA_ACCESS_TTL", "")
	t.Setenv("SENTRA_MAX_LOGIN_ATTEMPTS", "many")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected int parse error")
	}
}
