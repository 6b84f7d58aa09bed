// Package config loads service configuration from the environment. Nothing
// security-sensitive is hardcoded; the signing secret, token lifetimes, and
// lockout policy all arrive through SENTRA_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully parsed service configuration.
type Config struct {
	Addr      string
	PGDSN     string
	RedisAddr string

	AuthSecret string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	MaxLoginAttempts int
	LockoutDuration  time.Duration

	PermCacheSize int
	PermCacheTTL  time.Duration

	JanitorInterval time.Duration

	RateLimitPerSecond int
	RateLimitBurst     int
}

// FromEnv parses configuration from SENTRA_* environment variables,
// applying defaults for everything except the signing secret.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:               envString("SENTRA_ADDR", ":8080"),
		PGDSN:              os.Getenv("SENTRA_PG_DSN"),
		RedisAddr:          os.Getenv("SENTRA_REDIS_ADDR"),
		AuthSecret:         strings.TrimSpace(os.Getenv("SENTRA_AUTH_SECRET")),
		Issuer:             envString("SENTRA_ISSUER", "sentra"),
		AccessTTL:          30 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		MaxLoginAttempts:   5,
		LockoutDuration:    15 * time.Minute,
		PermCacheSize:      4096,
		PermCacheTTL:       30 * time.Second,
		JanitorInterval:    10 * time.Minute,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
	}
	if cfg.AuthSecret == "" {
		return Config{}, errors.New("SENTRA_AUTH_SECRET is required")
	}
	var err error
	if cfg.AccessTTL, err = envDuration("SENTRA_ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("SENTRA_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockoutDuration, err = envDuration("SENTRA_LOCKOUT_DURATION", cfg.LockoutDuration); err != nil {
		return Config{}, err
	}
	if cfg.PermCacheTTL, err = envDuration("SENTRA_PERM_CACHE_TTL", cfg.PermCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = envDuration("SENTRA_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxLoginAttempts, err = envInt("SENTRA_MAX_LOGIN_ATTEMPTS", cfg.MaxLoginAttempts); err != nil {
		return Config{}, err
	}
	if cfg.PermCacheSize, err = envInt("SENTRA_PERM_CACHE_SIZE", cfg.PermCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerSecond, err = envInt("SENTRA_RATE_LIMIT_RPS", cfg.RateLimitPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = envInt("SENTRA_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
