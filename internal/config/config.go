// Package config reads service settings from BENEFICIOS_* environment variables
// and the optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const envPrefix = "BENEFICIOS_"

// Config is the process configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	RedisURL string

	JWTSecret     string
	JWTPrivateKey string
	JWTPublicKey  string
	JWTKeyID      string
	JWTIssuer     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	GrantCacheSize int
	GrantCacheTTL  time.Duration

	CleanupSchedule string

	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel   string
	PolicyFile string
}

// Defaults returns the configuration used when no variable is set.
func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		JWTIssuer:       "beneficios-authz",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      14 * 24 * time.Hour,
		GrantCacheSize:  4096,
		GrantCacheTTL:   30 * time.Second,
		CleanupSchedule: "@every 1h",
		RateLimitRPS:    5,
		RateLimitBurst:  10,
		LogLevel:        "info",
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads variables through getenv, applies defaults and validates the result.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	get := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }
	var errs []error

	str := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(dst *int, key string) {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str(&cfg.HTTPAddr, "HTTP_ADDR")
	str(&cfg.GRPCAddr, "GRPC_ADDR")
	str(&cfg.PGDSN, "PG_DSN")
	str(&cfg.RedisURL, "REDIS_URL")
	str(&cfg.JWTSecret, "JWT_SECRET")
	str(&cfg.JWTPrivateKey, "JWT_PRIVATE_KEY")
	str(&cfg.JWTPublicKey, "JWT_PUBLIC_KEY")
	str(&cfg.JWTKeyID, "JWT_KEY_ID")
	str(&cfg.JWTIssuer, "JWT_ISSUER")
	dur(&cfg.AccessTTL, "ACCESS_TTL")
	dur(&cfg.RefreshTTL, "REFRESH_TTL")
	integer(&cfg.GrantCacheSize, "GRANT_CACHE_SIZE")
	dur(&cfg.GrantCacheTTL, "GRANT_CACHE_TTL")
	str(&cfg.CleanupSchedule, "CLEANUP_SCHEDULE")
	if v := get("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err))
		} else {
			cfg.RateLimitRPS = f
		}
	}
	integer(&cfg.RateLimitBurst, "RATE_LIMIT_BURST")
	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.PolicyFile, "POLICY_FILE")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	hasRSA := c.JWTPrivateKey != "" || c.JWTPublicKey != ""
	switch {
	case c.JWTSecret == "" && !hasRSA:
		errs = append(errs, errors.New("one of JWT_SECRET or JWT_PRIVATE_KEY/JWT_PUBLIC_KEY is required"))
	case c.JWTSecret != "" && hasRSA:
		errs = append(errs, errors.New("JWT_SECRET and RSA keys are mutually exclusive"))
	case hasRSA && (c.JWTPrivateKey == "" || c.JWTPublicKey == ""):
		errs = append(errs, errors.New("both JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TTL must be positive"))
	}
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("REFRESH_TTL must exceed ACCESS_TTL"))
	}
	if c.GrantCacheSize < 0 || c.GrantCacheTTL < 0 {
		errs = append(errs, errors.New("grant cache size and ttl must not be negative"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	if c.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("CLEANUP_SCHEDULE: %w", err))
		}
	}
	return errors.Join(errs...)
}
