// Package config loads settings from an optional TOML file overlaid with
// SDR_* environment variables, and validates them at startup.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration.
type Config struct {
	Env         string            `toml:"env" validate:"oneof=development staging production"`
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Auth        AuthConfig        `toml:"auth"`
	Presign     PresignConfig     `toml:"presign"`
	Cache       CacheConfig       `toml:"cache"`
	Sweep       SweepConfig       `toml:"sweep"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr" validate:"required,hostname_port"`
	BaseURL         string        `toml:"base_url" validate:"omitempty,http_url"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" validate:"gt=0"`
	// TrustedProxies lists addresses or CIDRs of reverse proxies whose
	// forwarding headers are believed.
	TrustedProxies []string `toml:"trusted_proxies" validate:"dive,cidr|ip"`

	Version         string         `toml:"-"`
	Commit          string         `toml:"-"`
	TrustedPrefixes []netip.Prefix `toml:"-"`
}

// DatabaseConfig uses Type to pick a backend: postgres, sqlite or memory.
// DSN is a postgres URL or a sqlite path.
type DatabaseConfig struct {
	Type string `toml:"type" validate:"oneof=postgres sqlite memory"`
	DSN  string `toml:"dsn" validate:"required_unless=Type memory"`
}

// ObjectStoreConfig uses Type to pick a backend: minio, s3 or memory.
type ObjectStoreConfig struct {
	Type      string `toml:"type" validate:"oneof=minio s3 memory"`
	Endpoint  string `toml:"endpoint" validate:"required_if=Type minio"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket" validate:"required"`
	AccessKey string `toml:"access_key" validate:"required_if=Type minio"`
	SecretKey string `toml:"secret_key" validate:"required_if=Type minio"`
	PathStyle bool   `toml:"path_style"`

	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldown. 0 disables the breaker.
	BreakerFailures int           `toml:"breaker_failures" validate:"gte=0"`
	BreakerCooldown time.Duration `toml:"breaker_cooldown"`
}

type AuthConfig struct {
	SessionSecret string        `toml:"session_secret" validate:"required,min=32"`
	SessionTTL    time.Duration `toml:"session_ttl" validate:"gt=0"`
	CookieName    string        `toml:"cookie_name" validate:"required"`
	Issuer        string        `toml:"issuer"`
}

// PresignConfig bounds presigned URL validity.
type PresignConfig struct {
	PutTTL time.Duration `toml:"put_ttl" validate:"gt=0,lte=1h"`
	GetTTL time.Duration `toml:"get_ttl" validate:"gt=0,lte=1h"`
}

// CacheConfig sizes the download lookup cache. Size 0 disables it.
type CacheConfig struct {
	Size int           `toml:"size" validate:"gte=0"`
	TTL  time.Duration `toml:"ttl"`
}

// SweepConfig controls failing of reservations that never completed.
type SweepConfig struct {
	Enabled   bool          `toml:"enabled"`
	Interval  time.Duration `toml:"interval"`
	MaxAge    time.Duration `toml:"max_age"`
	BatchSize int           `toml:"batch_size"`
}

// RateLimitConfig limits requests per client IP. Requests 0 disables it.
type RateLimitConfig struct {
	Requests int           `toml:"requests" validate:"gte=0"`
	Window   time.Duration `toml:"window"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=json console"`
}

// Default returns a configuration that runs locally with SQLite and the
// in-memory object store.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: 5 * time.Second,
			Version:         "dev",
			Commit:          "unknown",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "sharedrop.db",
		},
		ObjectStore: ObjectStoreConfig{
			Type:            "memory",
			Bucket:          "sharedrop",
			Region:          "us-east-1",
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL: 12 * time.Hour,
			CookieName: "sdr_session",
		},
		Presign: PresignConfig{
			PutTTL: 5 * time.Minute,
			GetTTL: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  30 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:  10 * time.Minute,
			MaxAge:    24 * time.Hour,
			BatchSize: 100,
		},
		RateLimit: RateLimitConfig{
			Requests: 120,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if not empty), applies environment overrides from
// getenv and validates the result.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	v := NewValidator()
	cfg.applyEnv(getenv, v)
	cfg.validate(v)
	if err := v.Err(); err != nil {
		return nil, err
	}
	cfg.Server.TrustedPrefixes = trustedPrefixes(cfg.Server.TrustedProxies)
	return cfg, nil
}

// LoadFromEnv is Load with os.Getenv.
func LoadFromEnv(path string) (*Config, error) {
	return Load(path, os.Getenv)
}

// env reads typed SDR_* overrides and records parse failures.
type env struct {
	get func(string) string
	v   *Validator
}

func (e env) str(key string, dst *string) {
	if val := strings.TrimSpace(e.get(key)); val != "" {
		*dst = val
	}
}

func (e env) list(key string, dst *[]string) {
	val := strings.TrimSpace(e.get(key))
	if val == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e env) integer(key string, dst *int) {
	val := strings.TrimSpace(e.get(key))
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.v.AddError(key, "must be a valid integer")
		return
	}
	*dst = n
}

func (e env) boolean(key string, dst *bool) {
	val := strings.TrimSpace(e.get(key))
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.v.AddError(key, "must be true or false")
		return
	}
	*dst = b
}

func (e env) duration(key string, dst *time.Duration) {
	val := strings.TrimSpace(e.get(key))
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.v.AddError(key, "must be a valid duration (e.g., 30s, 5m, 24h)")
		return
	}
	*dst = d
}

func (c *Config) applyEnv(getenv func(string) string, v *Validator) {
	e := env{get: getenv, v: v}

	e.str("SDR_ENV", &c.Env)

	e.str("SDR_ADDR", &c.Server.Addr)
	e.str("SDR_BASE_URL", &c.Server.BaseURL)
	e.duration("SDR_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	e.str("SDR_VERSION", &c.Server.Version)
	e.str("SDR_COMMIT", &c.Server.Commit)
	e.list("SDR_TRUSTED_PROXIES", &c.Server.TrustedProxies)

	e.str("SDR_DB_TYPE", &c.Database.Type)
	e.str("DATABASE_URL", &c.Database.DSN)
	e.str("SDR_DB_DSN", &c.Database.DSN)

	e.str("SDR_STORE_TYPE", &c.ObjectStore.Type)
	e.str("SDR_S3_ENDPOINT", &c.ObjectStore.Endpoint)
	e.str("SDR_S3_REGION", &c.ObjectStore.Region)
	e.str("SDR_BUCKET", &c.ObjectStore.Bucket)
	e.str("SDR_S3_ACCESS_KEY", &c.ObjectStore.AccessKey)
	e.str("SDR_S3_SECRET_KEY", &c.ObjectStore.SecretKey)
	e.boolean("SDR_S3_PATH_STYLE", &c.ObjectStore.PathStyle)
	e.integer("SDR_S3_BREAKER_FAILURES", &c.ObjectStore.BreakerFailures)
	e.duration("SDR_S3_BREAKER_COOLDOWN", &c.ObjectStore.BreakerCooldown)

	e.str("SDR_SESSION_SECRET", &c.Auth.SessionSecret)
	e.duration("SDR_SESSION_TTL", &c.Auth.SessionTTL)
	e.str("SDR_COOKIE_NAME", &c.Auth.CookieName)
	e.str("SDR_TOKEN_ISSUER", &c.Auth.Issuer)

	e.duration("SDR_PUT_URL_TTL", &c.Presign.PutTTL)
	e.duration("SDR_GET_URL_TTL", &c.Presign.GetTTL)

	e.integer("SDR_CACHE_SIZE", &c.Cache.Size)
	e.duration("SDR_CACHE_TTL", &c.Cache.TTL)

	e.boolean("SDR_SWEEP_ENABLED", &c.Sweep.Enabled)
	e.duration("SDR_SWEEP_INTERVAL", &c.Sweep.Interval)
	e.duration("SDR_SWEEP_MAX_AGE", &c.Sweep.MaxAge)
	e.integer("SDR_SWEEP_BATCH_SIZE", &c.Sweep.BatchSize)

	e.integer("SDR_RATE_LIMIT", &c.RateLimit.Requests)
	e.duration("SDR_RATE_WINDOW", &c.RateLimit.Window)

	e.str("SDR_LOG_LEVEL", &c.Log.Level)
	e.str("SDR_LOG_FORMAT", &c.Log.Format)
}

func (c *Config) validate(v *Validator) {
	v.Struct(c)

	if c.Database.Type == "postgres" && c.Database.DSN != "" &&
		!strings.HasPrefix(c.Database.DSN, "postgres://") &&
		!strings.HasPrefix(c.Database.DSN, "postgresql://") {
		v.AddError("database.dsn", "must be a valid PostgreSQL connection string")
	}
	if c.Env == "production" {
		if c.Database.Type == "memory" {
			v.AddError("database.type", "memory database is not allowed in production")
		}
		if c.ObjectStore.Type == "memory" {
			v.AddError("object_store.type", "memory object store is not allowed in production")
		}
	}

	st := c.ObjectStore
	switch {
	case st.Type == "s3", st.Type == "minio" && strings.Contains(st.Endpoint, "://"):
		v.Var("object_store.endpoint", st.Endpoint, "omitempty,http_url")
	}
	if st.BreakerFailures > 0 {
		v.Var("object_store.breaker_cooldown", st.BreakerCooldown, "gt=0")
	}
	if c.Cache.Size > 0 {
		v.Var("cache.ttl", c.Cache.TTL, "gt=0")
	}
	if c.Sweep.Enabled {
		v.Var("sweep.interval", c.Sweep.Interval, "gt=0")
		v.Var("sweep.max_age", c.Sweep.MaxAge, "gt=0")
		v.Var("sweep.batch_size", c.Sweep.BatchSize, "gt=0")
	}
	if c.RateLimit.Requests > 0 {
		v.Var("rate_limit.window", c.RateLimit.Window, "gt=0")
	}
}

// trustedPrefixes turns validated proxy entries into prefixes. A bare
// address becomes a single-host prefix.
func trustedPrefixes(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}
