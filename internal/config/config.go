package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routing"
)

// Config holds all runtime configuration for the callrouter server.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile string
	HTTPPort   int
	TLSCert    string
	TLSKey     string
	LogLevel   string
	LogFormat  string // log output format: "text" or "json"

	DBDialect   string // "sqlite" or "postgres"
	DataDir     string // sqlite database directory
	DatabaseURL string // postgres DSN

	RedisAddr     string // empty selects the in-process cache
	RedisPassword string
	RedisDB       int

	WebhookAuth    string // none, bearer or hmac
	WebhookSecret  string
	InternalSecret string // hex-encoded 32-byte secret for operator JWTs
	BaseURL        string // public URL prefixed to callback actions

	FallbackProfile  string
	DecisionDeadline time.Duration
	MaxHops          int
	CacheShortTTL    time.Duration // organizations, extensions, DIDs
	CacheLongTTL     time.Duration // schedules, ring groups, IVR menus, rooms
	LockTTL          time.Duration
	LockWait         time.Duration
	CallStateTTL     time.Duration
	OutboundRate     float64 // outbound dials per second per extension
	OutboundBurst    int
}

// defaults
const (
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultDBDialect        = "sqlite"
	defaultDataDir          = "./data"
	defaultWebhookAuth      = middleware.AuthNone
	defaultFallbackProfile  = "standard"
	defaultDecisionDeadline = 3 * time.Second
	defaultMaxHops          = 5
	defaultCacheShortTTL    = 60 * time.Second
	defaultCacheLongTTL     = 300 * time.Second
	defaultLockTTL          = 5 * time.Second
	defaultLockWait         = 500 * time.Millisecond
	defaultCallStateTTL     = 2 * time.Hour
	defaultOutboundRate     = 1.0
	defaultOutboundBurst    = 5
)

// envPrefix is the prefix for all callrouter environment variables.
const envPrefix = "CALLROUTER_"

// Load parses configuration from CLI flags, environment variables and an
// optional YAML file. A .env file in the working directory is loaded first;
// it never overrides variables already set in the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	fs := flag.NewFlagSet("callrouter", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML config file")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.DBDialect, "db-dialect", defaultDBDialect, "durable store (sqlite, postgres)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the shared cache (in-process cache if empty)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")

	fs.StringVar(&cfg.WebhookAuth, "webhook-auth", defaultWebhookAuth, "webhook authentication (none, bearer, hmac)")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", "", "JWT secret (bearer) or HMAC master secret (hmac) for webhooks")
	fs.StringVar(&cfg.InternalSecret, "internal-secret", "", "hex-encoded 32-byte secret for operator endpoint JWTs (auto-generated if empty)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "public base URL for callback actions (e.g., https://router.example.com)")

	fs.StringVar(&cfg.FallbackProfile, "fallback-profile", defaultFallbackProfile, "ring group fallback profile (standard, voicemail)")
	fs.DurationVar(&cfg.DecisionDeadline, "decision-deadline", defaultDecisionDeadline, "deadline for a single routing decision")
	fs.IntVar(&cfg.MaxHops, "max-hops", defaultMaxHops, "maximum nested targets resolved in one decision")
	fs.DurationVar(&cfg.CacheShortTTL, "cache-short-ttl", defaultCacheShortTTL, "cache ttl for organizations, extensions and DIDs")
	fs.DurationVar(&cfg.CacheLongTTL, "cache-long-ttl", defaultCacheLongTTL, "cache ttl for schedules, ring groups, IVR menus and conference rooms")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", defaultLockTTL, "per-call lock expiry")
	fs.DurationVar(&cfg.LockWait, "lock-wait", defaultLockWait, "maximum wait for a per-call lock")
	fs.DurationVar(&cfg.CallStateTTL, "call-state-ttl", defaultCallStateTTL, "expiry of per-call routing state")
	fs.Float64Var(&cfg.OutboundRate, "outbound-rate", defaultOutboundRate, "outbound dials per second per extension")
	fs.IntVar(&cfg.OutboundBurst, "outbound-burst", defaultOutboundBurst, "outbound dial burst per extension")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["config"] {
		if v, ok := os.LookupEnv(envName("config")); ok && v != "" {
			cfg.ConfigFile = v
		}
	}
	file, err := readFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	if err := applyOverrides(fs, set, file); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// readFile loads a YAML config file keyed by flag name.
func readFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return values, nil
}

// applyOverrides fills every flag not set on the command line from the
// environment, then from the config file.
func applyOverrides(fs *flag.FlagSet, set map[string]bool, file map[string]any) error {
	for key := range file {
		if key == "config" || fs.Lookup(key) == nil {
			return fmt.Errorf("config file: unknown key %q", key)
		}
	}

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "config" {
			return
		}
		if val, ok := os.LookupEnv(envName(f.Name)); ok && val != "" {
			if err := fs.Set(f.Name, val); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
			}
			return
		}
		if val, ok := file[f.Name]; ok && val != nil {
			if err := fs.Set(f.Name, fmt.Sprint(val)); err != nil {
				errs = append(errs, fmt.Errorf("config file %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	c.DBDialect = strings.ToLower(c.DBDialect)
	switch c.DBDialect {
	case "sqlite":
		if c.DataDir == "" {
			return fmt.Errorf("data-dir is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required for postgres")
		}
	default:
		return fmt.Errorf("db-dialect must be one of sqlite, postgres; got %q", c.DBDialect)
	}

	if c.RedisDB < 0 {
		return fmt.Errorf("redis-db must not be negative, got %d", c.RedisDB)
	}

	c.WebhookAuth = strings.ToLower(c.WebhookAuth)
	if err := c.WebhookAuthConfig().Validate(); err != nil {
		return err
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base-url must be an absolute http(s) url, got %q", c.BaseURL)
		}
		c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}

	if _, err := ringgroup.ProfileByName(c.FallbackProfile); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"decision-deadline": c.DecisionDeadline,
		"cache-short-ttl":   c.CacheShortTTL,
		"cache-long-ttl":    c.CacheLongTTL,
		"lock-ttl":          c.LockTTL,
		"lock-wait":         c.LockWait,
		"call-state-ttl":    c.CallStateTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.LockWait >= c.DecisionDeadline {
		return fmt.Errorf("lock-wait (%s) must be shorter than decision-deadline (%s)", c.LockWait, c.DecisionDeadline)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max-hops must be at least 1, got %d", c.MaxHops)
	}
	if c.OutboundRate <= 0 || c.OutboundBurst < 1 {
		return fmt.Errorf("outbound-rate must be positive and outbound-burst at least 1")
	}

	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// DatabaseTarget returns the Open target for the configured dialect.
func (c *Config) DatabaseTarget() string {
	if c.DBDialect == "postgres" {
		return c.DatabaseURL
	}
	return c.DataDir
}

// WebhookAuthConfig returns the webhook authentication settings.
func (c *Config) WebhookAuthConfig() middleware.WebhookAuthConfig {
	return middleware.WebhookAuthConfig{Mode: c.WebhookAuth, Secret: []byte(c.WebhookSecret)}
}

// FallbackProfileValue returns the validated ring group fallback profile.
func (c *Config) FallbackProfileValue() ringgroup.Profile {
	p, _ := ringgroup.ProfileByName(c.FallbackProfile)
	return p
}

// InternalSecretBytes returns the decoded 32-byte operator JWT secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) InternalSecretBytes() ([]byte, error) {
	if c.InternalSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating internal secret: %w", err)
		}
		c.InternalSecret = hex.EncodeToString(key)
		slog.Warn("no internal-secret configured, generated ephemeral key (operator tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.InternalSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding internal secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("internal secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level. Tenant isolation breaches log as CRITICAL.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel(), ReplaceAttr: replaceLevel}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= routing.LevelCritical {
		return slog.String(slog.LevelKey, "CRITICAL")
	}
	return a
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
