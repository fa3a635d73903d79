// Package config loads sandboxctl settings from defaults, an optional
// config file, and SANDBOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/sandboxctl/internal/backend"
	"github.com/petrijr/sandboxctl/pkg/api"
)

// EnvPrefix prefixes every environment override, e.g. SANDBOX_API_URL.
const EnvPrefix = "SANDBOX"

// Route layouts accepted by api.layout.
const (
	LayoutSignup              = "signup"
	LayoutRegistrationService = "registration-service"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	SSO     SSOConfig     `mapstructure:"sso"`
	Token   TokenConfig   `mapstructure:"token"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Poll    PollConfig    `mapstructure:"poll"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

type APIConfig struct {
	URL     string        `mapstructure:"url"`
	Layout  string        `mapstructure:"layout"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SSOConfig struct {
	AuthServerURL string   `mapstructure:"auth_server_url"`
	Realm         string   `mapstructure:"realm"`
	ClientID      string   `mapstructure:"client_id"`
	Scopes        []string `mapstructure:"scopes"`
	RedirectPort  int      `mapstructure:"redirect_port"`
}

type TokenConfig struct {
	CachePath string `mapstructure:"cache_path"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	// RetryAfterCeiling bounds server Retry-After delays; 0 means max_backoff.
	RetryAfterCeiling time.Duration `mapstructure:"retry_after_ceiling"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// MaxPolls bounds provisioning polls; 0 means unbounded.
	MaxPolls int `mapstructure:"max_polls"`
}

type HistoryConfig struct {
	// DBPath enables the SQLite session history when set.
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "https://registration-service-toolchain-host-operator.apps.sandbox.x8i5.p1.openshiftapps.com")
	v.SetDefault("api.layout", LayoutRegistrationService)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("sso.auth_server_url", "https://sso.redhat.com/auth")
	v.SetDefault("sso.realm", "redhat-external")
	v.SetDefault("sso.client_id", "vscode-redhat-account")
	v.SetDefault("sso.scopes", []string{"openid"})
	v.SetDefault("sso.redirect_port", 0)

	v.SetDefault("token.cache_path", defaultCachePath())

	policy := api.DefaultRetryPolicy()
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.initial_backoff", policy.InitialBackoff)
	v.SetDefault("retry.max_backoff", policy.MaxBackoff)
	v.SetDefault("retry.multiplier", policy.BackoffMultiplier)
	v.SetDefault("retry.retry_after_ceiling", time.Duration(0))

	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max_polls", 120)

	v.SetDefault("history.db_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sandboxctl", "token.json")
}

// Load reads configuration. path may be empty; when set, the file must
// exist and its format is taken from the extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that defaults cannot guarantee once files and
// environment overrides are applied.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.API.URL))
	if c.API.URL == "" || err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("config: api.url must be an absolute URL, got %q", c.API.URL)
	}
	switch c.API.Layout {
	case LayoutSignup, LayoutRegistrationService:
	default:
		return fmt.Errorf("config: api.layout must be %q or %q", LayoutSignup, LayoutRegistrationService)
	}
	if c.API.Timeout <= 0 {
		return errors.New("config: api.timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff <= 0 {
		return errors.New("config: retry backoff intervals must be positive")
	}
	if c.Retry.RetryAfterCeiling < 0 {
		return errors.New("config: retry.retry_after_ceiling must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("config: retry.multiplier must be at least 1")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("config: poll.interval must be positive")
	}
	if c.Poll.MaxPolls < 0 {
		return errors.New("config: poll.max_polls must not be negative")
	}
	if c.SSO.RedirectPort < 0 || c.SSO.RedirectPort > 65535 {
		return errors.New("config: sso.redirect_port out of range")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RetryPolicy converts the retry section for the engine.
func (c *Config) RetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.Multiplier,
		RetryAfterCeiling: c.Retry.RetryAfterCeiling,
	}
}

// Routes returns the backend endpoint layout selected by api.layout.
func (c *Config) Routes() backend.Routes {
	if c.API.Layout == LayoutSignup {
		return backend.DefaultRoutes()
	}
	return backend.RegistrationServiceRoutes()
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level: %w", err)
	}
	return l, nil
}
