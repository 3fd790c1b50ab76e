// Package config loads rewind server settings from a TOML, YAML or JSON
// file with REWIND_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/rewind/internal/logging"
)

const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"

	SandboxNone   = "none"
	SandboxLocal  = "local"
	SandboxRemote = "remote"
)

// Duration is a time.Duration written as a Go duration string ("90s",
// "1h") in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Addr    string        `toml:"addr" yaml:"addr" json:"addr"`
	Backend BackendConfig `toml:"backend" yaml:"backend" json:"backend"`
	Sandbox SandboxConfig `toml:"sandbox" yaml:"sandbox" json:"sandbox"`
	HTTP    HTTPConfig    `toml:"http" yaml:"http" json:"http"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
}

// BackendConfig selects the workspace store. Profile fills in a DSN when
// DSN is empty.
type BackendConfig struct {
	Profile string `toml:"profile" yaml:"profile" json:"profile"`
	DSN     string `toml:"dsn" yaml:"dsn" json:"dsn"`
	DataDir string `toml:"data_dir" yaml:"data_dir" json:"data_dir"`
}

type SandboxConfig struct {
	Provider    string   `toml:"provider" yaml:"provider" json:"provider"`
	LocalRoot   string   `toml:"local_root" yaml:"local_root" json:"local_root"`
	RemoteURL   string   `toml:"remote_url" yaml:"remote_url" json:"remote_url"`
	RemoteToken string   `toml:"remote_token" yaml:"remote_token" json:"remote_token"`
	TTL         Duration `toml:"ttl" yaml:"ttl" json:"ttl"`
}

type HTTPConfig struct {
	JWTSecret       string   `toml:"jwt_secret" yaml:"jwt_secret" json:"jwt_secret"`
	RateLimitMax    int      `toml:"rate_limit_max" yaml:"rate_limit_max" json:"rate_limit_max"`
	RateLimitWindow Duration `toml:"rate_limit_window" yaml:"rate_limit_window" json:"rate_limit_window"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Default returns the settings used when no file or override is given:
// an in-memory backend and no sandbox provider.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Backend: BackendConfig{
			Profile: ProfileCustom,
			DataDir: ".rewind",
		},
		Sandbox: SandboxConfig{
			Provider:  SandboxNone,
			LocalRoot: filepath.Join(".rewind", "sandboxes"),
			TTL:       Duration(time.Hour),
		},
		HTTP: HTTPConfig{
			RateLimitWindow: Duration(time.Minute),
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .toml, .yaml or .json)", filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites fields from REWIND_* variables. Values that
// fail to parse are ignored with a warning.
func (c *Config) ApplyEnvOverrides() {
	stringEnv("REWIND_ADDR", &c.Addr)

	stringEnv("REWIND_BACKEND_PROFILE", &c.Backend.Profile)
	stringEnv("REWIND_BACKEND_DSN", &c.Backend.DSN)
	stringEnv("REWIND_DATA_DIR", &c.Backend.DataDir)
	if c.Backend.DSN == "" && strings.EqualFold(c.Backend.Profile, ProfileProduction) {
		stringEnv("REWIND_POSTGRES_DSN", &c.Backend.DSN)
	}

	stringEnv("REWIND_SANDBOX_PROVIDER", &c.Sandbox.Provider)
	stringEnv("REWIND_SANDBOX_ROOT", &c.Sandbox.LocalRoot)
	stringEnv("REWIND_SANDBOX_URL", &c.Sandbox.RemoteURL)
	stringEnv("REWIND_SANDBOX_TOKEN", &c.Sandbox.RemoteToken)
	c.Sandbox.TTL = Duration(durationEnv("REWIND_SANDBOX_TTL", c.Sandbox.TTL.Std()))

	stringEnv("REWIND_JWT_SECRET", &c.HTTP.JWTSecret)
	c.HTTP.RateLimitMax = intEnv("REWIND_RATE_LIMIT_MAX", c.HTTP.RateLimitMax)
	c.HTTP.RateLimitWindow = Duration(durationEnv("REWIND_RATE_LIMIT_WINDOW", c.HTTP.RateLimitWindow.Std()))
	c.HTTP.MaxBodyBytes = int64Env("REWIND_MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
	c.HTTP.ShutdownTimeout = Duration(durationEnv("REWIND_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout.Std()))

	stringEnv("REWIND_LOG_LEVEL", &c.Logging.Level)
	stringEnv("REWIND_LOG_FORMAT", &c.Logging.Format)
}

// BackendDSN resolves the workspace store DSN. An explicit DSN wins over
// the profile.
func (c *Config) BackendDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Backend.DSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.Backend.Profile))
	switch profile {
	case "", ProfileCustom, ProfileMemory, "inmemory":
		return "memory://", nil
	case ProfileProduction, "prod":
		return "", fmt.Errorf("backend dsn or REWIND_POSTGRES_DSN is required when backend profile is %s", profile)
	case ProfileDurableLocal, "local-durable":
		dir := strings.TrimSpace(c.Backend.DataDir)
		if dir == "" {
			dir = ".rewind"
		}
		abs, err := filepath.Abs(filepath.Join(dir, "rewind.db"))
		if err != nil {
			return "", fmt.Errorf("resolve data dir: %w", err)
		}
		return (&url.URL{Scheme: "sqlite", Path: filepath.ToSlash(abs)}).String(), nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func stringEnv(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config.invalid_env", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("config.invalid_env", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("config.invalid_env", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
