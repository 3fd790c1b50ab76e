package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	dsn, err := cfg.BackendDSN()
	if err != nil || dsn != "memory://" {
		t.Fatalf("expected memory:// default dsn, got %q (%v)", dsn, err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Sandbox.TTL.Std() != time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"rewind.toml": `
addr = ":9090"
[backend]
profile = "memory"
[sandbox]
provider = "local"
local_root = "/tmp/sbx"
ttl = "30m"
[http]
rate_limit_max = 5
rate_limit_window = "10s"
[logging]
level = "debug"
format = "json"
`,
		"rewind.yaml": `
addr: ":9090"
backend:
  profile: memory
sandbox:
  provider: local
  local_root: /tmp/sbx
  ttl: 30m
http:
  rate_limit_max: 5
  rate_limit_window: 10s
logging:
  level: debug
  format: json
`,
		"rewind.json": `{
  "addr": ":9090",
  "backend": {"profile": "memory"},
  "sandbox": {"provider": "local", "local_root": "/tmp/sbx", "ttl": "30m"},
  "http": {"rate_limit_max": 5, "rate_limit_window": "10s"},
  "logging": {"level": "debug", "format": "json"}
}`,
	}
	for name, body := range files {
		path := filepath.Join(t.TempDir(), name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if cfg.Addr != ":9090" {
			t.Errorf("%s: addr = %q", name, cfg.Addr)
		}
		if cfg.Sandbox.Provider != SandboxLocal || cfg.Sandbox.LocalRoot != "/tmp/sbx" {
			t.Errorf("%s: sandbox = %+v", name, cfg.Sandbox)
		}
		if cfg.Sandbox.TTL.Std() != 30*time.Minute {
			t.Errorf("%s: ttl = %s", name, cfg.Sandbox.TTL.Std())
		}
		if cfg.HTTP.RateLimitMax != 5 || cfg.HTTP.RateLimitWindow.Std() != 10*time.Second {
			t.Errorf("%s: http = %+v", name, cfg.HTTP)
		}
		if cfg.HTTP.MaxBodyBytes != 1<<20 {
			t.Errorf("%s: unset fields should keep defaults, max body = %d", name, cfg.HTTP.MaxBodyBytes)
		}
		if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
			t.Errorf("%s: logging = %+v", name, cfg.Logging)
		}
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.ini")
	if err := os.WriteFile(path, []byte("addr=:1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REWIND_ADDR", ":7000")
	t.Setenv("REWIND_BACKEND_PROFILE", "production")
	t.Setenv("REWIND_POSTGRES_DSN", "postgres://db/rewind")
	t.Setenv("REWIND_SANDBOX_PROVIDER", "remote")
	t.Setenv("REWIND_SANDBOX_URL", "wss://agent.example")
	t.Setenv("REWIND_SANDBOX_TTL", "2h")
	t.Setenv("REWIND_RATE_LIMIT_MAX", "not-a-number")
	t.Setenv("REWIND_MAX_BODY_BYTES", "2048")
	t.Setenv("REWIND_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	dsn, err := cfg.BackendDSN()
	if err != nil || dsn != "postgres://db/rewind" {
		t.Errorf("dsn = %q (%v)", dsn, err)
	}
	if cfg.Sandbox.Provider != SandboxRemote || cfg.Sandbox.RemoteURL != "wss://agent.example" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.TTL.Std() != 2*time.Hour {
		t.Errorf("ttl = %s", cfg.Sandbox.TTL.Std())
	}
	if cfg.HTTP.RateLimitMax != 0 {
		t.Errorf("invalid int override should keep fallback, got %d", cfg.HTTP.RateLimitMax)
	}
	if cfg.HTTP.MaxBodyBytes != 2048 {
		t.Errorf("max body = %d", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestBackendProfiles(t *testing.T) {
	cfg := Default()
	cfg.Backend.Profile = ProfileDurableLocal
	cfg.Backend.DataDir = t.TempDir()
	dsn, err := cfg.BackendDSN()
	if err != nil {
		t.Fatalf("durable-local: %v", err)
	}
	if !strings.HasPrefix(dsn, "sqlite:///") || !strings.HasSuffix(dsn, "/rewind.db") {
		t.Errorf("durable-local dsn = %q", dsn)
	}

	cfg.Backend.Profile = ProfileProduction
	if _, err := cfg.BackendDSN(); err == nil {
		t.Error("production without dsn should fail")
	}
	cfg.Backend.DSN = "postgres://db/rewind"
	if dsn, _ := cfg.BackendDSN(); dsn != "postgres://db/rewind" {
		t.Errorf("explicit dsn should win, got %q", dsn)
	}

	cfg.Backend.DSN = ""
	cfg.Backend.Profile = "mystery"
	if _, err := cfg.BackendDSN(); err == nil {
		t.Error("unknown profile should fail")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Addr = " "
	cfg.Sandbox.Provider = "docker"
	cfg.Sandbox.TTL = 0
	cfg.HTTP.RateLimitMax = -1
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{"addr", "sandbox.provider", "sandbox.ttl", "http.rate_limit_max", "logging.level", "logging.format"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s in %v", want, err)
		}
	}

	remote := Default()
	remote.Sandbox.Provider = SandboxRemote
	if err := remote.Validate(); err == nil || !strings.Contains(err.Error(), "sandbox.remote_url") {
		t.Errorf("remote provider without url should fail, got %v", err)
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewind.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	changed := make(chan *Config, 4)
	loader.OnChange(func(cfg *Config) { changed <- cfg })
	if err := loader.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("expected reloaded level debug, got %q", cfg.Logging.Level)
		}
		if loader.Config().Logging.Level != "debug" {
			t.Fatalf("loader should expose the reloaded config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite invalid: %v", err)
	}
	select {
	case err := <-loader.Errors():
		if err == nil {
			t.Fatal("expected reload error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if loader.Config().Logging.Level != "debug" {
		t.Fatalf("invalid reload must keep previous config, got %q", loader.Config().Logging.Level)
	}
}

func TestLoaderReloadRunsEveryCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	var levels []string
	loader.OnChange(func(cfg *Config) { levels = append(levels, "first:"+cfg.Logging.Level) })
	loader.OnChange(func(cfg *Config) { levels = append(levels, "second:"+cfg.Logging.Level) })

	if err := os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	loader.reload()

	if strings.Join(levels, ",") != "first:error,second:error" {
		t.Fatalf("expected both callbacks in order, got %v", levels)
	}
	if loader.Config().Logging.Level != "error" {
		t.Fatalf("expected reloaded config, got %q", loader.Config().Logging.Level)
	}
}
