package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/rewind/internal/config"
	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/sandbox"
	"github.com/agentworkforce/rewind/internal/workspace"
)

func TestFlagsOverrideConfig(t *testing.T) {
	t.Setenv("REWIND_CONFIG", "")
	flags, err := parseFlags([]string{"--addr", "127.0.0.1:9999", "--log-level", "debug"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := config.Default()
	flags.apply(cfg)
	if cfg.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected addr override, got %q", cfg.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != config.Default().Logging.Format {
		t.Fatalf("unset flag must not change log format, got %q", cfg.Logging.Format)
	}
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseFlags([]string{"--bogus"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown flag to fail")
	}
}

func TestBuildSandboxAdapterNoneIsNil(t *testing.T) {
	backend := workspace.NewMemoryBackend()
	adapter, err := buildSandboxAdapter(config.SandboxConfig{Provider: config.SandboxNone}, backend, logging.Nop())
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	if adapter != nil {
		t.Fatalf("expected nil adapter without a provider, got %T", adapter)
	}
}

func TestBuildSandboxAdapterLocal(t *testing.T) {
	backend := workspace.NewMemoryBackend()
	adapter, err := buildSandboxAdapter(config.SandboxConfig{
		Provider:  config.SandboxLocal,
		LocalRoot: t.TempDir(),
		TTL:       config.Duration(time.Hour),
	}, backend, logging.Nop())
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	if _, ok := adapter.(*sandbox.Manager); !ok {
		t.Fatalf("expected sandbox manager, got %T", adapter)
	}
	if err := adapter.WriteToLiveSandbox(context.Background(), "conv_1", "readme.md", "Hello"); err != nil {
		t.Fatalf("write to live sandbox: %v", err)
	}
}

func TestBuildSandboxAdapterRejectsBadProvider(t *testing.T) {
	backend := workspace.NewMemoryBackend()
	if _, err := buildSandboxAdapter(config.SandboxConfig{Provider: "docker"}, backend, logging.Nop()); err == nil {
		t.Fatalf("expected unknown provider to fail")
	}
	_, err := buildSandboxAdapter(config.SandboxConfig{Provider: config.SandboxRemote, RemoteURL: "ftp://sandbox"}, backend, logging.Nop())
	if err == nil {
		t.Fatalf("expected unsupported remote scheme to fail")
	}
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	t.Setenv("REWIND_CONFIG", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--addr", "127.0.0.1:0", "--log-format", "json"}, &stderr)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestRunRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("REWIND_CONFIG", "")
	err := run(context.Background(), []string{"--log-level", "loud"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "log") {
		t.Fatalf("expected log level validation error, got %v", err)
	}
}

func TestBackendScheme(t *testing.T) {
	cases := map[string]string{
		"memory://":               "memory",
		"postgres://u@h/db":       "postgres",
		"/var/lib/rewind/rw.db":   "file",
		"sqlite:///tmp/rewind.db": "sqlite",
	}
	for dsn, want := range cases {
		if got := backendScheme(dsn); got != want {
			t.Fatalf("backendScheme(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestWatchConfigUpdatesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader := config.NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	levelVar := new(slog.LevelVar)
	watchConfig(ctx, loader, levelVar, flagValues{configPath: path}, logging.Nop())

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for levelVar.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("log level was not reloaded, still %s", levelVar.Level())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
