package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/rewind/internal/config"
	"github.com/agentworkforce/rewind/internal/httpapi"
	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/sandbox"
	"github.com/agentworkforce/rewind/internal/workspace"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rewind: %v\n", err)
		os.Exit(1)
	}
}

type flagValues struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func parseFlags(args []string, stderr io.Writer) (flagValues, error) {
	var values flagValues
	fs := pflag.NewFlagSet("rewind", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&values.configPath, "config", "c", os.Getenv("REWIND_CONFIG"), "path to a .toml, .yaml or .json config file")
	fs.StringVar(&values.addr, "addr", "", "listen address (overrides config)")
	fs.StringVar(&values.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	fs.StringVar(&values.logFormat, "log-format", "", "text or json (overrides config)")
	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	return values, nil
}

func (f flagValues) apply(cfg *config.Config) {
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	flags, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	loader := config.NewLoader(flags.configPath)
	defer loader.Close()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	levelVar.Set(level)
	logger, err := logging.New(stderr, cfg.Logging.Format, levelVar)
	if err != nil {
		return err
	}

	dsn, err := cfg.BackendDSN()
	if err != nil {
		return err
	}
	backend, err := workspace.BuildBackendFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("initialize workspace backend: %w", err)
	}
	defer backend.Close()

	adapter, err := buildSandboxAdapter(cfg.Sandbox, backend, logger)
	if err != nil {
		return fmt.Errorf("initialize sandbox provider: %w", err)
	}
	rollbacker, err := workspace.NewRollbacker(workspace.Options{
		Messages: backend,
		Files:    backend,
		Sessions: backend,
		Sandbox:  adapter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	server, err := httpapi.NewServer(httpapi.Deps{
		Rollbacker: rollbacker,
		Messages:   backend,
		Files:      backend,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.HTTP.JWTSecret,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if flags.configPath != "" {
		watchConfig(ctx, loader, levelVar, flags, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server.listening", "addr", cfg.Addr, "backend", backendScheme(dsn), "sandbox_provider", cfg.Sandbox.Provider)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildSandboxAdapter returns nil when no provider is configured, in which
// case rebuilt file content is only persisted.
func buildSandboxAdapter(cfg config.SandboxConfig, backend workspace.Backend, logger *slog.Logger) (workspace.SandboxAdapter, error) {
	var provider sandbox.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", config.SandboxNone:
		return nil, nil
	case config.SandboxLocal:
		local, err := sandbox.NewLocalProvider(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		provider = local
	case config.SandboxRemote:
		remote, err := sandbox.NewRemoteProvider(cfg.RemoteURL, cfg.RemoteToken)
		if err != nil {
			return nil, err
		}
		provider = remote
	default:
		return nil, fmt.Errorf("unsupported sandbox provider: %s", cfg.Provider)
	}
	manager, err := sandbox.NewManager(provider, backend, backend,
		sandbox.WithTTL(cfg.TTL.Std()),
		sandbox.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return manager, nil
}

// watchConfig applies log level changes from the config file without a
// restart. Other settings need a restart.
func watchConfig(ctx context.Context, loader *config.Loader, levelVar *slog.LevelVar, flags flagValues, logger *slog.Logger) {
	loader.OnChange(func(cfg *config.Config) {
		if flags.logLevel != "" {
			return
		}
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return
		}
		if level != levelVar.Level() {
			levelVar.Set(level)
			logger.Info("config.log_level_changed", "level", level.String())
		}
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config.watch_failed", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config.reload_failed", "error", err)
			}
		}
	}()
}

func backendScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "file"
}
