package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/rewindclient"
)

const usage = `usage: rewindctl [--server URL] [--token TOKEN] <command> [flags] <args>

commands:
  rollback <conversation> <sequence>   restore the workspace to a sequence number
  preview  <conversation> <sequence>   show what a rollback would change
  revert   <conversation> <path>       write content (--file or stdin) to a file
  cat      <conversation> <path>       print a persisted file
  tree     <conversation>              list persisted files
  mirror   <conversation>              copy the workspace into --local-dir
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "rewindctl: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	client *rewindclient.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("rewindctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	server := global.String("server", envOrDefault("REWIND_URL", "http://127.0.0.1:8080"), "rewind server URL")
	token := global.String("token", strings.TrimSpace(os.Getenv("REWIND_TOKEN")), "bearer token")
	timeout := global.Duration("timeout", durationEnv("REWIND_TIMEOUT", 30*time.Second), "per-request timeout")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}
	if strings.TrimSpace(*token) == "" {
		return errors.New("token is required (--token or REWIND_TOKEN)")
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	c := &cli{
		client: rewindclient.NewClient(*server, *token, &http.Client{Timeout: *timeout}),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "rollback":
		return c.rollback(ctx, cmdArgs)
	case "preview":
		return c.preview(ctx, cmdArgs)
	case "revert":
		return c.revert(ctx, cmdArgs)
	case "cat":
		return c.cat(ctx, cmdArgs)
	case "tree":
		return c.tree(ctx, cmdArgs)
	case "mirror":
		return c.mirror(ctx, cmdArgs)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func (c *cli) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parseConversationAndSequence(args []string) (string, int64, error) {
	if len(args) != 2 {
		return "", 0, fmt.Errorf("%w: expected <conversation> <sequence>", errUsage)
	}
	seq, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, fmt.Errorf("%w: sequence must be a non-negative integer, got %q", errUsage, args[1])
	}
	return args[0], seq, nil
}

func (c *cli) rollback(ctx context.Context, args []string) error {
	conversationID, seq, err := parseConversationAndSequence(args)
	if err != nil {
		return err
	}
	report, err := c.client.Rollback(ctx, conversationID, seq)
	if err != nil {
		return err
	}
	return c.printJSON(report)
}

func (c *cli) preview(ctx context.Context, args []string) error {
	conversationID, seq, err := parseConversationAndSequence(args)
	if err != nil {
		return err
	}
	preview, err := c.client.Preview(ctx, conversationID, seq)
	if err != nil {
		return err
	}
	return c.printJSON(preview)
}

func (c *cli) revert(ctx context.Context, args []string) error {
	fs := c.flagSet("revert")
	file := fs.String("file", "", "read content from this file instead of stdin")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: expected <conversation> <path>", errUsage)
	}
	var content []byte
	var err error
	if *file != "" {
		content, err = os.ReadFile(*file)
	} else {
		content, err = io.ReadAll(c.stdin)
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if err := c.client.RevertHunks(ctx, fs.Arg(0), fs.Arg(1), string(content)); err != nil {
		return err
	}
	return c.printJSON(map[string]any{"ok": true, "path": fs.Arg(1)})
}

func (c *cli) cat(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: expected <conversation> <path>", errUsage)
	}
	file, err := c.client.ReadFile(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.stdout, file.Content)
	return err
}

func (c *cli) tree(ctx context.Context, args []string) error {
	fs := c.flagSet("tree")
	prefix := fs.String("prefix", "", "only list paths under this prefix")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected <conversation>", errUsage)
	}
	tree, err := c.client.ListTree(ctx, fs.Arg(0), *prefix)
	if err != nil {
		return err
	}
	return c.printJSON(tree)
}

func (c *cli) mirror(ctx context.Context, args []string) error {
	fs := c.flagSet("mirror")
	localDir := fs.String("local-dir", strings.TrimSpace(os.Getenv("REWIND_LOCAL_DIR")), "local mirror directory")
	stateFile := fs.String("state-file", "", "state file path")
	prefix := fs.String("prefix", "", "only mirror paths under this prefix")
	watch := fs.Bool("watch", false, "keep mirroring until interrupted")
	interval := fs.Duration("interval", durationEnv("REWIND_MIRROR_INTERVAL", 2*time.Second), "mirror interval with --watch")
	intervalJitter := fs.Float64("interval-jitter", floatEnv("REWIND_MIRROR_INTERVAL_JITTER", 0.2), "mirror interval jitter ratio (0.0-1.0)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected <conversation>", errUsage)
	}
	if strings.TrimSpace(*localDir) == "" {
		return errors.New("local-dir is required (--local-dir or REWIND_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	logger, err := logging.New(c.stderr, logging.FormatText, nil)
	if err != nil {
		return err
	}
	opts := rewindclient.MirrorOptions{
		ConversationID: fs.Arg(0),
		LocalRoot:      *localDir,
		StateFile:      *stateFile,
		Prefix:         *prefix,
		Logger:         logger,
	}
	result, err := rewindclient.Mirror(ctx, c.client, opts)
	if err != nil {
		return err
	}
	if !*watch {
		return c.printJSON(result)
	}
	return mirrorLoop(ctx, c.client, opts, *interval, *intervalJitter, logger)
}

func mirrorLoop(ctx context.Context, source rewindclient.MirrorSource, opts rewindclient.MirrorOptions, interval time.Duration, jitter float64, logger *slog.Logger) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("mirror.stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			if _, err := rewindclient.Mirror(ctx, source, opts); err != nil && ctx.Err() == nil {
				logger.Warn("mirror.cycle_failed", "error", err)
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
