package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/rewind/internal/fsutil"
)

const (
	localSandboxPrefix = "local-"
	lockSuffix         = ".lock"
	expirySuffix       = ".expires"
)

// LocalProvider keeps each sandbox as a directory under Root. It is used
// for development and single-host deployments where agent tools run on the
// same machine. Next to each directory sit a lock file and a file holding
// the sandbox's expiry time.
type LocalProvider struct {
	Root string
	now  func() time.Time
}

func NewLocalProvider(root string) (*LocalProvider, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: local sandbox root is required", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &LocalProvider{Root: abs, now: time.Now}, nil
}

// Create makes a new sandbox that lives for ttl. Expired sandboxes under
// Root are removed first.
func (p *LocalProvider) Create(ctx context.Context, ttl time.Duration) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Reap failures do not block creation.
	_, _ = p.Reap(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sb := p.sandbox(localSandboxPrefix + uuid.NewString())
	if err := os.MkdirAll(sb.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox directory: %w", err)
	}
	if err := sb.SetTimeout(ctx, ttl); err != nil {
		_ = os.RemoveAll(sb.dir)
		return nil, err
	}
	return sb, nil
}

func (p *LocalProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(id, localSandboxPrefix) || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("%w: %s", ErrSandboxGone, id)
	}
	sb := p.sandbox(id)
	info, err := os.Stat(sb.dir)
	if err != nil || !info.IsDir() || sb.expired(p.clock()) {
		return nil, fmt.Errorf("%w: %s", ErrSandboxGone, id)
	}
	return sb, nil
}

// Reap removes every sandbox whose expiry has passed and returns their
// ids. Sandboxes without a readable expiry are kept.
func (p *LocalProvider) Reap(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, fmt.Errorf("read sandbox root: %w", err)
	}
	now := p.clock()
	var reaped []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), localSandboxPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		sb := p.sandbox(entry.Name())
		if !sb.expired(now) {
			continue
		}
		if err := sb.Discard(ctx); err != nil {
			return reaped, err
		}
		reaped = append(reaped, sb.id)
	}
	return reaped, nil
}

// Dir returns the directory backing a local sandbox id.
func (p *LocalProvider) Dir(id string) string {
	return filepath.Join(p.Root, id)
}

func (p *LocalProvider) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *LocalProvider) sandbox(id string) *localSandbox {
	dir := p.Dir(id)
	return &localSandbox{
		id:         id,
		dir:        dir,
		lockPath:   dir + lockSuffix,
		expiryPath: dir + expirySuffix,
		now:        p.clock,
	}
}

type localSandbox struct {
	id         string
	dir        string
	lockPath   string
	expiryPath string
	now        func() time.Time
}

func (s *localSandbox) ID() string { return s.id }

func (s *localSandbox) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := RelativeWorkspacePath(path)
	if err != nil {
		return fmt.Errorf("%w: %q", err, path)
	}

	if !s.exists() {
		return fmt.Errorf("%w: %s", ErrSandboxGone, s.id)
	}

	lock, err := acquireFileLock(s.lockPath)
	if err != nil {
		return err
	}
	defer releaseFileLock(lock)

	// Checked again under the lock so a concurrent Discard is not undone by
	// recreating the directory.
	if !s.exists() {
		return fmt.Errorf("%w: %s", ErrSandboxGone, s.id)
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.dir, filepath.FromSlash(rel)), []byte(content), 0o644)
}

// SetTimeout moves the sandbox's expiry to ttl from now.
func (s *localSandbox) SetTimeout(_ context.Context, ttl time.Duration) error {
	if !s.exists() {
		return fmt.Errorf("%w: %s", ErrSandboxGone, s.id)
	}
	expiresAt := s.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	if err := fsutil.WriteFileAtomic(s.expiryPath, []byte(expiresAt), 0o644); err != nil {
		return fmt.Errorf("record sandbox expiry: %w", err)
	}
	return nil
}

// Discard deletes the sandbox directory and its side files.
func (s *localSandbox) Discard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock, err := acquireFileLock(s.lockPath)
	if err != nil {
		return err
	}
	defer releaseFileLock(lock)

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove sandbox directory: %w", err)
	}
	if err := os.Remove(s.expiryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove sandbox expiry: %w", err)
	}
	// A writer still waiting on the removed lock file finds the directory
	// gone once it gets the lock.
	_ = os.Remove(s.lockPath)
	return nil
}

func (s *localSandbox) exists() bool {
	_, err := os.Stat(s.dir)
	return !errors.Is(err, os.ErrNotExist)
}

func (s *localSandbox) expired(now time.Time) bool {
	data, err := os.ReadFile(s.expiryPath)
	if err != nil {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return !expiresAt.After(now)
}

func (s *localSandbox) Close() error { return nil }
