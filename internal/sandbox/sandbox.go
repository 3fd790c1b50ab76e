// Package sandbox provisions the per-conversation execution environments
// that agent tools write files into, and keeps them in step with the
// persisted workspace.
package sandbox

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// WorkspaceBase is the directory inside a sandbox that holds the workspace.
const WorkspaceBase = "/home/user/workspace"

// DefaultTTL is how long a freshly created sandbox is kept alive.
const DefaultTTL = time.Hour

// StorageRefPrefix marks persisted content that lives in object storage
// rather than inline. Such files are not rehydrated.
const StorageRefPrefix = "storage://"

var (
	ErrSandboxGone = errors.New("sandbox no longer exists")
	ErrInvalidPath = errors.New("invalid sandbox path")
)

// Sandbox is a live execution environment.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	Close() error
}

// TimeoutExtender is implemented by sandboxes whose lifetime can be pushed
// out after reconnecting.
type TimeoutExtender interface {
	SetTimeout(ctx context.Context, ttl time.Duration) error
}

// Discarder is implemented by sandboxes that hold resources beyond their
// handle, such as a directory on disk, which can be released once no
// conversation refers to them.
type Discarder interface {
	Discard(ctx context.Context) error
}

// Provider creates sandboxes and reconnects to existing ones.
type Provider interface {
	Create(ctx context.Context, ttl time.Duration) (Sandbox, error)
	Connect(ctx context.Context, id string) (Sandbox, error)
}

// RelativeWorkspacePath maps a path as written by agent tools onto a clean
// path relative to WorkspaceBase. Absolute paths under WorkspaceBase are
// accepted; anything escaping the workspace is rejected.
func RelativeWorkspacePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(p, "/") {
		if p != WorkspaceBase && !strings.HasPrefix(p, WorkspaceBase+"/") {
			return "", ErrInvalidPath
		}
		p = strings.TrimPrefix(p, WorkspaceBase)
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", ErrInvalidPath
	}
	// Clean of a rooted path never keeps "..", so compare against the raw
	// segments to reject traversal instead of silently re-rooting it.
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", ErrInvalidPath
		}
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
