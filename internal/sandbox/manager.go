package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/rewind/internal/keyedlock"
	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/workspace"
)

// Manager hands out the live sandbox of a conversation, reusing a cached
// or persisted one while it is valid and otherwise provisioning a new
// sandbox populated from the persisted workspace files.
type Manager struct {
	provider Provider
	cache    Cache
	files    workspace.FileStore
	sessions workspace.SandboxSessionStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	locks    keyedlock.Mutex
}

type ManagerOption func(*Manager)

func WithCache(cache Cache) ManagerOption {
	return func(m *Manager) {
		if cache != nil {
			m.cache = cache
		}
	}
}

func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(provider Provider, files workspace.FileStore, sessions workspace.SandboxSessionStore, opts ...ManagerOption) (*Manager, error) {
	if provider == nil || files == nil || sessions == nil {
		return nil, fmt.Errorf("%w: sandbox provider and stores are required", workspace.ErrInvalidInput)
	}
	m := &Manager{
		provider: provider,
		cache:    NewMemoryCache(),
		files:    files,
		sessions: sessions,
		ttl:      DefaultTTL,
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetOrCreate returns the conversation's live sandbox.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID string) (Sandbox, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", workspace.ErrInvalidInput)
	}
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	now := m.now()
	if handle, ok := m.cache.Get(conversationID); ok {
		if handle.ExpiresAt.After(now) {
			return handle.Sandbox, nil
		}
		m.InvalidateSandboxCache(conversationID)
	}
	logger := m.logger.With("conversation_id", conversationID)

	record, err := m.sessions.GetSandboxRecord(ctx, conversationID)
	switch {
	case err == nil && record.SandboxID != "" && record.ExpiresAt.After(now):
		sb, connectErr := m.provider.Connect(ctx, record.SandboxID)
		if connectErr == nil {
			if extender, ok := sb.(TimeoutExtender); ok {
				if err := extender.SetTimeout(ctx, m.ttl); err != nil {
					logger.Debug("sandbox.extend_failed", "sandbox_id", record.SandboxID, "error", err)
				}
			}
			m.cache.Set(conversationID, Handle{Sandbox: sb, ExpiresAt: record.ExpiresAt})
			logger.Debug("sandbox.reconnected", "sandbox_id", record.SandboxID)
			return sb, nil
		}
		logger.Info("sandbox.reconnect_failed", "sandbox_id", record.SandboxID, "error", connectErr)
	case err != nil && !errors.Is(err, workspace.ErrNotFound):
		return nil, fmt.Errorf("load sandbox record: %w", err)
	}

	sb, err := m.provider.Create(ctx, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workspace.ErrSandboxUnavailable, err)
	}
	expiresAt := now.Add(m.ttl)

	paths, err := m.rehydrate(ctx, conversationID, sb, logger)
	if err != nil {
		_ = sb.Close()
		return nil, err
	}

	record = workspace.SandboxRecord{
		ConversationID: conversationID,
		SandboxID:      sb.ID(),
		ExpiresAt:      expiresAt.UTC(),
		WorkspacePaths: paths,
		UpdatedAt:      m.now().UTC(),
	}
	if err := m.sessions.UpsertSandboxRecord(ctx, record); err != nil {
		logger.Warn("sandbox.record_upsert_failed", "sandbox_id", sb.ID(), "error", err)
	}
	m.cache.Set(conversationID, Handle{Sandbox: sb, ExpiresAt: expiresAt})
	logger.Info("sandbox.created", "sandbox_id", sb.ID(), "rehydrated", len(paths))
	return sb, nil
}

// rehydrate writes every persisted file of the conversation into sb and
// returns the paths that were written. Individual write failures are
// skipped.
func (m *Manager) rehydrate(ctx context.Context, conversationID string, sb Sandbox, logger *slog.Logger) ([]string, error) {
	rows, err := m.files.ListFiles(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.HasPrefix(row.Content, StorageRefPrefix) {
			logger.Debug("sandbox.rehydrate_skipped_storage_ref", "path", row.Path)
			continue
		}
		if err := sb.WriteFile(ctx, row.Path, row.Content); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("sandbox.rehydrate_write_failed", "path", row.Path, "error", err)
			continue
		}
		paths = append(paths, row.Path)
	}
	return paths, nil
}

// WriteToLiveSandbox writes one file into the conversation's sandbox,
// provisioning the sandbox if needed. A cached handle that turns out to be
// dead is dropped and the write retried once on a fresh sandbox.
func (m *Manager) WriteToLiveSandbox(ctx context.Context, conversationID, path, content string) error {
	sb, err := m.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}
	err = sb.WriteFile(ctx, path, content)
	if !errors.Is(err, ErrSandboxGone) {
		return err
	}
	m.logger.Info("sandbox.stale_handle", "conversation_id", conversationID, "sandbox_id", sb.ID())
	m.InvalidateSandboxCache(conversationID)
	if err := m.sessions.DeleteSandboxRecord(ctx, conversationID); err != nil {
		return fmt.Errorf("drop stale sandbox record: %w", err)
	}
	sb, err = m.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}
	return sb.WriteFile(ctx, path, content)
}

// InvalidateSandboxCache forgets the cached handle of a conversation and
// closes it. Nothing refers to the sandbox afterwards, so sandboxes that
// can release their resources are discarded as well.
func (m *Manager) InvalidateSandboxCache(conversationID string) {
	handle, ok := m.cache.Get(conversationID)
	m.cache.Invalidate(conversationID)
	if !ok || handle.Sandbox == nil {
		return
	}
	if discarder, ok := handle.Sandbox.(Discarder); ok {
		if err := discarder.Discard(context.Background()); err != nil {
			m.logger.Warn("sandbox.discard_failed", "conversation_id", conversationID, "sandbox_id", handle.Sandbox.ID(), "error", err)
		}
	}
	if err := handle.Sandbox.Close(); err != nil {
		m.logger.Debug("sandbox.close_failed", "conversation_id", conversationID, "error", err)
	}
}
