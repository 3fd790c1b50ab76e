package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/rewind/internal/keyedlock"
	"github.com/agentworkforce/rewind/internal/logging"
)

// Step names a stage of a rollback for error reporting.
type Step string

const (
	StepFetchMessages       Step = "fetch_messages"
	StepDeleteFiles         Step = "delete_files"
	StepInsertFiles         Step = "insert_files"
	StepReplaceSnapshot     Step = "replace_snapshot"
	StepDeleteSandboxRecord Step = "delete_sandbox_record"
	StepListFiles           Step = "list_files"
	StepSandboxWrite        Step = "sandbox_write"
	StepUpsertFile          Step = "upsert_file"
)

// StepError is returned when a store or sandbox call fails part way
// through an operation. Steps that ran before it are not undone.
type StepError struct {
	Step           Step
	ConversationID string
	Err            error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RollbackReport summarises a completed rollback.
type RollbackReport struct {
	ConversationID string `json:"conversationId"`
	TargetSequence int64  `json:"upToSequenceNumber"`
	Messages       int    `json:"messages"`
	Files          int    `json:"files"`
	Skipped        int    `json:"skippedParts"`
}

// RollbackResult is the ok/error outcome shape handed to callers that do
// not inspect Go errors.
type RollbackResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ResultOf converts an operation error into a RollbackResult.
func ResultOf(err error) RollbackResult {
	if err != nil {
		return RollbackResult{OK: false, Error: err.Error()}
	}
	return RollbackResult{OK: true}
}

// Options configures a Rollbacker. Messages, Files and Sessions are
// required; a nil Sandbox disables live sandbox writes and invalidation.
type Options struct {
	Messages MessageStore
	Files    FileStore
	Sessions SandboxSessionStore
	Sandbox  SandboxAdapter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Rollbacker rebuilds persisted workspace state from the message log.
type Rollbacker struct {
	messages MessageStore
	files    FileStore
	sessions SandboxSessionStore
	sandbox  SandboxAdapter
	logger   *slog.Logger
	now      func() time.Time
	locks    keyedlock.Mutex
}

// NewRollbacker validates opts and returns a Rollbacker.
func NewRollbacker(opts Options) (*Rollbacker, error) {
	if opts.Messages == nil || opts.Files == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("%w: message, file and sandbox session stores are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Rollbacker{
		messages: opts.Messages,
		files:    opts.Files,
		sessions: opts.Sessions,
		sandbox:  opts.Sandbox,
		logger:   logger,
		now:      now,
	}, nil
}

// NewRollbackerForBackend wires a Rollbacker against a single Backend.
func NewRollbackerForBackend(backend Backend, sandbox SandboxAdapter, logger *slog.Logger) (*Rollbacker, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	return NewRollbacker(Options{
		Messages: backend,
		Files:    backend,
		Sessions: backend,
		Sandbox:  sandbox,
		Logger:   logger,
	})
}

// RollbackWorkspaceToSequence restores the persisted workspace of
// conversationID to the state implied by the messages of userID with a
// sequence number up to target, then drops the conversation's sandbox
// association so the next use provisions a fresh sandbox from the restored
// files. The caller must have verified ownership.
func (r *Rollbacker) RollbackWorkspaceToSequence(ctx context.Context, conversationID, userID string, target int64) (report RollbackReport, err error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return RollbackReport{}, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userID) == "" {
		return RollbackReport{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if target < 0 {
		return RollbackReport{}, fmt.Errorf("%w: sequence number must be non-negative", ErrInvalidInput)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	started := r.now()
	defer func() {
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		rollbackDuration.Observe(r.now().Sub(started).Seconds())
	}()

	logger := r.logger.With("conversation_id", conversationID, "up_to_sequence", target)

	messages, err := r.messages.FetchMessages(ctx, conversationID, userID, target)
	if err != nil {
		return RollbackReport{}, r.stepFailed(logger, StepFetchMessages, conversationID, err)
	}

	snapshot, stats := ReplayWithStats(messages)
	observeReplay(stats)
	if stats.Skipped > 0 {
		logger.Warn("rollback.skipped_parts", "skipped", stats.Skipped)
	}

	rows := snapshot.Rows(conversationID, r.now().UTC())
	if replacer, ok := r.files.(SnapshotReplacer); ok {
		if err := replacer.ReplaceSnapshot(ctx, conversationID, rows); err != nil {
			return RollbackReport{}, r.stepFailed(logger, StepReplaceSnapshot, conversationID, err)
		}
	} else {
		if err := r.files.DeleteAll(ctx, conversationID); err != nil {
			return RollbackReport{}, r.stepFailed(logger, StepDeleteFiles, conversationID, err)
		}
		if len(rows) > 0 {
			if err := r.files.InsertMany(ctx, rows); err != nil {
				return RollbackReport{}, r.stepFailed(logger, StepInsertFiles, conversationID, err)
			}
		}
	}

	if err := r.sessions.DeleteSandboxRecord(ctx, conversationID); err != nil {
		return RollbackReport{}, r.stepFailed(logger, StepDeleteSandboxRecord, conversationID, err)
	}
	if r.sandbox != nil {
		r.sandbox.InvalidateSandboxCache(conversationID)
	}

	report = RollbackReport{
		ConversationID: conversationID,
		TargetSequence: target,
		Messages:       stats.Messages,
		Files:          len(rows),
		Skipped:        stats.Skipped,
	}
	logger.Info("rollback.completed", "messages", report.Messages, "files", report.Files)
	return report, nil
}

// ApplyRebuiltFileContent writes content for a single path to the live
// sandbox and then persists it. No replay is involved. It never interleaves
// with a rollback of the same conversation.
func (r *Rollbacker) ApplyRebuiltFileContent(ctx context.Context, conversationID, path, content string) (err error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	unlock := r.locks.Lock(conversationID)
	defer unlock()

	defer func() {
		rebuiltFileWritesTotal.WithLabelValues(resultLabel(err)).Inc()
	}()

	logger := r.logger.With("conversation_id", conversationID, "path", path)
	if r.sandbox != nil {
		if err := r.sandbox.WriteToLiveSandbox(ctx, conversationID, path, content); err != nil {
			return r.stepFailed(logger, StepSandboxWrite, conversationID, err)
		}
	} else {
		logger.Debug("rebuilt_file.no_sandbox")
	}
	row := FileRow{ConversationID: conversationID, Path: path, Content: content, UpdatedAt: r.now().UTC()}
	if err := r.files.UpsertFile(ctx, row); err != nil {
		return r.stepFailed(logger, StepUpsertFile, conversationID, err)
	}
	logger.Info("rebuilt_file.applied", "bytes", len(content))
	return nil
}

func (r *Rollbacker) stepFailed(logger *slog.Logger, step Step, conversationID string, err error) error {
	if errors.Is(err, context.Canceled) {
		logger.Info("workspace.step_canceled", "step", string(step))
	} else {
		logger.Error("workspace.step_failed", "step", string(step), "error", err)
	}
	return &StepError{Step: step, ConversationID: conversationID, Err: err}
}
