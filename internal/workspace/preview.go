package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/rewind/internal/diff"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// FileChange describes how one path would change if the rollback ran.
type FileChange struct {
	Path      string      `json:"path"`
	Kind      ChangeKind  `json:"kind"`
	Hunks     []diff.Hunk `json:"hunks,omitempty"`
	Stats     diff.Stats  `json:"stats"`
	Truncated bool        `json:"truncated,omitempty"`
}

// RollbackPreview lists the changes between the persisted workspace and
// the replayed state, ordered by path. Unchanged paths are omitted.
type RollbackPreview struct {
	ConversationID string       `json:"conversationId"`
	TargetSequence int64        `json:"upToSequenceNumber"`
	Changes        []FileChange `json:"changes"`
}

// PreviewRollback replays the message log up to target and diffs the result
// against the persisted workspace without modifying anything.
func (r *Rollbacker) PreviewRollback(ctx context.Context, conversationID, userID string, target int64) (RollbackPreview, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return RollbackPreview{}, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userID) == "" {
		return RollbackPreview{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if target < 0 {
		return RollbackPreview{}, fmt.Errorf("%w: sequence number must be non-negative", ErrInvalidInput)
	}
	logger := r.logger.With("conversation_id", conversationID, "up_to_sequence", target)

	messages, err := r.messages.FetchMessages(ctx, conversationID, userID, target)
	if err != nil {
		return RollbackPreview{}, r.stepFailed(logger, StepFetchMessages, conversationID, err)
	}
	rows, err := r.files.ListFiles(ctx, conversationID)
	if err != nil {
		return RollbackPreview{}, r.stepFailed(logger, StepListFiles, conversationID, err)
	}
	current := make(Snapshot, len(rows))
	for _, row := range rows {
		current[row.Path] = row.Content
	}

	return RollbackPreview{
		ConversationID: conversationID,
		TargetSequence: target,
		Changes:        CompareSnapshots(current, Replay(messages)),
	}, nil
}

// CompareSnapshots reports the per-path changes that turn before into
// after.
func CompareSnapshots(before, after Snapshot) []FileChange {
	paths := make(Snapshot, len(before)+len(after))
	for path := range before {
		paths[path] = ""
	}
	for path := range after {
		paths[path] = ""
	}

	changes := make([]FileChange, 0)
	for _, path := range paths.Paths() {
		oldContent, inBefore := before[path]
		newContent, inAfter := after[path]
		var kind ChangeKind
		switch {
		case inBefore && !inAfter:
			kind = ChangeRemoved
		case !inBefore && inAfter:
			kind = ChangeAdded
		case oldContent != newContent:
			kind = ChangeModified
		default:
			continue
		}
		hunks, truncated := diff.Hunks(oldContent, newContent, diff.DefaultContext)
		changes = append(changes, FileChange{
			Path:      path,
			Kind:      kind,
			Hunks:     hunks,
			Stats:     diff.Summarize(hunks),
			Truncated: truncated,
		})
	}
	return changes
}
