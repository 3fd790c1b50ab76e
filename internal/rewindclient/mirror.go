package rewindclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/rewind/internal/fsutil"
	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/sandbox"
)

const defaultMirrorStateFile = ".rewind-mirror.json"

// MirrorSource is the read side of the workspace API used by Mirror.
type MirrorSource interface {
	ListTree(ctx context.Context, conversationID, prefix string) (Tree, error)
	ReadFile(ctx context.Context, conversationID, path string) (File, error)
}

type MirrorOptions struct {
	ConversationID string
	LocalRoot      string
	// StateFile records what the last mirror wrote. Defaults to
	// .rewind-mirror.json inside LocalRoot.
	StateFile string
	Prefix    string
	Logger    *slog.Logger
}

type MirrorResult struct {
	Written   []string `json:"written"`
	Unchanged int      `json:"unchanged"`
	Removed   []string `json:"removed"`
	// Kept lists stale files that were edited locally and so not removed.
	Kept []string `json:"kept,omitempty"`
}

type mirrorState struct {
	Files map[string]string `json:"files"`
}

// Mirror makes LocalRoot match the persisted workspace of a conversation.
// Files written by an earlier mirror that no longer exist remotely are
// removed unless they were modified locally since.
func Mirror(ctx context.Context, source MirrorSource, opts MirrorOptions) (MirrorResult, error) {
	conversationID := strings.TrimSpace(opts.ConversationID)
	if conversationID == "" {
		return MirrorResult{}, errors.New("conversation id is required")
	}
	if strings.TrimSpace(opts.LocalRoot) == "" {
		return MirrorResult{}, errors.New("local root is required")
	}
	localRoot := filepath.Clean(opts.LocalRoot)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, defaultMirrorStateFile)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("conversation_id", conversationID, "local_root", localRoot)

	state, err := loadMirrorState(stateFile)
	if err != nil {
		return MirrorResult{}, fmt.Errorf("load mirror state: %w", err)
	}
	tree, err := source.ListTree(ctx, conversationID, opts.Prefix)
	if err != nil {
		return MirrorResult{}, fmt.Errorf("list tree: %w", err)
	}

	var result MirrorResult
	next := mirrorState{Files: map[string]string{}}
	for _, entry := range tree.Entries {
		rel, err := sandbox.RelativeWorkspacePath(entry.Path)
		if err != nil {
			logger.Warn("mirror.path_skipped", "path", entry.Path, "error", err)
			continue
		}
		local := filepath.Join(localRoot, filepath.FromSlash(rel))
		if local == filepath.Clean(stateFile) {
			logger.Warn("mirror.path_skipped", "path", entry.Path, "error", "collides with mirror state file")
			continue
		}

		file, err := source.ReadFile(ctx, conversationID, entry.Path)
		if err != nil {
			return result, fmt.Errorf("read %s: %w", entry.Path, err)
		}
		hash := hashString(file.Content)
		next.Files[rel] = hash
		if state.Files[rel] == hash && localHash(local) == hash {
			result.Unchanged++
			continue
		}
		if err := fsutil.WriteFileAtomic(local, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", local, err)
		}
		result.Written = append(result.Written, rel)
	}

	stale := make([]string, 0)
	for rel := range state.Files {
		if _, ok := next.Files[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	sort.Strings(stale)
	for _, rel := range stale {
		local := filepath.Join(localRoot, filepath.FromSlash(rel))
		current := localHash(local)
		switch {
		case current == "":
		case current != state.Files[rel]:
			logger.Warn("mirror.kept_modified", "path", rel)
			result.Kept = append(result.Kept, rel)
			continue
		default:
			if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
				return result, fmt.Errorf("remove %s: %w", local, err)
			}
		}
		result.Removed = append(result.Removed, rel)
	}

	if err := saveMirrorState(stateFile, next); err != nil {
		return result, fmt.Errorf("save mirror state: %w", err)
	}
	logger.Info("mirror.completed", "written", len(result.Written), "unchanged", result.Unchanged, "removed", len(result.Removed))
	return result, nil
}

func loadMirrorState(path string) (mirrorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mirrorState{Files: map[string]string{}}, nil
		}
		return mirrorState{}, err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return mirrorState{}, err
	}
	if state.Files == nil {
		state.Files = map[string]string{}
	}
	return state, nil
}

func saveMirrorState(path string, state mirrorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// localHash returns the content hash of path, or "" if it cannot be read.
func localHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return hashBytes(data)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}
