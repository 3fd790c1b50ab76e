package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAccessDenied       = errors.New("access denied")
	ErrNotImplemented     = errors.New("not implemented")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
)

// RoleAssistant is the only message role whose parts are replayed.
const RoleAssistant = "assistant"

// Message is one stored chat message. Parts are kept raw; ExtractEvent
// decides which of them describe file mutations.
type Message struct {
	SequenceNumber int64             `json:"sequenceNumber"`
	Role           string            `json:"role"`
	Parts          []json.RawMessage `json:"parts"`
}

// MessageRecord is a Message together with the keys it is stored under.
type MessageRecord struct {
	ConversationID string
	UserID         string
	Message
}

// FileRow is one persisted workspace file.
type FileRow struct {
	ConversationID string    `json:"conversationId"`
	Path           string    `json:"path"`
	Content        string    `json:"content"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SandboxRecord associates a conversation with its remote sandbox.
type SandboxRecord struct {
	ConversationID string    `json:"conversationId"`
	SandboxID      string    `json:"sandboxId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	WorkspacePaths []string  `json:"workspacePaths"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Snapshot maps workspace-relative paths to file content.
type Snapshot map[string]string

// Paths returns the snapshot's paths in lexical order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for path := range s {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Rows converts the snapshot into persisted rows stamped with updatedAt,
// ordered by path.
func (s Snapshot) Rows(conversationID string, updatedAt time.Time) []FileRow {
	rows := make([]FileRow, 0, len(s))
	for _, path := range s.Paths() {
		rows = append(rows, FileRow{
			ConversationID: conversationID,
			Path:           path,
			Content:        s[path],
			UpdatedAt:      updatedAt,
		})
	}
	return rows
}

// MessageStore reads the append-only message log of a conversation.
type MessageStore interface {
	// FetchMessages returns messages with SequenceNumber <= maxSequence in
	// ascending sequence order.
	FetchMessages(ctx context.Context, conversationID, userID string, maxSequence int64) ([]Message, error)
	HasMessages(ctx context.Context, conversationID, userID string) (bool, error)
}

// MessageAppender is implemented by stores that accept new messages.
type MessageAppender interface {
	AppendMessage(ctx context.Context, record MessageRecord) error
}

// FileStore persists the workspace snapshot of each conversation.
type FileStore interface {
	DeleteAll(ctx context.Context, conversationID string) error
	InsertMany(ctx context.Context, rows []FileRow) error
	UpsertFile(ctx context.Context, row FileRow) error
	ListFiles(ctx context.Context, conversationID string) ([]FileRow, error)
	GetFile(ctx context.Context, conversationID, path string) (FileRow, error)
}

// SnapshotReplacer is implemented by file stores that can swap a
// conversation's whole snapshot atomically.
type SnapshotReplacer interface {
	ReplaceSnapshot(ctx context.Context, conversationID string, rows []FileRow) error
}

// SandboxSessionStore persists which sandbox serves a conversation.
type SandboxSessionStore interface {
	GetSandboxRecord(ctx context.Context, conversationID string) (SandboxRecord, error)
	UpsertSandboxRecord(ctx context.Context, record SandboxRecord) error
	DeleteSandboxRecord(ctx context.Context, conversationID string) error
}

// SandboxAdapter reaches the live sandbox of a conversation.
type SandboxAdapter interface {
	WriteToLiveSandbox(ctx context.Context, conversationID, path, content string) error
	InvalidateSandboxCache(conversationID string)
}

// Backend bundles every store a rollback needs.
type Backend interface {
	MessageStore
	FileStore
	SandboxSessionStore
	Close() error
}
