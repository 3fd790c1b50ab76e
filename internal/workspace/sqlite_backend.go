package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_session_id  TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    sequence_number  INTEGER NOT NULL,
    role             TEXT NOT NULL,
    parts            TEXT NOT NULL DEFAULT '[]',
    UNIQUE (chat_session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(chat_session_id, user_id, sequence_number);

CREATE TABLE IF NOT EXISTS chat_workspace_files (
    chat_id        TEXT NOT NULL,
    path           TEXT NOT NULL,
    content        TEXT NOT NULL,
    updated_at_ns  INTEGER NOT NULL,
    PRIMARY KEY (chat_id, path)
);

CREATE TABLE IF NOT EXISTS chat_sandboxes (
    chat_id          TEXT PRIMARY KEY,
    sandbox_id       TEXT NOT NULL,
    expires_at_ns    INTEGER NOT NULL,
    workspace_paths  TEXT NOT NULL DEFAULT '[]',
    updated_at_ns    INTEGER NOT NULL
);
`

// SQLiteBackend stores everything in a single SQLite database file. It is
// meant for single-node deployments and local development.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens or creates the database at path and applies the
// schema.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) AppendMessage(ctx context.Context, record MessageRecord) error {
	if strings.TrimSpace(record.ConversationID) == "" || strings.TrimSpace(record.UserID) == "" {
		return ErrInvalidInput
	}
	parts, err := encodeParts(record.Parts)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO messages (chat_session_id, user_id, sequence_number, role, parts)
		VALUES (?, ?, ?, ?, ?)`,
		record.ConversationID, record.UserID, record.SequenceNumber, record.Role, parts,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) FetchMessages(ctx context.Context, conversationID, userID string, maxSequence int64) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT sequence_number, role, parts
		FROM messages
		WHERE chat_session_id = ? AND user_id = ? AND sequence_number <= ?
		ORDER BY sequence_number ASC`,
		conversationID, userID, maxSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var parts string
		if err := rows.Scan(&msg.SequenceNumber, &msg.Role, &parts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Parts = decodeParts([]byte(parts))
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (b *SQLiteBackend) HasMessages(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	err := b.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE chat_session_id = ? AND user_id = ?)",
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check messages: %w", err)
	}
	return exists == 1, nil
}

func (b *SQLiteBackend) DeleteAll(ctx context.Context, conversationID string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM chat_workspace_files WHERE chat_id = ?", conversationID); err != nil {
		return fmt.Errorf("delete workspace files: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) InsertMany(ctx context.Context, rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertRows(ctx, tx, rows)
	})
}

func (b *SQLiteBackend) ReplaceSnapshot(ctx context.Context, conversationID string, rows []FileRow) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chat_workspace_files WHERE chat_id = ?", conversationID); err != nil {
			return fmt.Errorf("delete workspace files: %w", err)
		}
		return sqliteInsertRows(ctx, tx, rows)
	})
}

func (b *SQLiteBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func sqliteInsertRows(ctx context.Context, tx *sql.Tx, rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO chat_workspace_files (chat_id, path, content, updated_at_ns) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ConversationID, row.Path, row.Content, row.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert workspace file %s: %w", row.Path, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) UpsertFile(ctx context.Context, row FileRow) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO chat_workspace_files (chat_id, path, content, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, path)
		DO UPDATE SET content = excluded.content, updated_at_ns = excluded.updated_at_ns`,
		row.ConversationID, row.Path, row.Content, row.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert workspace file: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListFiles(ctx context.Context, conversationID string) ([]FileRow, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT path, content, updated_at_ns FROM chat_workspace_files WHERE chat_id = ? ORDER BY path ASC",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workspace files: %w", err)
	}
	defer rows.Close()

	files := make([]FileRow, 0)
	for rows.Next() {
		row := FileRow{ConversationID: conversationID}
		var updatedNs int64
		if err := rows.Scan(&row.Path, &row.Content, &updatedNs); err != nil {
			return nil, fmt.Errorf("scan workspace file: %w", err)
		}
		row.UpdatedAt = time.Unix(0, updatedNs).UTC()
		files = append(files, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace files: %w", err)
	}
	return files, nil
}

func (b *SQLiteBackend) GetFile(ctx context.Context, conversationID, path string) (FileRow, error) {
	row := FileRow{ConversationID: conversationID, Path: path}
	var updatedNs int64
	err := b.db.QueryRowContext(ctx,
		"SELECT content, updated_at_ns FROM chat_workspace_files WHERE chat_id = ? AND path = ?",
		conversationID, path,
	).Scan(&row.Content, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRow{}, ErrNotFound
	}
	if err != nil {
		return FileRow{}, fmt.Errorf("get workspace file: %w", err)
	}
	row.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return row, nil
}

func (b *SQLiteBackend) GetSandboxRecord(ctx context.Context, conversationID string) (SandboxRecord, error) {
	record := SandboxRecord{ConversationID: conversationID}
	var expiresNs, updatedNs int64
	var paths string
	err := b.db.QueryRowContext(ctx,
		"SELECT sandbox_id, expires_at_ns, workspace_paths, updated_at_ns FROM chat_sandboxes WHERE chat_id = ?",
		conversationID,
	).Scan(&record.SandboxID, &expiresNs, &paths, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return SandboxRecord{}, ErrNotFound
	}
	if err != nil {
		return SandboxRecord{}, fmt.Errorf("get sandbox record: %w", err)
	}
	record.ExpiresAt = time.Unix(0, expiresNs).UTC()
	record.UpdatedAt = time.Unix(0, updatedNs).UTC()
	record.WorkspacePaths = decodePaths([]byte(paths))
	return record, nil
}

func (b *SQLiteBackend) UpsertSandboxRecord(ctx context.Context, record SandboxRecord) error {
	if strings.TrimSpace(record.ConversationID) == "" {
		return ErrInvalidInput
	}
	paths, err := encodePaths(record.WorkspacePaths)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO chat_sandboxes (chat_id, sandbox_id, expires_at_ns, workspace_paths, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id)
		DO UPDATE SET sandbox_id = excluded.sandbox_id,
			expires_at_ns = excluded.expires_at_ns,
			workspace_paths = excluded.workspace_paths,
			updated_at_ns = excluded.updated_at_ns`,
		record.ConversationID, record.SandboxID, record.ExpiresAt.UnixNano(), paths, record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteSandboxRecord(ctx context.Context, conversationID string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM chat_sandboxes WHERE chat_id = ?", conversationID); err != nil {
		return fmt.Errorf("delete sandbox record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
