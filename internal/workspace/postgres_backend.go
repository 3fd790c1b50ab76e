package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMessagesTableName  = "messages"
	postgresFilesTableName     = "chat_workspace_files"
	postgresSandboxesTableName = "chat_sandboxes"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores messages, workspace files and sandbox sessions in
// PostgreSQL. Tables are created on first use.
type PostgresBackend struct {
	dsn            string
	messagesTable  string
	filesTable     string
	sandboxesTable string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:            dsn,
		messagesTable:  postgresMessagesTableName,
		filesTable:     postgresFilesTableName,
		sandboxesTable: postgresSandboxesTableName,
		openDB:         sql.Open,
	}, nil
}

func (b *PostgresBackend) AppendMessage(ctx context.Context, record MessageRecord) error {
	if strings.TrimSpace(record.ConversationID) == "" || strings.TrimSpace(record.UserID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	parts, err := encodeParts(record.Parts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (chat_session_id, user_id, sequence_number, role, parts)
		VALUES ($1, $2, $3, $4, $5)`, postgresQuoteIdentifier(b.messagesTable))
	if _, err := b.db.ExecContext(ctx, query, record.ConversationID, record.UserID, record.SequenceNumber, record.Role, parts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (b *PostgresBackend) FetchMessages(ctx context.Context, conversationID, userID string, maxSequence int64) ([]Message, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT sequence_number, role, parts
		FROM %s
		WHERE chat_session_id = $1 AND user_id = $2 AND sequence_number <= $3
		ORDER BY sequence_number ASC`, postgresQuoteIdentifier(b.messagesTable))
	rows, err := b.db.QueryContext(ctx, query, conversationID, userID, maxSequence)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var parts []byte
		if err := rows.Scan(&msg.SequenceNumber, &msg.Role, &parts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Parts = decodeParts(parts)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (b *PostgresBackend) HasMessages(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE chat_session_id = $1 AND user_id = $2)",
		postgresQuoteIdentifier(b.messagesTable),
	)
	var exists bool
	if err := b.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check messages: %w", err)
	}
	return exists, nil
}

func (b *PostgresBackend) DeleteAll(ctx context.Context, conversationID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE chat_id = $1", postgresQuoteIdentifier(b.filesTable))
	if _, err := b.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("delete workspace files: %w", err)
	}
	return nil
}

func (b *PostgresBackend) InsertMany(ctx context.Context, rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := b.insertRowsTx(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReplaceSnapshot deletes and re-inserts a conversation's files in one
// transaction, holding an advisory lock on the conversation so concurrent
// replacements from other processes queue behind it.
func (b *PostgresBackend) ReplaceSnapshot(ctx context.Context, conversationID string, rows []FileRow) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresConversationLockKey(b.filesTable, conversationID)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE chat_id = $1", postgresQuoteIdentifier(b.filesTable))
	if _, err := tx.ExecContext(ctx, deleteQuery, conversationID); err != nil {
		return fmt.Errorf("delete workspace files: %w", err)
	}
	if err := b.insertRowsTx(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) insertRowsTx(ctx context.Context, tx *sql.Tx, rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (chat_id, path, content, updated_at) VALUES ($1, $2, $3, $4)",
		postgresQuoteIdentifier(b.filesTable),
	)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ConversationID, row.Path, row.Content, row.UpdatedAt); err != nil {
			return fmt.Errorf("insert workspace file %s: %w", row.Path, err)
		}
	}
	return nil
}

func (b *PostgresBackend) UpsertFile(ctx context.Context, row FileRow) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (chat_id, path, content, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, path)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(b.filesTable))
	if _, err := b.db.ExecContext(ctx, query, row.ConversationID, row.Path, row.Content, row.UpdatedAt); err != nil {
		return fmt.Errorf("upsert workspace file: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ListFiles(ctx context.Context, conversationID string) ([]FileRow, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT path, content, updated_at FROM %s WHERE chat_id = $1 ORDER BY path ASC",
		postgresQuoteIdentifier(b.filesTable),
	)
	rows, err := b.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query workspace files: %w", err)
	}
	defer rows.Close()

	files := make([]FileRow, 0)
	for rows.Next() {
		row := FileRow{ConversationID: conversationID}
		if err := rows.Scan(&row.Path, &row.Content, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace file: %w", err)
		}
		row.UpdatedAt = row.UpdatedAt.UTC()
		files = append(files, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace files: %w", err)
	}
	return files, nil
}

func (b *PostgresBackend) GetFile(ctx context.Context, conversationID, path string) (FileRow, error) {
	if err := b.ensureReady(); err != nil {
		return FileRow{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT content, updated_at FROM %s WHERE chat_id = $1 AND path = $2",
		postgresQuoteIdentifier(b.filesTable),
	)
	row := FileRow{ConversationID: conversationID, Path: path}
	err := b.db.QueryRowContext(ctx, query, conversationID, path).Scan(&row.Content, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRow{}, ErrNotFound
	}
	if err != nil {
		return FileRow{}, fmt.Errorf("get workspace file: %w", err)
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

func (b *PostgresBackend) GetSandboxRecord(ctx context.Context, conversationID string) (SandboxRecord, error) {
	if err := b.ensureReady(); err != nil {
		return SandboxRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT sandbox_id, expires_at, workspace_paths, updated_at FROM %s WHERE chat_id = $1",
		postgresQuoteIdentifier(b.sandboxesTable),
	)
	record := SandboxRecord{ConversationID: conversationID}
	var paths []byte
	err := b.db.QueryRowContext(ctx, query, conversationID).Scan(&record.SandboxID, &record.ExpiresAt, &paths, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SandboxRecord{}, ErrNotFound
	}
	if err != nil {
		return SandboxRecord{}, fmt.Errorf("get sandbox record: %w", err)
	}
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	record.WorkspacePaths = decodePaths(paths)
	return record, nil
}

func (b *PostgresBackend) UpsertSandboxRecord(ctx context.Context, record SandboxRecord) error {
	if strings.TrimSpace(record.ConversationID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	paths, err := encodePaths(record.WorkspacePaths)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (chat_id, sandbox_id, expires_at, workspace_paths, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id)
		DO UPDATE SET sandbox_id = EXCLUDED.sandbox_id,
			expires_at = EXCLUDED.expires_at,
			workspace_paths = EXCLUDED.workspace_paths,
			updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(b.sandboxesTable))
	if _, err := b.db.ExecContext(ctx, query, record.ConversationID, record.SandboxID, record.ExpiresAt, paths, record.UpdatedAt); err != nil {
		return fmt.Errorf("upsert sandbox record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) DeleteSandboxRecord(ctx context.Context, conversationID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE chat_id = $1", postgresQuoteIdentifier(b.sandboxesTable))
	if _, err := b.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("delete sandbox record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					chat_session_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					sequence_number BIGINT NOT NULL,
					role TEXT NOT NULL,
					parts JSONB NOT NULL DEFAULT '[]'::jsonb,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (chat_session_id, sequence_number)
				)`, postgresQuoteIdentifier(b.messagesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					chat_id TEXT NOT NULL,
					path TEXT NOT NULL,
					content TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (chat_id, path)
				)`, postgresQuoteIdentifier(b.filesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					chat_id TEXT PRIMARY KEY,
					sandbox_id TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					workspace_paths JSONB NOT NULL DEFAULT '[]'::jsonb,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(b.sandboxesTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresConversationLockKey(tableName, conversationID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(conversationID))
	return int64(hasher.Sum64())
}
