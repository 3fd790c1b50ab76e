package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps every table in process memory.
type MemoryBackend struct {
	mu        sync.RWMutex
	messages  map[string][]MessageRecord
	files     map[string]map[string]FileRow
	sandboxes map[string]SandboxRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages:  map[string][]MessageRecord{},
		files:     map[string]map[string]FileRow{},
		sandboxes: map[string]SandboxRecord{},
	}
}

func (b *MemoryBackend) AppendMessage(_ context.Context, record MessageRecord) error {
	if strings.TrimSpace(record.ConversationID) == "" || strings.TrimSpace(record.UserID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.messages[record.ConversationID] {
		if existing.SequenceNumber == record.SequenceNumber {
			return fmt.Errorf("%w: sequence %d already stored", ErrInvalidInput, record.SequenceNumber)
		}
	}
	record.Parts = cloneParts(record.Parts)
	list := append(b.messages[record.ConversationID], record)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SequenceNumber < list[j].SequenceNumber
	})
	b.messages[record.ConversationID] = list
	return nil
}

func (b *MemoryBackend) FetchMessages(ctx context.Context, conversationID, userID string, maxSequence int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0)
	for _, record := range b.messages[conversationID] {
		if record.UserID != userID || record.SequenceNumber > maxSequence {
			continue
		}
		msg := record.Message
		msg.Parts = cloneParts(msg.Parts)
		out = append(out, msg)
	}
	return out, nil
}

func (b *MemoryBackend) HasMessages(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, record := range b.messages[conversationID] {
		if record.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBackend) DeleteAll(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, conversationID)
	return nil
}

func (b *MemoryBackend) InsertMany(ctx context.Context, rows []FileRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, row := range rows {
		if _, exists := b.files[row.ConversationID][row.Path]; exists {
			return fmt.Errorf("%w: duplicate workspace file %s", ErrInvalidInput, row.Path)
		}
	}
	b.insertLocked(rows)
	return nil
}

func (b *MemoryBackend) ReplaceSnapshot(ctx context.Context, conversationID string, rows []FileRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, conversationID)
	b.insertLocked(rows)
	return nil
}

func (b *MemoryBackend) insertLocked(rows []FileRow) {
	for _, row := range rows {
		byPath, ok := b.files[row.ConversationID]
		if !ok {
			byPath = map[string]FileRow{}
			b.files[row.ConversationID] = byPath
		}
		byPath[row.Path] = row
	}
}

func (b *MemoryBackend) UpsertFile(ctx context.Context, row FileRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertLocked([]FileRow{row})
	return nil
}

func (b *MemoryBackend) ListFiles(ctx context.Context, conversationID string) ([]FileRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows := make([]FileRow, 0, len(b.files[conversationID]))
	for _, row := range b.files[conversationID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows, nil
}

func (b *MemoryBackend) GetFile(ctx context.Context, conversationID, path string) (FileRow, error) {
	if err := ctx.Err(); err != nil {
		return FileRow{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.files[conversationID][path]
	if !ok {
		return FileRow{}, ErrNotFound
	}
	return row, nil
}

func (b *MemoryBackend) GetSandboxRecord(ctx context.Context, conversationID string) (SandboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return SandboxRecord{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.sandboxes[conversationID]
	if !ok {
		return SandboxRecord{}, ErrNotFound
	}
	record.WorkspacePaths = append([]string(nil), record.WorkspacePaths...)
	return record, nil
}

func (b *MemoryBackend) UpsertSandboxRecord(ctx context.Context, record SandboxRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ConversationID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	record.WorkspacePaths = append([]string(nil), record.WorkspacePaths...)
	b.sandboxes[record.ConversationID] = record
	return nil
}

func (b *MemoryBackend) DeleteSandboxRecord(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sandboxes, conversationID)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func cloneParts(parts []json.RawMessage) []json.RawMessage {
	if parts == nil {
		return nil
	}
	out := make([]json.RawMessage, len(parts))
	for i, part := range parts {
		out[i] = append(json.RawMessage(nil), part...)
	}
	return out
}
