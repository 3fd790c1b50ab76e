package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationBackendContract(t *testing.T) {
	backend := newPostgresIntegrationBackend(t)
	exerciseBackend(t, backend)
}

func TestPostgresIntegrationConcurrentReplaceSnapshot(t *testing.T) {
	backend := newPostgresIntegrationBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := Snapshot{
				"shared.txt":              fmt.Sprintf("writer %d", i),
				fmt.Sprintf("own-%d", i): "x",
			}
			errs <- backend.ReplaceSnapshot(ctx, "conv", snapshot.Rows("conv", time.Now().UTC()))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("replace snapshot: %v", err)
		}
	}

	rows, err := backend.ListFiles(ctx, "conv")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected exactly one writer's snapshot (2 rows), got %d: %+v", len(rows), rows)
	}
}

func TestPostgresIntegrationRollback(t *testing.T) {
	backend := newPostgresIntegrationBackend(t)
	seedReadmeScenario(t, backend, "conv-1", "user-1")
	r, err := NewRollbackerForBackend(backend, nil, nil)
	if err != nil {
		t.Fatalf("new rollbacker: %v", err)
	}
	if _, err := r.RollbackWorkspaceToSequence(context.Background(), "conv-1", "user-1", 2); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	assertPersisted(t, backend, "conv-1", Snapshot{"readme.md": "Hello"})
}

func newPostgresIntegrationBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.messagesTable = postgresIntegrationTableName("rewind_messages_it")
	backend.filesTable = postgresIntegrationTableName("rewind_files_it")
	backend.sandboxesTable = postgresIntegrationTableName("rewind_sandboxes_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.messagesTable)
		postgresIntegrationDropTable(t, dsn, backend.filesTable)
		postgresIntegrationDropTable(t, dsn, backend.sandboxesTable)
	})
	return backend
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REWIND_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set REWIND_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("drop table %s: %v", tableName, err)
	}
}
