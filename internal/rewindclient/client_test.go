package rewindclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server) *Client {
	client := NewClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestClientRollbackRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "rewindctl_") {
			t.Errorf("unexpected correlation id %q", r.Header.Get("X-Correlation-Id"))
		}
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/v1/workspaces/conv_1/rollback" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]int64
		if err := json.Unmarshal(body, &payload); err != nil || payload["upToSequenceNumber"] != 4 {
			t.Errorf("unexpected rollback body %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"report":{"conversationId":"conv_1","upToSequenceNumber":4,"messages":4,"files":1}}`))
	}))
	defer server.Close()

	report, err := newTestClient(server).Rollback(context.Background(), "conv_1", 4)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if report.Files != 1 || report.Messages != 4 || report.TargetSequence != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientReturnsHTTPErrorWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"conversation not accessible"}`))
	}))
	defer server.Close()

	err := newTestClient(server).RevertHunks(context.Background(), "conv_1", "a.txt", "x")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server).ReadFile(context.Background(), "conv_1", "a.txt")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 attempts, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientForwardsQueries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/workspaces/conv 1/rollback/preview":
			if r.URL.Query().Get("upToSequenceNumber") != "2" {
				t.Errorf("expected sequence query, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"conversationId":"conv 1","upToSequenceNumber":2,"changes":[{"path":"readme.md","kind":"modified","stats":{"added":1,"removed":1}}]}`))
		case "/v1/workspaces/conv 1/fs/tree":
			if r.URL.Query().Get("prefix") != "src/" {
				t.Errorf("expected prefix query, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"conversationId":"conv 1","entries":[{"path":"src/a.go","size":9}]}`))
		case "/v1/workspaces/conv 1/fs/file":
			if r.URL.Query().Get("path") != "src/a b.go" {
				t.Errorf("expected path query, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"conversationId":"conv 1","path":"src/a b.go","content":"package a"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	client := newTestClient(server)
	ctx := context.Background()

	preview, err := client.Preview(ctx, "conv 1", 2)
	if err != nil || len(preview.Changes) != 1 || preview.Changes[0].Stats.Added != 1 {
		t.Fatalf("unexpected preview %+v (%v)", preview, err)
	}
	tree, err := client.ListTree(ctx, "conv 1", "src/")
	if err != nil || len(tree.Entries) != 1 || tree.Entries[0].Size != 9 {
		t.Fatalf("unexpected tree %+v (%v)", tree, err)
	}
	file, err := client.ReadFile(ctx, "conv 1", "src/a b.go")
	if err != nil || file.Content != "package a" {
		t.Fatalf("unexpected file %+v (%v)", file, err)
	}
}

func TestRetryDelay(t *testing.T) {
	client := NewClient("", "", nil)
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("delay should cap at 2s, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("Retry-After should win, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != 2*time.Second {
		t.Fatalf("Retry-After should be capped, got %s", got)
	}
}
