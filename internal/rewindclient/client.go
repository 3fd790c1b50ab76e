// Package rewindclient is an HTTP client for the rewind workspace API.
package rewindclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/rewind/internal/workspace"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type File struct {
	ConversationID string    `json:"conversationId"`
	Path           string    `json:"path"`
	Content        string    `json:"content"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type TreeEntry struct {
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Tree struct {
	ConversationID string      `json:"conversationId"`
	Entries        []TreeEntry `json:"entries"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Rollback restores the persisted workspace of conversationID to sequence
// upTo. Retrying a rollback is safe.
func (c *Client) Rollback(ctx context.Context, conversationID string, upTo int64) (workspace.RollbackReport, error) {
	var resp struct {
		workspace.RollbackResult
		Report *workspace.RollbackReport `json:"report"`
	}
	body := map[string]any{"upToSequenceNumber": upTo}
	if err := c.doJSON(ctx, http.MethodPost, workspacePath(conversationID, "rollback"), body, &resp); err != nil {
		return workspace.RollbackReport{}, err
	}
	if !resp.OK {
		return workspace.RollbackReport{}, fmt.Errorf("rollback failed: %s", resp.Error)
	}
	if resp.Report == nil {
		return workspace.RollbackReport{ConversationID: conversationID, TargetSequence: upTo}, nil
	}
	return *resp.Report, nil
}

func (c *Client) Preview(ctx context.Context, conversationID string, upTo int64) (workspace.RollbackPreview, error) {
	q := url.Values{}
	q.Set("upToSequenceNumber", strconv.FormatInt(upTo, 10))
	var preview workspace.RollbackPreview
	err := c.doJSON(ctx, http.MethodGet, workspacePath(conversationID, "rollback/preview")+"?"+q.Encode(), nil, &preview)
	return preview, err
}

// RevertHunks writes content for path into the live sandbox and the
// persisted workspace.
func (c *Client) RevertHunks(ctx context.Context, conversationID, path, content string) error {
	var result workspace.RollbackResult
	body := map[string]any{"path": path, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, workspacePath(conversationID, "revert-hunks"), body, &result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("revert %s failed: %s", path, result.Error)
	}
	return nil
}

func (c *Client) ReadFile(ctx context.Context, conversationID, path string) (File, error) {
	q := url.Values{}
	q.Set("path", path)
	var file File
	err := c.doJSON(ctx, http.MethodGet, workspacePath(conversationID, "fs/file")+"?"+q.Encode(), nil, &file)
	return file, err
}

// ListTree lists persisted files, optionally only those under prefix.
func (c *Client) ListTree(ctx context.Context, conversationID, prefix string) (Tree, error) {
	requestPath := workspacePath(conversationID, "fs/tree")
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		q := url.Values{}
		q.Set("prefix", prefix)
		requestPath += "?" + q.Encode()
	}
	var tree Tree
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &tree)
	return tree, err
}

func workspacePath(conversationID, suffix string) string {
	return "/v1/workspaces/" + url.PathEscape(conversationID) + "/" + suffix
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "rewindctl_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
