package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/rewind/internal/logging"
	"github.com/agentworkforce/rewind/internal/sandbox"
	"github.com/agentworkforce/rewind/internal/workspace"
)

const (
	ScopeRead     = "workspace:read"
	ScopeWrite    = "workspace:write"
	ScopeRollback = "workspace:rollback"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	// Metrics serves GET /metrics. Defaults to the default Prometheus
	// registry.
	Metrics http.Handler
}

// Deps are the workspace components the server drives.
type Deps struct {
	Rollbacker *workspace.Rollbacker
	Messages   workspace.MessageStore
	Files      workspace.FileStore
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) (*Server, error) {
	if deps.Rollbacker == nil || deps.Messages == nil || deps.Files == nil {
		return nil, errors.New("httpapi: rollbacker, message store and file store are required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		now:         time.Now,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" || strings.TrimSpace(parts[2]) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	conversationID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "rollback" && r.Method == http.MethodPost:
		requiredScope = ScopeRollback
		route = "rollback"
	case len(parts) == 5 && parts[3] == "rollback" && parts[4] == "preview" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "rollback_preview"
	case len(parts) == 4 && parts[3] == "revert-hunks" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "revert_hunks"
	case len(parts) == 5 && parts[3] == "fs" && parts[4] == "file" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "read_file"
	case len(parts) == 5 && parts[3] == "fs" && parts[4] == "tree" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "tree"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := conversationID + "|" + claims.UserID
		if !s.rateLimiter.allow(key, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	req := workspaceRequest{
		conversationID: conversationID,
		userID:         claims.UserID,
		correlationID:  correlationID,
		logger: s.logger.With(
			"route", route,
			"conversation_id", conversationID,
			"correlation_id", correlationID,
		),
	}
	if !s.authorizeConversation(w, r, req) {
		return
	}

	switch route {
	case "rollback":
		s.handleRollback(w, r, req)
	case "rollback_preview":
		s.handleRollbackPreview(w, r, req)
	case "revert_hunks":
		s.handleRevertHunks(w, r, req)
	case "read_file":
		s.handleReadFile(w, r, req)
	case "tree":
		s.handleTree(w, r, req)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type workspaceRequest struct {
	conversationID string
	userID         string
	correlationID  string
	logger         *slog.Logger
}

// authorizeConversation checks that the caller owns at least one message in
// the conversation.
func (s *Server) authorizeConversation(w http.ResponseWriter, r *http.Request, req workspaceRequest) bool {
	owned, err := s.deps.Messages.HasMessages(r.Context(), req.conversationID, req.userID)
	if err != nil {
		req.logger.Error("http.ownership_check_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "ownership check failed", req.correlationID)
		return false
	}
	if !owned {
		writeError(w, http.StatusForbidden, "forbidden", "conversation not accessible", req.correlationID)
		return false
	}
	return true
}

type rollbackRequest struct {
	UpToSequenceNumber int64 `json:"upToSequenceNumber"`
}

type rollbackResponse struct {
	workspace.RollbackResult
	Report *workspace.RollbackReport `json:"report,omitempty"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request, req workspaceRequest) {
	var body rollbackRequest
	if !s.decodeJSONBody(w, r, req.correlationID, rollbackBodySchema, &body) {
		return
	}
	report, err := s.deps.Rollbacker.RollbackWorkspaceToSequence(r.Context(), req.conversationID, req.userID, body.UpToSequenceNumber)
	if err != nil {
		s.writeWorkspaceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rollbackResponse{
		RollbackResult: workspace.ResultOf(nil),
		Report:         &report,
	})
}

func (s *Server) handleRollbackPreview(w http.ResponseWriter, r *http.Request, req workspaceRequest) {
	raw := strings.TrimSpace(r.URL.Query().Get("upToSequenceNumber"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing upToSequenceNumber query", req.correlationID)
		return
	}
	target, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || target < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "upToSequenceNumber must be a non-negative integer", req.correlationID)
		return
	}
	preview, err := s.deps.Rollbacker.PreviewRollback(r.Context(), req.conversationID, req.userID, target)
	if err != nil {
		s.writeWorkspaceError(w, req, err)
		return
	}
	if preview.Changes == nil {
		preview.Changes = []workspace.FileChange{}
	}
	writeJSON(w, http.StatusOK, preview)
}

type revertHunksRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleRevertHunks(w http.ResponseWriter, r *http.Request, req workspaceRequest) {
	var body revertHunksRequest
	if !s.decodeJSONBody(w, r, req.correlationID, revertHunksBodySchema, &body) {
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path is required", req.correlationID)
		return
	}
	if err := s.deps.Rollbacker.ApplyRebuiltFileContent(r.Context(), req.conversationID, body.Path, body.Content); err != nil {
		s.writeWorkspaceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, workspace.ResultOf(nil))
}

type fileResponse struct {
	ConversationID string    `json:"conversationId"`
	Path           string    `json:"path"`
	Content        string    `json:"content"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request, req workspaceRequest) {
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", req.correlationID)
		return
	}
	row, err := s.deps.Files.GetFile(r.Context(), req.conversationID, path)
	if err != nil {
		s.writeWorkspaceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{
		ConversationID: row.ConversationID,
		Path:           row.Path,
		Content:        row.Content,
		UpdatedAt:      row.UpdatedAt,
	})
}

type TreeEntry struct {
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type treeResponse struct {
	ConversationID string      `json:"conversationId"`
	Entries        []TreeEntry `json:"entries"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, req workspaceRequest) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	rows, err := s.deps.Files.ListFiles(r.Context(), req.conversationID)
	if err != nil {
		s.writeWorkspaceError(w, req, err)
		return
	}
	entries := make([]TreeEntry, 0, len(rows))
	for _, row := range rows {
		if prefix != "" && !strings.HasPrefix(row.Path, prefix) {
			continue
		}
		entries = append(entries, TreeEntry{Path: row.Path, Size: len(row.Content), UpdatedAt: row.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, treeResponse{ConversationID: req.conversationID, Entries: entries})
}

func (s *Server) writeWorkspaceError(w http.ResponseWriter, req workspaceRequest, err error) {
	var stepErr *workspace.StepError
	switch {
	case errors.Is(err, workspace.ErrInvalidInput), errors.Is(err, sandbox.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), req.correlationID)
	case errors.Is(err, workspace.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), req.correlationID)
	case errors.Is(err, workspace.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), req.correlationID)
	case errors.Is(err, workspace.ErrSandboxUnavailable):
		writeError(w, http.StatusServiceUnavailable, "sandbox_unavailable", err.Error(), req.correlationID)
	case errors.Is(err, context.Canceled):
		req.logger.Info("http.request_canceled")
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled", req.correlationID)
	case errors.As(err, &stepErr):
		writeError(w, http.StatusInternalServerError, "internal_error", stepErr.Error(), req.correlationID)
	default:
		req.logger.Error("http.unexpected_error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), req.correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
