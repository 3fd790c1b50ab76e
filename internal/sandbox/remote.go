package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const remoteHandshakeTimeout = 10 * time.Second

// Frame is the JSON message exchanged with a remote sandbox agent.
type Frame struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	SandboxID  string `json:"sandboxId,omitempty"`
	Path       string `json:"path,omitempty"`
	Content    string `json:"content,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

const (
	FrameReady      = "ready"
	FrameWrite      = "write"
	FrameSetTimeout = "set_timeout"
	FrameAck        = "ack"
	FrameError      = "error"

	// ErrorCodeGone is sent by the agent when the sandbox has been reaped.
	ErrorCodeGone = "sandbox_gone"
)

// RemoteProvider talks to a sandbox agent over websockets. Each live
// sandbox holds one connection; requests on it are strictly sequential.
type RemoteProvider struct {
	baseURL *url.URL
	token   string
}

func NewRemoteProvider(baseURL, token string) (*RemoteProvider, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse sandbox agent url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported sandbox agent scheme %q", parsed.Scheme)
	}
	return &RemoteProvider{baseURL: parsed, token: strings.TrimSpace(token)}, nil
}

func (p *RemoteProvider) Create(ctx context.Context, ttl time.Duration) (Sandbox, error) {
	u := *p.baseURL
	u.Path += "/v1/sandboxes"
	query := u.Query()
	query.Set("ttlSeconds", strconv.FormatInt(int64(ttl/time.Second), 10))
	u.RawQuery = query.Encode()
	return p.open(ctx, u.String(), "")
}

func (p *RemoteProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty sandbox id", ErrSandboxGone)
	}
	u := *p.baseURL
	u.Path += "/v1/sandboxes/" + url.PathEscape(id)
	return p.open(ctx, u.String(), id)
}

func (p *RemoteProvider) open(ctx context.Context, target, wantID string) (Sandbox, error) {
	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, remoteHandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSandboxGone, wantID)
		}
		return nil, fmt.Errorf("dial sandbox agent: %w", err)
	}

	var hello Frame
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "missing hello")
		return nil, fmt.Errorf("read sandbox hello: %w", err)
	}
	switch {
	case hello.Type == FrameError && hello.Code == ErrorCodeGone:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("%w: %s", ErrSandboxGone, wantID)
	case hello.Type != FrameReady || hello.SandboxID == "":
		_ = conn.Close(websocket.StatusProtocolError, "unexpected hello")
		return nil, fmt.Errorf("sandbox agent hello: %s %s", hello.Type, hello.Message)
	case wantID != "" && hello.SandboxID != wantID:
		_ = conn.Close(websocket.StatusProtocolError, "sandbox id mismatch")
		return nil, fmt.Errorf("sandbox agent answered for %s, want %s", hello.SandboxID, wantID)
	}
	return &remoteSandbox{id: hello.SandboxID, conn: conn}, nil
}

type remoteSandbox struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	nextID uint64
	closed bool
}

func (s *remoteSandbox) ID() string { return s.id }

func (s *remoteSandbox) WriteFile(ctx context.Context, path, content string) error {
	return s.roundTrip(ctx, Frame{Type: FrameWrite, Path: path, Content: content})
}

func (s *remoteSandbox) SetTimeout(ctx context.Context, ttl time.Duration) error {
	return s.roundTrip(ctx, Frame{Type: FrameSetTimeout, TTLSeconds: int64(ttl / time.Second)})
}

func (s *remoteSandbox) roundTrip(ctx context.Context, request Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSandboxGone, s.id)
	}
	s.nextID++
	request.RequestID = strconv.FormatUint(s.nextID, 10)

	if err := wsjson.Write(ctx, s.conn, request); err != nil {
		return s.transportError(err)
	}
	for {
		var reply Frame
		if err := wsjson.Read(ctx, s.conn, &reply); err != nil {
			return s.transportError(err)
		}
		if reply.RequestID != request.RequestID {
			continue
		}
		switch reply.Type {
		case FrameAck:
			return nil
		case FrameError:
			if reply.Code == ErrorCodeGone {
				return fmt.Errorf("%w: %s", ErrSandboxGone, s.id)
			}
			return fmt.Errorf("sandbox %s %s: %s", s.id, request.Type, reply.Message)
		default:
			return fmt.Errorf("sandbox %s: unexpected reply %q", s.id, reply.Type)
		}
	}
}

// transportError marks the connection dead; the websocket library closes
// it when a read or write fails or its context ends. Context errors are
// passed through, anything else means the sandbox handle is unusable.
func (s *remoteSandbox) transportError(err error) error {
	s.closed = true
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrSandboxGone, s.id, err)
}

func (s *remoteSandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
