package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/rewind/internal/logging"
)

// ValidationError names one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate reports all invalid fields at once.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("addr", "must not be empty")
	}

	if _, err := c.BackendDSN(); err != nil {
		add("backend", "%v", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Sandbox.Provider)) {
	case "", SandboxNone:
	case SandboxLocal:
		if strings.TrimSpace(c.Sandbox.LocalRoot) == "" {
			add("sandbox.local_root", "required for the local provider")
		}
	case SandboxRemote:
		parsed, err := url.Parse(strings.TrimSpace(c.Sandbox.RemoteURL))
		if err != nil || parsed.Host == "" {
			add("sandbox.remote_url", "must be an absolute ws(s) or http(s) url")
		}
	default:
		add("sandbox.provider", "unknown provider %q (want none, local or remote)", c.Sandbox.Provider)
	}
	if c.Sandbox.TTL.Std() <= 0 {
		add("sandbox.ttl", "must be positive")
	}

	if c.HTTP.RateLimitMax < 0 {
		add("http.rate_limit_max", "must not be negative")
	}
	if c.HTTP.RateLimitMax > 0 && c.HTTP.RateLimitWindow.Std() <= 0 {
		add("http.rate_limit_window", "must be positive when rate limiting is enabled")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		add("http.max_body_bytes", "must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		add("logging.format", "unknown format %q (want text or json)", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
