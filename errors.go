package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattiq/campaign/internal/core"
)

// Predefined sentinel errors for common cases.
var (
	// ErrMissingCredential indicates that the provider API key is not configured.
	ErrMissingCredential = core.ErrMissingCredential

	// ErrInvalidEmail indicates an address that cannot be parsed.
	ErrInvalidEmail = core.ErrInvalidEmail

	// ErrRateLimited indicates the operation was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfiguration indicates invalid configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("client closed")
)

// Rendering stages reported by RenderError.
const (
	StageInline  = "inline"
	StageImages  = "images"
	StageText    = "text"
	StageContent = "content"
)

// RenderError reports a failure while preparing the message content.
// It is fatal to the whole send.
type RenderError struct {
	// Stage is the preparation step that failed.
	Stage string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	return fmt.Sprintf("render error during %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RenderError) Unwrap() error {
	return e.Cause
}

// RateLimitError represents a rate limiting error with retry information.
type RateLimitError struct {
	// Message is the error message.
	Message string

	// RetryAfterDuration indicates when the operation can be retried.
	RetryAfterDuration time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %v)", e.Message, e.RetryAfterDuration)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfter returns the suggested delay before the next attempt.
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// Retryable reports that a rate limited delivery may be attempted again.
func (e *RateLimitError) Retryable() bool {
	return true
}

// NewRenderError creates a new render error.
func NewRenderError(stage string, cause error) *RenderError {
	return &RenderError{Stage: stage, Cause: cause}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Message:            message,
		RetryAfterDuration: retryAfter,
	}
}
