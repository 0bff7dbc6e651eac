package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider defines the interface for bulk email providers.
// Implementations translate a DeliveryRequest into one provider API call.
type Provider interface {
	// Deliver sends one batch request on behalf of the given sending domain.
	// Exactly one API call is made per invocation; no retries are performed.
	Deliver(ctx context.Context, domain string, req *DeliveryRequest) (*SendResult, error)

	// Placeholder returns the provider syntax that references a per-recipient
	// merge variable inside a subject or body.
	Placeholder(property string) string

	// ValidateConfig validates the provider configuration.
	// Returns an error if the configuration is invalid or incomplete.
	ValidateConfig() error

	// Name returns the provider's name for identification and logging.
	Name() string
}

// ProviderSettings represents configuration settings for email providers.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// GetDefault retrieves a configuration value, falling back to def when unset.
func (ps ProviderSettings) GetDefault(key, def string) string {
	if v := ps[key]; v != "" {
		return v
	}
	return def
}

// Clone returns a shallow copy of the settings.
func (ps ProviderSettings) Clone() ProviderSettings {
	out := make(ProviderSettings, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// ProviderOptions carries shared runtime dependencies into provider constructors.
type ProviderOptions struct {
	// HTTPClient is used by HTTP based providers. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// UserAgent is sent with every provider API call when supported.
	UserAgent string
}

// RecipientPlaceholder renders the %recipient.<property>% merge syntax understood by
// batch sending APIs.
func RecipientPlaceholder(property string) string {
	return "%recipient." + property + "%"
}

// Sentinel errors shared by providers and the client.
var (
	// ErrMissingCredential indicates that no delivery credential is configured.
	ErrMissingCredential = errors.New("delivery credential not set")

	// ErrInvalidEmail indicates an address that cannot be parsed.
	ErrInvalidEmail = errors.New("invalid email address")
)

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}

	// Cause is the underlying error (optional).
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ProviderError represents an error from an email provider.
type ProviderError struct {
	// Provider is the name of the provider that generated the error.
	Provider string

	// Code is the provider-specific error code.
	Code string

	// Message is the error message from the provider.
	Message string

	// StatusCode is the HTTP status code (for HTTP-based providers).
	StatusCode int

	// IsRetryable indicates whether the error can be retried.
	IsRetryable bool

	// IsTemporary indicates whether the error is temporary.
	IsTemporary bool

	// RetryAfterDuration is the provider supplied back-off hint, if any.
	RetryAfterDuration time.Duration

	// Cause is the underlying error that caused this provider error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error [%s] (status: %d): %s",
			e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ProviderError) Is(target error) bool {
	pe, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return e.Provider == pe.Provider && e.Code == pe.Code
}

// Retryable implements RetryableError for ProviderError.
func (e *ProviderError) Retryable() bool {
	return e.IsRetryable
}

// Temporary implements TemporaryError for ProviderError.
func (e *ProviderError) Temporary() bool {
	return e.IsTemporary
}

// RetryAfter implements the retry hint interface.
func (e *ProviderError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// WithCause attaches the underlying error and returns e.
func (e *ProviderError) WithCause(cause error) *ProviderError {
	e.Cause = cause
	return e
}

// RetryableError interface indicates whether an error can be retried.
type RetryableError interface {
	Retryable() bool
}

// TemporaryError interface indicates whether an error is temporary.
type TemporaryError interface {
	Temporary() bool
}

// NewProviderError creates a new provider error.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// NewRetryableProviderError creates a new retryable provider error.
func NewRetryableProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     message,
		IsRetryable: true,
	}
}

// NewTemporaryProviderError creates a new temporary provider error.
func NewTemporaryProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     message,
		IsRetryable: true,
		IsTemporary: true,
	}
}

// NewStatusError classifies an HTTP status returned by a provider API.
// 429 and 5xx responses are retryable, everything else is permanent.
func NewStatusError(provider string, status int, message string) *ProviderError {
	var pe *ProviderError
	switch {
	case status == http.StatusTooManyRequests:
		pe = NewTemporaryProviderError(provider, "rate_limited", message)
	case status >= 500:
		pe = NewTemporaryProviderError(provider, "server_error", message)
	default:
		pe = NewProviderError(provider, "api_error", message)
	}
	pe.StatusCode = status
	return pe
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with a value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewMissingCredentialError reports a missing provider credential setting.
func NewMissingCredentialError(provider, field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: provider + " API key not set",
		Cause:   ErrMissingCredential,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	return false
}

// IsTemporary checks if an error is temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}

	var te TemporaryError
	if errors.As(err, &te) {
		return te.Temporary()
	}

	return false
}

// GetRetryAfter extracts retry delay from an error if available.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}

	var rateLimited interface{ RetryAfter() time.Duration }
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter()
	}

	return 0
}

// BatchError summarizes the failed batches of a send.
type BatchError struct {
	// Message is the overall error message.
	Message string

	// Errors contains individual errors for each failed batch.
	Errors []BatchItemError

	// Total is the total number of batches.
	Total int

	// Failed is the number of batches that failed.
	Failed int
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch error: %s (%d/%d failed)", e.Message, e.Failed, e.Total)
}

// Unwrap exposes the per-batch errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, item := range e.Errors {
		errs = append(errs, item.Error)
	}
	return errs
}

// BatchItemError represents an error for a specific batch.
type BatchItemError struct {
	// Index is the position of the batch in the send.
	Index int

	// Error is the error that occurred for this batch.
	Error error
}
