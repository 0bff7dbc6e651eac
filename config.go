package campaign

import (
	"time"

	"go.uber.org/zap"

	"github.com/lattiq/campaign/internal/core"
	"github.com/lattiq/campaign/internal/dispatch"
	"github.com/lattiq/campaign/internal/providers"
	"github.com/lattiq/campaign/internal/render"
)

// Batching limits.
const (
	// DefaultBatchSize is the recipient ceiling of one batch.
	DefaultBatchSize = core.DefaultBatchSize

	// MaxBatchSize is the largest batch the provider APIs accept.
	MaxBatchSize = core.MaxBatchSize

	// MaxConcurrency caps in-flight deliveries when Concurrency is zero.
	MaxConcurrency = dispatch.MaxConcurrency
)

// Config holds the complete campaign client configuration.
type Config struct {
	// Provider contains provider-specific configuration.
	Provider ProviderConfig

	// Batch controls how recipients are split and dispatched.
	Batch BatchConfig

	// Rendering controls content preparation before dispatch.
	Rendering RenderingConfig

	// Retry contains the policy used by Redeliver.
	Retry RetryConfig

	// RateLimit contains rate limiting configuration.
	RateLimit RateLimitConfig

	// CircuitBreaker contains circuit breaker configuration.
	CircuitBreaker CircuitBreakerConfig

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig
}

// ProviderConfig contains provider-specific settings.
type ProviderConfig struct {
	// Type specifies the email provider to use.
	Type ProviderType

	// Primary contains settings for the provider.
	Primary ProviderSettings

	// Instance, when set, is used instead of constructing a provider from
	// Type and Primary.
	Instance Provider

	// Timeout is the maximum time to wait for one provider call.
	Timeout time.Duration

	// MaxConnsPerHost limits the number of connections per host for HTTP-based providers.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum time an idle connection will remain open.
	IdleConnTimeout time.Duration
}

// ProviderType represents the type of email provider.
type ProviderType string

const (
	// ProviderMailgun represents the Mailgun email service.
	ProviderMailgun ProviderType = providers.Mailgun

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid ProviderType = providers.SendGrid

	// ProviderAWSSES represents Amazon Simple Email Service.
	ProviderAWSSES ProviderType = providers.SES

	// ProviderSMTP represents a generic SMTP server.
	ProviderSMTP ProviderType = providers.SMTP
)

// String returns the string representation of the provider type.
func (pt ProviderType) String() string {
	return string(pt)
}

// Valid checks if the provider type is supported.
func (pt ProviderType) Valid() bool {
	return providers.Supported(string(pt))
}

// BatchConfig controls batching and dispatch.
type BatchConfig struct {
	// MaxRecipients is the largest number of To recipients per batch.
	MaxRecipients int

	// Concurrency bounds in-flight batch deliveries. Zero delivers every batch
	// at once, up to MaxConcurrency.
	Concurrency int
}

// RenderingConfig controls how the message content is prepared.
type RenderingConfig struct {
	// Authority is the base URL used when a message has none.
	Authority string

	// Wordwrap is the line width of the inferred text body. Zero disables wrapping.
	Wordwrap int

	// HideSameLinkText omits link targets equal to the link text.
	HideSameLinkText bool

	// Inliner prepares the HTML body. Nil uses the built-in URL resolver.
	Inliner HTMLInliner

	// Converter infers the text body. Nil uses the built-in converter.
	Converter TextConverter
}

// RetryConfig contains retry policy configuration.
type RetryConfig struct {
	// Enabled indicates whether Redeliver retries failed batches.
	Enabled bool

	// MaxAttempts is the maximum number of attempts per batch, including the first.
	MaxAttempts int

	// InitialDelay is the initial delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (should be > 1.0 for exponential backoff).
	Multiplier float64

	// Jitter indicates whether random jitter should be added to delays.
	Jitter bool
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// Enabled indicates whether rate limiting is enabled.
	Enabled bool

	// Rate is the number of tokens per period.
	Rate int

	// Period is the time period for the rate limit.
	Period time.Duration

	// Burst is the maximum number of tokens that can be taken at once.
	Burst int

	// PerRecipient charges one token per recipient of a batch instead of one
	// token per batch.
	PerRecipient bool
}

// CircuitBreakerConfig contains circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Enabled indicates whether the circuit breaker is enabled.
	Enabled bool

	// FailureThreshold is the number of failures that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of successes needed to close the circuit.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration

	// ResetTimeout is how long to wait before resetting failure counts.
	ResetTimeout time.Duration
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Logger, when set, is used instead of building one from Logging.
	Logger *zap.Logger
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded through the global tracer provider.
	Enabled bool
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled indicates whether metrics are recorded through the global meter provider.
	Enabled bool

	// Namespace prefixes every instrument name.
	Namespace string
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string

	// Format is the log format (json, console).
	Format string

	// Output is where to write logs (stdout, stderr, or file path).
	Output string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Type:            ProviderMailgun,
			Timeout:         30 * time.Second,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		Batch: BatchConfig{
			MaxRecipients: DefaultBatchSize,
		},
		Rendering: RenderingConfig{
			Wordwrap:         render.DefaultWordwrap,
			HideSameLinkText: true,
		},
		Retry: DefaultRetryConfig(),
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    100,
			Period:  time.Minute,
			Burst:   10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          60 * time.Second,
			ResetTimeout:     300 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{Enabled: true},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "campaign",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Provider.Instance == nil && !c.Provider.Type.Valid() {
		return &ValidationError{
			Field:   "provider.type",
			Message: "invalid or unsupported provider type: " + string(c.Provider.Type),
			Cause:   ErrInvalidConfiguration,
		}
	}

	if c.Provider.Timeout <= 0 {
		return &ValidationError{
			Field:   "provider.timeout",
			Message: "timeout must be greater than 0",
			Cause:   ErrInvalidConfiguration,
		}
	}

	if c.Batch.MaxRecipients < 1 || c.Batch.MaxRecipients > MaxBatchSize {
		return &ValidationError{
			Field:   "batch.max_recipients",
			Message: "max recipients must be between 1 and 1000",
			Value:   c.Batch.MaxRecipients,
			Cause:   ErrInvalidConfiguration,
		}
	}

	if c.Batch.Concurrency < 0 {
		return &ValidationError{
			Field:   "batch.concurrency",
			Message: "concurrency must not be negative",
			Value:   c.Batch.Concurrency,
			Cause:   ErrInvalidConfiguration,
		}
	}

	if c.Rendering.Wordwrap < 0 {
		return &ValidationError{
			Field:   "rendering.wordwrap",
			Message: "wordwrap must not be negative",
			Cause:   ErrInvalidConfiguration,
		}
	}

	if c.Retry.Enabled {
		if c.Retry.MaxAttempts < 1 {
			return &ValidationError{
				Field:   "retry.max_attempts",
				Message: "max attempts must be at least 1",
				Cause:   ErrInvalidConfiguration,
			}
		}
		if c.Retry.Multiplier <= 1.0 {
			return &ValidationError{
				Field:   "retry.multiplier",
				Message: "multiplier must be greater than 1.0",
				Cause:   ErrInvalidConfiguration,
			}
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return &ValidationError{
				Field:   "rate_limit.rate",
				Message: "rate must be greater than 0",
				Cause:   ErrInvalidConfiguration,
			}
		}
		if c.RateLimit.Period <= 0 {
			return &ValidationError{
				Field:   "rate_limit.period",
				Message: "period must be greater than 0",
				Cause:   ErrInvalidConfiguration,
			}
		}
		if c.RateLimit.Burst < 1 {
			return &ValidationError{
				Field:   "rate_limit.burst",
				Message: "burst must be at least 1",
				Cause:   ErrInvalidConfiguration,
			}
		}
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold < 1 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_threshold",
			Message: "failure threshold must be at least 1",
			Cause:   ErrInvalidConfiguration,
		}
	}

	return nil
}
