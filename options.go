package campaign

import (
	"time"

	"go.uber.org/zap"

	"github.com/lattiq/campaign/internal/providers/mailgun"
)

// Option is a functional option for configuring the campaign client.
type Option func(*Config)

// WithProvider sets the email provider type and its settings.
func WithProvider(providerType ProviderType, settings ProviderSettings) Option {
	return func(c *Config) {
		c.Provider.Type = providerType
		c.Provider.Primary = settings
	}
}

// WithDeliveryProvider makes the client deliver through p.
func WithDeliveryProvider(p Provider) Option {
	return func(c *Config) {
		c.Provider.Instance = p
	}
}

// WithTimeout sets the timeout of one provider call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Provider.Timeout = timeout
	}
}

// WithMaxConnsPerHost sets the maximum number of connections per host.
func WithMaxConnsPerHost(maxConns int) Option {
	return func(c *Config) {
		c.Provider.MaxConnsPerHost = maxConns
	}
}

// WithBatchSize sets the recipient ceiling of one batch.
func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.Batch.MaxRecipients = n
	}
}

// WithConcurrency bounds the number of batches delivered at once.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Batch.Concurrency = n
	}
}

// WithAuthority sets the base URL used for messages without one.
func WithAuthority(authority string) Option {
	return func(c *Config) {
		c.Rendering.Authority = authority
	}
}

// WithWordwrap sets the line width of the inferred text body.
func WithWordwrap(width int) Option {
	return func(c *Config) {
		c.Rendering.Wordwrap = width
	}
}

// WithHTMLInliner replaces the HTML preparation step.
func WithHTMLInliner(inliner HTMLInliner) Option {
	return func(c *Config) {
		c.Rendering.Inliner = inliner
	}
}

// WithTextConverter replaces the HTML to text conversion.
func WithTextConverter(converter TextConverter) Option {
	return func(c *Config) {
		c.Rendering.Converter = converter
	}
}

// WithRetry configures how Redeliver retries failed batches.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.Retry.Enabled = true
		c.Retry.MaxAttempts = maxAttempts
		c.Retry.InitialDelay = initialDelay
		c.Retry.MaxDelay = maxDelay
		c.Retry.Multiplier = multiplier
	}
}

// WithJitter enables or disables jitter in retry delays.
func WithJitter(enabled bool) Option {
	return func(c *Config) {
		c.Retry.Jitter = enabled
	}
}

// WithoutRetry makes Redeliver attempt each failed batch once.
func WithoutRetry() Option {
	return func(c *Config) {
		c.Retry.Enabled = false
	}
}

// WithRateLimit configures rate limiting of batch deliveries.
func WithRateLimit(rate int, period time.Duration, burst int) Option {
	return func(c *Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.Rate = rate
		c.RateLimit.Period = period
		c.RateLimit.Burst = burst
	}
}

// WithPerRecipientRateLimit charges the rate limit per recipient.
func WithPerRecipientRateLimit(enabled bool) Option {
	return func(c *Config) {
		c.RateLimit.PerRecipient = enabled
	}
}

// WithCircuitBreaker configures circuit breaker behavior.
func WithCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitBreaker.Enabled = true
		c.CircuitBreaker.FailureThreshold = failureThreshold
		c.CircuitBreaker.SuccessThreshold = successThreshold
		c.CircuitBreaker.Timeout = timeout
	}
}

// WithoutCircuitBreaker disables circuit breaker functionality.
func WithoutCircuitBreaker() Option {
	return func(c *Config) {
		c.CircuitBreaker.Enabled = false
	}
}

// WithoutTracing disables span recording.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithMetrics enables metrics under the given namespace.
func WithMetrics(namespace string) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = true
		c.Monitoring.Metrics.Namespace = namespace
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = false
	}
}

// WithLogging configures the built-in logger.
func WithLogging(level, format, output string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Format = format
		c.Monitoring.Logging.Output = output
	}
}

// WithLogger makes the client log through logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Monitoring.Logger = logger
	}
}

// WithMailgun configures the Mailgun provider. The sending domain is taken
// from the sender address of each message.
func WithMailgun(apiKey string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key": apiKey,
	})
}

// WithMailgunEU configures the Mailgun provider for EU hosted domains.
func WithMailgunEU(apiKey string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key":  apiKey,
		"base_url": mailgun.APIBaseEU,
	})
}

// WithMailgunAccount configures the Mailgun provider with a non-default
// basic auth username.
func WithMailgunAccount(username, apiKey string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key":  apiKey,
		"username": username,
	})
}

// WithSendGrid configures the SendGrid provider.
func WithSendGrid(apiKey string) Option {
	return WithProvider(ProviderSendGrid, ProviderSettings{
		"api_key": apiKey,
	})
}

// WithAWSSES configures the AWS SES provider.
func WithAWSSES(region string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region": region,
	})
}

// WithAWSSESCredentials configures the AWS SES provider with explicit credentials.
func WithAWSSESCredentials(region, accessKey, secretKey string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region":     region,
		"access_key": accessKey,
		"secret_key": secretKey,
	})
}

// WithSMTPAuth configures the SMTP provider with authentication.
func WithSMTPAuth(host, port, username, password string) Option {
	return WithProvider(ProviderSMTP, ProviderSettings{
		"host":     host,
		"port":     port,
		"username": username,
		"password": password,
	})
}
