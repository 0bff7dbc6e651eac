package campaign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lattiq/campaign/internal/core"
	"github.com/lattiq/campaign/internal/dispatch"
	"github.com/lattiq/campaign/internal/providers"
	"github.com/lattiq/campaign/internal/render"
)

// Client implements Sender on top of a batch sending provider.
// All methods are safe for concurrent use.
type Client struct {
	config         Config
	provider       Provider
	credentialErr  error
	dispatcher     *dispatch.Dispatcher
	inliner        HTMLInliner
	converter      TextConverter
	retryManager   *RetryManager
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker
	metrics        *deliveryMetrics
	tracer         trace.Tracer
	logger         *zap.Logger
	ownsLogger     bool
	mu             sync.RWMutex
	closed         bool
}

// New creates a campaign client with the given configuration.
//
// A provider configured without its API key does not fail construction: the
// problem is logged and every Send fails with ErrMissingCredential.
func New(config Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := &Client{
		config:    config,
		logger:    config.Monitoring.Logger,
		inliner:   config.Rendering.Inliner,
		converter: config.Rendering.Converter,
	}

	if client.logger == nil {
		logger, err := NewLogger(config.Monitoring.Logging)
		if err != nil {
			return nil, err
		}
		client.logger = logger
		client.ownsLogger = true
	}

	version := GetVersionInfo()
	if config.Monitoring.Tracing.Enabled {
		client.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version.Version))
	} else {
		client.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}

	metrics, err := newDeliveryMetrics(config.Monitoring.Metrics)
	if err != nil {
		return nil, err
	}
	client.metrics = metrics

	if config.Provider.Instance != nil {
		client.provider = config.Provider.Instance
	} else {
		provider, err := providers.New(config.Provider.Type.String(), config.Provider.Primary, core.ProviderOptions{
			HTTPClient: newHTTPClient(config.Provider),
			UserAgent:  version.UserAgent(),
		})
		switch {
		case errors.Is(err, ErrMissingCredential):
			client.credentialErr = fmt.Errorf("%s provider: %w", config.Provider.Type, err)
			client.logger.Warn("delivery credential not set, every send will fail",
				zap.String("provider", config.Provider.Type.String()),
				zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("failed to create provider: %w", err)
		default:
			client.provider = provider
		}
	}

	if client.inliner == nil {
		client.inliner = render.NewAuthorityInliner()
	}
	if client.converter == nil {
		client.converter = render.NewTextConverter()
	}

	client.retryManager = NewRetryManager(config.Retry)
	if config.RateLimit.Enabled {
		client.rateLimiter = NewRateLimiter(config.RateLimit)
	}
	if config.CircuitBreaker.Enabled {
		client.circuitBreaker = NewCircuitBreaker(config.CircuitBreaker)
	}

	client.dispatcher = dispatch.New(client.deliver, dispatch.Config{
		Concurrency: config.Batch.Concurrency,
		Logger:      client.logger,
	})

	return client, nil
}

// Send prepares msg once, splits its To list into batches and delivers every
// batch. The returned error is non-nil only when nothing was sent; failures
// of individual batches are reported in the result.
func (c *Client) Send(ctx context.Context, msg *Message) (*BatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "campaign.Client.Send")
	defer span.End()

	if err := c.checkOpen(); err != nil {
		return nil, fail(span, err, "client closed")
	}
	if c.credentialErr != nil {
		c.logger.Warn("send rejected", zap.Error(c.credentialErr))
		return nil, fail(span, c.credentialErr, "missing credential")
	}
	if msg == nil {
		return nil, fail(span, NewValidationError("message", "message is required"), "validation failed")
	}
	if err := msg.Validate(); err != nil {
		return nil, fail(span, err, "validation failed")
	}

	domain, err := msg.SenderDomain()
	if err != nil {
		return nil, fail(span, err, "invalid sender address")
	}

	span.SetAttributes(
		attribute.String("campaign.domain", domain),
		attribute.String("campaign.provider", c.providerName()),
		attribute.Int("campaign.recipients.to", len(msg.To)),
		attribute.Int("campaign.recipients.cc", len(msg.CC)),
		attribute.Int("campaign.recipients.bcc", len(msg.BCC)),
	)

	env, err := c.prepare(ctx, msg)
	if err != nil {
		return nil, fail(span, err, "rendering failed")
	}

	merge := core.NewMergeTable(msg.Provider.Merge)
	merge.ExpandWildcard()

	batches := core.Split(msg.To, c.config.Batch.MaxRecipients)
	reqs := make([]*DeliveryRequest, len(batches))
	for i, batch := range batches {
		vars := merge.Resolve(slices.Concat(batch, env.CC, env.BCC)...)
		reqs[i] = c.dispatcher.BuildRequest(batch, env, vars)
	}

	result := &BatchResult{
		Domain:   domain,
		Provider: c.providerName(),
		Total:    len(reqs),
		Outcomes: c.dispatcher.DispatchAll(ctx, domain, reqs),
	}
	c.recordOutcomes(ctx, result.Outcomes)
	c.summarize(span, "campaign sent", result)

	return result, nil
}

// Redeliver retries the failed batches of result with the configured retry
// policy. Successful outcomes are carried over unchanged; each retried batch
// replaces its outcome at the same index.
func (c *Client) Redeliver(ctx context.Context, result *BatchResult) (*BatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "campaign.Client.Redeliver")
	defer span.End()

	if err := c.checkOpen(); err != nil {
		return nil, fail(span, err, "client closed")
	}
	if c.credentialErr != nil {
		return nil, fail(span, c.credentialErr, "missing credential")
	}
	if result == nil {
		return nil, fail(span, NewValidationError("result", "batch result is required"), "validation failed")
	}

	next := &BatchResult{
		Domain:   result.Domain,
		Provider: result.Provider,
		Total:    result.Total,
		Outcomes: slices.Clone(result.Outcomes),
	}

	limit := c.config.Batch.Concurrency
	if limit <= 0 {
		limit = MaxConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for pos, prev := range result.Outcomes {
		if prev.OK() || prev.Request == nil {
			continue
		}
		g.Go(func() error {
			out := prev
			_ = c.retryManager.RetryNotify(ctx, func() error {
				out = c.dispatcher.Deliver(ctx, result.Domain, prev.Index, prev.Request)
				return out.Err
			}, func(err error, wait time.Duration) {
				c.logger.Info("retrying batch",
					zap.Int("batch", prev.Index),
					zap.String("request_id", prev.Request.ID),
					zap.Duration("wait", wait),
					zap.Error(err))
			})
			next.Outcomes[pos] = out
			return nil
		})
	}
	_ = g.Wait()

	c.recordOutcomes(ctx, next.Outcomes)
	c.summarize(span, "campaign redelivered", next)
	return next, nil
}

// Placeholder returns the provider syntax referencing the merge variable
// property, for use in subjects and bodies.
func (c *Client) Placeholder(property string) string {
	if c.provider == nil {
		return core.RecipientPlaceholder(property)
	}
	return c.provider.Placeholder(property)
}

// Close closes the client and releases any resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.ownsLogger {
		_ = c.logger.Sync()
	}
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// prepare builds the content shared by every batch. HTML preparation and
// file decoding run concurrently; the text body is inferred from the
// prepared HTML.
func (c *Client) prepare(ctx context.Context, msg *Message) (*core.Envelope, error) {
	authority := msg.Authority
	if authority == "" {
		authority = c.config.Rendering.Authority
	}

	var (
		html        string
		inline      []File
		attachments []File
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if strings.TrimSpace(msg.HTML) == "" {
			return nil
		}
		out, err := c.inliner.Inline(gctx, msg.HTML, authority)
		if err != nil {
			return NewRenderError(StageInline, err)
		}
		html = out
		return nil
	})
	g.Go(func() error {
		files, err := msg.InlineFiles()
		if err != nil {
			return NewRenderError(StageImages, err)
		}
		inline = files
		return nil
	})
	g.Go(func() error {
		attachments = msg.AttachmentFiles()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var text string
	if html != "" {
		out, err := c.converter.Convert(html, TextOptions{
			BaseURL:          authority,
			Wordwrap:         c.config.Rendering.Wordwrap,
			HideSameLinkText: c.config.Rendering.HideSameLinkText,
		})
		if err != nil {
			return nil, NewRenderError(StageText, err)
		}
		text = out
	}

	return &core.Envelope{
		From:        msg.From,
		CC:          msg.CC,
		BCC:         msg.BCC,
		ReplyTo:     msg.ReplyTo,
		Subject:     msg.Subject,
		HTML:        html,
		Text:        text,
		Tags:        dispatch.Tags(msg.Template, msg.Provider.Tags),
		Attachments: attachments,
		Inline:      inline,
	}, nil
}

// deliver is the delivery capability handed to the dispatcher: one provider
// call guarded by the rate limiter and circuit breaker.
func (c *Client) deliver(ctx context.Context, domain string, req *DeliveryRequest) (*SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "campaign.Client.deliver", trace.WithAttributes(
		attribute.String("campaign.request_id", req.ID),
		attribute.String("campaign.provider", c.providerName()),
		attribute.Int("campaign.batch.recipients", req.TotalRecipients()),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.config.Provider.Timeout)
	defer cancel()

	if err := c.rateLimiter.Wait(ctx, req); err != nil {
		return nil, fail(span, err, "rate limited")
	}

	var result *SendResult
	err := c.circuitBreaker.Execute(func() error {
		r, err := c.provider.Deliver(ctx, domain, req)
		result = r
		return err
	})
	if err != nil {
		return nil, fail(span, err, "delivery failed")
	}

	if result != nil {
		span.SetAttributes(attribute.String("campaign.message_id", result.MessageID))
	}
	span.SetStatus(codes.Ok, "batch accepted")
	return result, nil
}

func (c *Client) recordOutcomes(ctx context.Context, outcomes []Outcome) {
	provider := c.providerName()
	for _, out := range outcomes {
		if out.Request != nil {
			c.metrics.record(ctx, provider, out)
		}
	}
}

func (c *Client) summarize(span trace.Span, msg string, result *BatchResult) {
	failed := len(result.Failed())
	recipients := 0
	for _, out := range result.Outcomes {
		if out.Request != nil {
			recipients += len(out.Request.To)
		}
	}

	span.SetAttributes(
		attribute.Int("campaign.batches", result.Total),
		attribute.Int("campaign.batches.failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d/%d batches failed", failed, result.Total))
	} else {
		span.SetStatus(codes.Ok, "all batches accepted")
	}

	c.logger.Info(msg,
		zap.String("domain", result.Domain),
		zap.String("provider", result.Provider),
		zap.Int("batches", result.Total),
		zap.Int("failed", failed),
		zap.Int("recipients", recipients))
}

func (c *Client) providerName() string {
	if c.provider != nil {
		return c.provider.Name()
	}
	return c.config.Provider.Type.String()
}

func fail(span trace.Span, err error, status string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	return err
}

func newHTTPClient(cfg ProviderConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnsPerHost
		transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
