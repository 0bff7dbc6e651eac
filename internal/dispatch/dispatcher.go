// Package dispatch builds per-batch delivery requests and delivers them with
// bounded, settle-all concurrency.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lattiq/campaign/internal/core"
)

// MaxConcurrency caps in-flight deliveries when no explicit limit is configured.
const MaxConcurrency = 32

// DeliverFunc is the capability that sends one batch request to the provider.
type DeliverFunc func(ctx context.Context, domain string, req *core.DeliveryRequest) (*core.SendResult, error)

// Config configures a Dispatcher.
type Config struct {
	// Concurrency bounds in-flight deliveries. Zero runs every batch at once,
	// up to MaxConcurrency.
	Concurrency int

	// Logger receives per-batch logs. Nil disables logging.
	Logger *zap.Logger
}

// Dispatcher fans batch requests out to a DeliverFunc.
type Dispatcher struct {
	deliver DeliverFunc
	limit   int
	logger  *zap.Logger
}

// New creates a Dispatcher around deliver.
func New(deliver DeliverFunc, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		deliver: deliver,
		limit:   cfg.Concurrency,
		logger:  logger,
	}
}

// Tags returns the tag list of a send: the template identifier followed by the
// provider tags in their given order. Duplicates are kept.
func Tags(template string, extra []string) []string {
	tags := make([]string, 0, len(extra)+1)
	if template != "" {
		tags = append(tags, template)
	}
	return append(tags, extra...)
}

// BuildRequest assembles the request of one batch. It performs no I/O.
// CC and BCC are attached in full; vars must already be scoped to the
// recipients of this request.
func (d *Dispatcher) BuildRequest(batch []string, env *core.Envelope, vars map[string]core.MergeRecord) *core.DeliveryRequest {
	return &core.DeliveryRequest{
		ID:          uuid.NewString(),
		From:        env.From,
		To:          slices.Clip(batch),
		CC:          slices.Clone(env.CC),
		BCC:         slices.Clone(env.BCC),
		ReplyTo:     env.ReplyTo,
		Subject:     env.Subject,
		HTML:        env.HTML,
		Text:        env.Text,
		Attachments: slices.Clone(env.Attachments),
		Inline:      slices.Clone(env.Inline),
		Tags:        slices.Clone(env.Tags),
		Tracking: core.Tracking{
			Enabled: true,
			Opens:   true,
			Clicks:  true,
		},
		Variables: vars,
	}
}

// Deliver makes one provider call for req. Errors, including panics raised by
// the provider, are captured in the returned outcome.
func (d *Dispatcher) Deliver(ctx context.Context, domain string, index int, req *core.DeliveryRequest) (out core.Outcome) {
	out = core.Outcome{Index: index, Request: req}
	start := time.Now()

	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Result = nil
			out.Err = fmt.Errorf("delivery of batch %d panicked: %v", index, r)
		}
		d.log(out)
	}()

	result, err := d.deliver(ctx, domain, req)
	if err != nil {
		out.Err = err
		return out
	}
	if result == nil {
		result = &core.SendResult{Timestamp: time.Now()}
	}
	out.Result = result
	return out
}

// DispatchAll delivers every request and returns their outcomes in request
// order. A failed batch never cancels or blocks the others and every request
// is attempted exactly once.
func (d *Dispatcher) DispatchAll(ctx context.Context, domain string, reqs []*core.DeliveryRequest) []core.Outcome {
	outcomes := make([]core.Outcome, len(reqs))
	if len(reqs) == 0 {
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency(len(reqs)))
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = d.Deliver(ctx, domain, i, req)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (d *Dispatcher) concurrency(n int) int {
	limit := d.limit
	if limit <= 0 {
		limit = MaxConcurrency
	}
	return min(limit, n)
}

func (d *Dispatcher) log(out core.Outcome) {
	fields := []zap.Field{
		zap.Int("batch", out.Index),
		zap.String("request_id", out.Request.ID),
		zap.Int("recipients", out.Request.TotalRecipients()),
		zap.Duration("duration", out.Duration),
	}
	if out.Err != nil {
		d.logger.Warn("batch delivery failed", append(fields, zap.Error(out.Err))...)
		return
	}
	d.logger.Debug("batch delivered", append(fields, zap.String("message_id", out.Result.MessageID))...)
}
