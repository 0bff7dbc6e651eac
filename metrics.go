package campaign

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = ModulePath

// deliveryMetrics records batch outcomes.
type deliveryMetrics struct {
	batches    metric.Int64Counter
	recipients metric.Int64Counter
	duration   metric.Float64Histogram
}

func newDeliveryMetrics(cfg MetricsConfig) (*deliveryMetrics, error) {
	var meter metric.Meter
	if cfg.Enabled {
		meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(GetVersionInfo().Version))
	} else {
		meter = noop.NewMeterProvider().Meter(instrumentationName)
	}

	name := func(s string) string {
		if cfg.Namespace == "" {
			return s
		}
		return cfg.Namespace + "." + s
	}

	batches, err := meter.Int64Counter(name("batches"),
		metric.WithDescription("Batch deliveries by result"))
	if err != nil {
		return nil, fmt.Errorf("create batches counter: %w", err)
	}
	recipients, err := meter.Int64Counter(name("recipients"),
		metric.WithDescription("Recipients of delivered batches by result"))
	if err != nil {
		return nil, fmt.Errorf("create recipients counter: %w", err)
	}
	duration, err := meter.Float64Histogram(name("delivery.duration"),
		metric.WithDescription("Duration of one batch delivery"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &deliveryMetrics{batches: batches, recipients: recipients, duration: duration}, nil
}

func (m *deliveryMetrics) record(ctx context.Context, provider string, out Outcome) {
	result := "success"
	if !out.OK() {
		result = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	)
	m.batches.Add(ctx, 1, attrs)
	m.recipients.Add(ctx, int64(out.Request.TotalRecipients()), attrs)
	m.duration.Record(ctx, out.Duration.Seconds(), attrs)
}
