package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing core instruments.
type Metrics struct {
	authorizations metric.Int64Counter
	paymentEvents  metric.Int64Counter
	reconciles     metric.Int64Counter
	refunds        metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New creates the instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "commerce"
	}
	meter := provider.Meter(name)

	var err error
	counter := func(name, description string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(description))
		return c
	}
	m := &Metrics{
		authorizations: counter("commerce_authorizations_total", "Checkout authorization attempts by provider and outcome."),
		paymentEvents:  counter("commerce_payment_events_total", "Gateway webhook events decoded."),
		reconciles:     counter("commerce_reconcile_total", "Reconciled gateway events by outcome."),
		refunds:        counter("commerce_refunds_total", "Refund attempts by provider and outcome."),
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAuthorization counts one orchestrated authorization attempt.
func (m *Metrics) RecordAuthorization(ctx context.Context, provider, outcome string) {
	if m != nil {
		add(ctx, m.authorizations, "provider", provider, "outcome", outcome)
	}
}

// RecordPaymentEvent counts newly ingested gateway events.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m != nil {
		add(ctx, m.paymentEvents, "provider", provider, "event_type", eventType)
	}
}

// RecordReconcile counts reconciliation outcomes per event kind.
func (m *Metrics) RecordReconcile(ctx context.Context, eventType, outcome string) {
	if m != nil {
		add(ctx, m.reconciles, "event_type", eventType, "outcome", outcome)
	}
}

// RecordRefund counts refund attempts.
func (m *Metrics) RecordRefund(ctx context.Context, provider, outcome string) {
	if m != nil {
		add(ctx, m.refunds, "provider", provider, "outcome", outcome)
	}
}

// add takes alternating label keys and values.
func add(ctx context.Context, counter metric.Int64Counter, labels ...string) {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], strings.TrimSpace(labels[i+1])))
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":   {},
	"event_type": {},
	"outcome":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
