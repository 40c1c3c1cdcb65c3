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

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents          metric.Int64Counter
	entitlementTransitions metric.Int64Counter
	notifications          metric.Int64Counter
	upstreamLookups        metric.Int64Counter
	signatureFailures      metric.Int64Counter
	credentialCacheLookups metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitled"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("entitled_webhook_events_total")
	if err != nil {
		return nil, err
	}
	entitlementTransitions, err := meter.Int64Counter("entitled_entitlement_transitions_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("entitled_notifications_total")
	if err != nil {
		return nil, err
	}
	upstreamLookups, err := meter.Int64Counter("entitled_upstream_lookups_total")
	if err != nil {
		return nil, err
	}
	signatureFailures, err := meter.Int64Counter("entitled_signature_failures_total")
	if err != nil {
		return nil, err
	}
	credentialCacheLookups, err := meter.Int64Counter("entitled_credential_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:          webhookEvents,
		entitlementTransitions: entitlementTransitions,
		notifications:          notifications,
		upstreamLookups:        upstreamLookups,
		signatureFailures:      signatureFailures,
		credentialCacheLookups: credentialCacheLookups,
	}, nil
}

// RecordWebhookEvent increments webhook event counts by type and outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementTransition increments entitlement state transition counts.
func (m *Metrics) RecordEntitlementTransition(ctx context.Context, transition string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transition", strings.TrimSpace(transition)))
	m.entitlementTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification increments outbound notification delivery counts.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamLookup increments processor API lookup counts.
func (m *Metrics) RecordUpstreamLookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.upstreamLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignatureFailure increments rejected webhook delivery counts.
func (m *Metrics) RecordSignatureFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.signatureFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredentialCacheLookup increments credential client cache hit and miss counts.
func (m *Metrics) RecordCredentialCacheLookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.credentialCacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"endpoint":    {},
	"status_code": {},
	"event_type":  {},
	"outcome":     {},
	"transition":  {},
	"reason":      {},
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
