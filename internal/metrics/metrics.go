package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is safe to use through a nil pointer; every recorder is then a
// no-op.
type Metrics struct {
	Requests          metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter
	ExpiredKeys       metric.Int64Counter
	ProtocolErrors    metric.Int64Counter
}

// Setup builds a meter provider backed by its own Prometheus registry and
// returns the handler that serves it.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.Requests, err = meter.Int64Counter(
		"kv_requests",
		metric.WithDescription("Requests handled, by opcode and response status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"kv_request_duration",
		metric.WithDescription("Time from decoded request to encoded response"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"kv_connections",
		metric.WithDescription("Open client connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExpiredKeys, err = meter.Int64Counter(
		"kv_expired_keys",
		metric.WithDescription("Entries removed by the expiry sweep"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProtocolErrors, err = meter.Int64Counter(
		"kv_protocol_errors",
		metric.WithDescription("Malformed requests and broken frames"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m, handler, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
	m.RequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordExpired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredKeys.Add(ctx, int64(n))
}

func (m *Metrics) RecordProtocolError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}
