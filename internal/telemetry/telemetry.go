// Package telemetry wires TxMan's coordinator into OpenTelemetry metrics
// with a Prometheus exporter, and defines the instruments the state
// machine, KVS bridge, and vote protocol record against.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Config controls whether and where TxMan exposes metrics.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	PrometheusPort int    `yaml:"prometheus_port"`
}

// ShutdownFunc flushes and stops the metrics pipeline.
type ShutdownFunc func(ctx context.Context) error

// Metrics holds every instrument the coordinator records against. Fields
// are safe for concurrent use, matching the otel metric API's own
// concurrency guarantees.
type Metrics struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler

	TransactionsStarted   metric.Int64Counter
	TransactionsCommitted metric.Int64Counter
	TransactionsAborted   metric.Int64Counter
	StateTransitions      metric.Int64Counter
	VoteLatency           metric.Float64Histogram
	KVSCalls              metric.Int64Counter
	KVSCallLatency        metric.Float64Histogram
	DeferredAcks          metric.Int64UpDownCounter
}

// New builds the meter provider and every TxMan instrument. When disabled,
// it returns no-op instruments so call sites never need a nil check.
func New(cfg Config) (*Metrics, ShutdownFunc, error) {
	if !cfg.Enabled {
		meter := noop.NewMeterProvider().Meter("")
		m, err := newInstruments(meter)
		if err != nil {
			return nil, nil, err
		}
		m.Handler = http.NotFoundHandler()
		return m, func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m, err := newInstruments(provider.Meter(cfg.ServiceName))
	if err != nil {
		return nil, nil, err
	}
	m.MeterProvider = provider
	m.Handler = promhttp.Handler()

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}
	return m, shutdown, nil
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter("txman.transactions.started",
		metric.WithDescription("Transactions that have left INITIALIZED."))
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter("txman.transactions.committed",
		metric.WithDescription("Transactions that reached COMMITTED."))
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter("txman.transactions.aborted",
		metric.WithDescription("Transactions that reached ABORTED."))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("txman.state_transitions",
		metric.WithDescription("State machine transitions."))
	if err != nil {
		return nil, err
	}
	voteLatency, err := meter.Float64Histogram("txman.vote.latency_ms",
		metric.WithDescription("Time from entering LOCAL_COMMIT_VOTE to the global decision."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	kvsCalls, err := meter.Int64Counter("txman.kvs.calls",
		metric.WithDescription("KVS call results received."))
	if err != nil {
		return nil, err
	}
	kvsLatency, err := meter.Float64Histogram("txman.kvs.latency_ms",
		metric.WithDescription("KVS call round-trip latency."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	deferred, err := meter.Int64UpDownCounter("txman.paxos.deferred_2b",
		metric.WithDescription("Paxos 2b acknowledgements currently buffered ahead of their 2a."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		TransactionsStarted:   started,
		TransactionsCommitted: committed,
		TransactionsAborted:   aborted,
		StateTransitions:      transitions,
		VoteLatency:           voteLatency,
		KVSCalls:              kvsCalls,
		KVSCallLatency:        kvsLatency,
		DeferredAcks:          deferred,
	}, nil
}
