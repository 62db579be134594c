// Package metrics wires OpenTelemetry tracing and the bridge's runtime
// instruments behind a switchable exporter. When disabled it hands back
// no-op providers so instrumentation calls never cost anything.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "codexbridge"
	MeterName  = "codexbridge"
)

// Config controls whether telemetry is exported and where.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Instruments are the runtime counters and histograms every component
// records into. They're always non-nil, whether or not telemetry export
// is enabled.
type Instruments struct {
	RequestDuration    metric.Float64Histogram
	TurnDuration       metric.Float64Histogram
	TurnChunks         metric.Int64Counter
	TurnBytes          metric.Int64Counter
	SupervisorRestarts metric.Int64Counter
	ThreadsResumed     metric.Int64Counter
	ThreadsRecovered   metric.Int64Counter
	BusyChats          metric.Int64UpDownCounter
}

// Provider wraps the tracer/meter providers plus the bridge's concrete
// instruments, with a Shutdown that flushes and tears both down.
type Provider struct {
	Tracer      trace.Tracer
	Meter       metric.Meter
	Instruments Instruments
	shutdown    func(context.Context) error
}

// Init builds a Provider from cfg. A disabled config returns a Provider
// backed by OpenTelemetry's no-op implementations.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		meter := noop.NewMeterProvider().Meter(MeterName)
		instruments, err := newInstruments(meter)
		if err != nil {
			return nil, err
		}
		return &Provider{
			Tracer:      nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:       meter,
			Instruments: instruments,
			shutdown:    func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "codexbridge"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("codexbridge.version", "v0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("metrics: create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(MeterName)

	instruments, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Tracer:      tp.Tracer(TracerName),
		Meter:       meter,
		Instruments: instruments,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and tears down the underlying providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newInstruments(meter metric.Meter) (Instruments, error) {
	requestDuration, err := meter.Float64Histogram("codexbridge.request.duration",
		metric.WithDescription("RPC request round-trip time"), metric.WithUnit("s"))
	if err != nil {
		return Instruments{}, err
	}
	turnDuration, err := meter.Float64Histogram("codexbridge.turn.duration",
		metric.WithDescription("turn start-to-completion time"), metric.WithUnit("s"))
	if err != nil {
		return Instruments{}, err
	}
	turnChunks, err := meter.Int64Counter("codexbridge.turn.chunks",
		metric.WithDescription("chunks emitted per turn"))
	if err != nil {
		return Instruments{}, err
	}
	turnBytes, err := meter.Int64Counter("codexbridge.turn.bytes",
		metric.WithDescription("bytes of assistant text emitted"))
	if err != nil {
		return Instruments{}, err
	}
	supervisorRestarts, err := meter.Int64Counter("codexbridge.supervisor.restarts",
		metric.WithDescription("subprocess restarts"))
	if err != nil {
		return Instruments{}, err
	}
	threadsResumed, err := meter.Int64Counter("codexbridge.threads.resumed",
		metric.WithDescription("thread/resume calls"))
	if err != nil {
		return Instruments{}, err
	}
	threadsRecovered, err := meter.Int64Counter("codexbridge.threads.recovered",
		metric.WithDescription("thread mappings recreated after a lost rollout"))
	if err != nil {
		return Instruments{}, err
	}
	busyChats, err := meter.Int64UpDownCounter("codexbridge.busy_chats",
		metric.WithDescription("chats with an in-flight turn"))
	if err != nil {
		return Instruments{}, err
	}

	return Instruments{
		RequestDuration:    requestDuration,
		TurnDuration:       turnDuration,
		TurnChunks:         turnChunks,
		TurnBytes:          turnBytes,
		SupervisorRestarts: supervisorRestarts,
		ThreadsResumed:     threadsResumed,
		ThreadsRecovered:   threadsRecovered,
		BusyChats:          busyChats,
	}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("metrics: unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards every span. Used for exporter=none, where traces
// are still created (so code paths behave identically) but never leave
// the process.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(_ context.Context) error                              { return nil }
