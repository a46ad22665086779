// Package telemetry wires OpenTelemetry tracing and metrics for the engine.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the global tracer for the engine.
	Tracer trace.Tracer

	// Meter is the global meter for custom metrics.
	Meter metric.Meter

	ItemsSubmitted    metric.Int64Counter
	ItemsMatched      metric.Int64Counter
	PlansCreated      metric.Int64Counter
	MemoriesRetrieved metric.Int64Counter
	MatchLatency      metric.Float64Histogram
	StepExecutionTime metric.Float64Histogram
)

// Instruments exist from package load, created against the global providers
// (no-op until Init runs), so call sites record unconditionally. Init swaps
// in the exporting providers and rebuilds the instruments against them.
func init() {
	Tracer = otel.Tracer("weft")
	Meter = otel.Meter("weft")
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create instruments: %v", err)
	}
}

// Init sets up OTLP trace export and the custom metric instruments. The
// returned function flushes and shuts down the provider.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otlpEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	ItemsSubmitted, err = Meter.Int64Counter(
		"weft.items.submitted",
		metric.WithDescription("Number of work items submitted"),
	)
	if err != nil {
		return err
	}

	ItemsMatched, err = Meter.Int64Counter(
		"weft.items.matched",
		metric.WithDescription("Number of work items matched to a worker"),
	)
	if err != nil {
		return err
	}

	PlansCreated, err = Meter.Int64Counter(
		"weft.plans.created",
		metric.WithDescription("Number of coordination plans created"),
	)
	if err != nil {
		return err
	}

	MemoriesRetrieved, err = Meter.Int64Counter(
		"weft.memories.retrieved",
		metric.WithDescription("Number of memory retrieval queries served"),
	)
	if err != nil {
		return err
	}

	MatchLatency, err = Meter.Float64Histogram(
		"weft.match.latency",
		metric.WithDescription("Worker matching latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	StepExecutionTime, err = Meter.Float64Histogram(
		"weft.step.execution_time",
		metric.WithDescription("Workflow step execution time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
