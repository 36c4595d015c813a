package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider     *sdktrace.TracerProvider
	RunCounter        metric.Int64Counter
	IterationDuration metric.Int64Histogram
	UndecidedCounter  metric.Int64Counter
	IDRetryCounter    metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "arena-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("arena_run_total")
	iterationDuration, _ := meter.Int64Histogram("arena_iteration_duration_ms")
	undecidedCounter, _ := meter.Int64Counter("arena_undecided_total")
	idRetryCounter, _ := meter.Int64Counter("arena_run_id_retry_total")
	return &Observability{
		Tracer:            tracer,
		Meter:             meter,
		traceProvider:     tp,
		RunCounter:        runCounter,
		IterationDuration: iterationDuration,
		UndecidedCounter:  undecidedCounter,
		IDRetryCounter:    idRetryCounter,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, kind, status string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (o *Observability) MarkIteration(ctx context.Context, model string, durationMS int64) {
	if o == nil {
		return
	}
	o.IterationDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("model", model),
	))
}

func (o *Observability) MarkUndecided(ctx context.Context, testID string, count int64) {
	if o == nil || count <= 0 {
		return
	}
	o.UndecidedCounter.Add(ctx, count, metric.WithAttributes(
		attribute.String("test", testID),
	))
}

func (o *Observability) MarkIDRetry(ctx context.Context, base string) {
	if o == nil {
		return
	}
	o.IDRetryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("base", base),
	))
}
