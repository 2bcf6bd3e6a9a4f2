// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package logging wires structured logging through OpenTelemetry, the
// way continuumworker's logging package does: slog bridged to OTel
// logs, a meter for counters, a tracer for span attributes.
package logging

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "pipeweave/orchestrator"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

// Orchestrator-wide counters, mirroring the five worker_* counters
// continuumworker's main.go registers at startup. Initialized by
// SetupOTelSDK once the real meter provider is installed; nil (and
// therefore a no-op on Add) before that, which only matters in tests
// that never call SetupOTelSDK.
var (
	tasksDispatchedCounter       metric.Float64Counter
	tasksRetriedCounter          metric.Float64Counter
	tasksDLQedCounter            metric.Float64Counter
	pipelineRunsCompletedCounter metric.Float64Counter
	heartbeatTimeoutsCounter     metric.Float64Counter
)

func initCounters() {
	tasksDispatchedCounter = InitializeFloatCounter("tasks_dispatched_total", "Total task runs dispatched to worker services", "Task")
	tasksRetriedCounter = InitializeFloatCounter("tasks_retried_total", "Total task run retries scheduled", "Task")
	tasksDLQedCounter = InitializeFloatCounter("tasks_dlq_total", "Total task runs sent to the dead-letter queue", "Task")
	pipelineRunsCompletedCounter = InitializeFloatCounter("pipeline_runs_completed_total", "Total pipeline runs reaching a terminal state", "Run")
	heartbeatTimeoutsCounter = InitializeFloatCounter("heartbeat_timeouts_total", "Total heartbeat timeouts observed", "Task")
}

// Options configures SetupOTelSDK. Exporter is "stdout" or "otlp".
type Options struct {
	Exporter string
	Endpoint string
}

// Shutdown flushes and tears down every provider SetupOTelSDK installed.
type Shutdown func(context.Context) error

// SetupOTelSDK installs the global trace and metric providers and a log
// provider behind the package logger. With Exporter=="otlp" and a
// non-empty Endpoint, traces ship to an OTLP collector over HTTP;
// otherwise (the default, local/dev path) they go to stdout. Metrics and
// logs always use the stdout exporters.
func SetupOTelSDK(ctx context.Context, opts Options) (Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "pipeweave-orchestrator"),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	tp, tpShutdown, err := newTracerProvider(ctx, res, opts)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	shutdowns = append(shutdowns, tpShutdown)

	mp, mpShutdown, err := newMeterProvider(ctx, res, opts)
	if err != nil {
		runShutdowns(ctx, shutdowns)
		return nil, err
	}
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mpShutdown)

	lp, lpShutdown, err := newLoggerProvider(ctx, res, opts)
	if err != nil {
		runShutdowns(ctx, shutdowns)
		return nil, err
	}
	shutdowns = append(shutdowns, lpShutdown)
	_ = lp

	meter = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName, otelslog.WithLoggerProvider(lp))
	initCounters()

	return func(shutdownCtx context.Context) error {
		return runShutdowns(shutdownCtx, shutdowns)
	}, nil
}

func runShutdowns(ctx context.Context, fns []func(context.Context) error) error {
	var firstErr error
	for _, fn := range fns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newTracerProvider(ctx context.Context, res *resource.Resource, opts Options) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if opts.Exporter == "otlp" && opts.Endpoint != "" {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(opts.Endpoint))
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("building trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, opts Options) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("building metric exporter: %w", err)
	}
	_ = opts
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	return mp, mp.Shutdown, nil
}

func newLoggerProvider(ctx context.Context, res *resource.Resource, opts Options) (*log.LoggerProvider, func(context.Context) error, error) {
	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, nil, fmt.Errorf("building log exporter: %w", err)
	}
	_ = opts
	lp := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter)),
		log.WithResource(res),
	)
	return lp, lp.Shutdown, nil
}

// Log writes a structured message through the slog/OTel bridge.
func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// LogContext is Log with a caller-supplied context, used on request paths
// so log records carry the active trace ID.
func LogContext(ctx context.Context, content string, level slog.Level, attrs ...slog.Attr) {
	logger.LogAttrs(ctx, level, content, attrs...)
}

// InitializeFloatCounter mirrors continuumworker's metric helper:
// registers a named counter and logs (rather than panics) on failure.
func InitializeFloatCounter(name, description, unit string) metric.Float64Counter {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("failed to create metric "+name+": "+err.Error(), slog.LevelError)
		return nil
	}
	return counter
}

// UpdateSpanValue attaches a float attribute to the active span.
func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}

// StartSpan is a thin convenience wrapper kept next to UpdateSpanValue so
// dispatcher/executor code doesn't import the tracer directly.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// RecordTasksDispatched increments tasks_dispatched_total by n, called
// once per dispatcher tick with the number of runs it claimed.
func RecordTasksDispatched(ctx context.Context, n int) {
	if tasksDispatchedCounter == nil || n == 0 {
		return
	}
	tasksDispatchedCounter.Add(ctx, float64(n))
}

// RecordTaskRetried increments tasks_retried_total, called whenever
// RetryManager schedules another attempt instead of giving up.
func RecordTaskRetried(ctx context.Context) {
	if tasksRetriedCounter == nil {
		return
	}
	tasksRetriedCounter.Add(ctx, 1)
}

// RecordTaskDLQed increments tasks_dlq_total, called whenever a run's
// retries are exhausted and it lands in the dead-letter queue.
func RecordTaskDLQed(ctx context.Context) {
	if tasksDLQedCounter == nil {
		return
	}
	tasksDLQedCounter.Add(ctx, 1)
}

// RecordPipelineRunCompleted increments pipeline_runs_completed_total,
// tagged by terminal status, called whenever a pipeline run reaches
// completed or failed.
func RecordPipelineRunCompleted(ctx context.Context, status string) {
	if pipelineRunsCompletedCounter == nil {
		return
	}
	pipelineRunsCompletedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordHeartbeatTimeout increments heartbeat_timeouts_total, called
// whenever a run's liveness timer lapses, whether observed live or
// recovered at startup.
func RecordHeartbeatTimeout(ctx context.Context) {
	if heartbeatTimeoutsCounter == nil {
		return
	}
	heartbeatTimeoutsCounter.Add(ctx, 1)
}
