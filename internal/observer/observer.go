// Package observer provides OTEL-based observability for cursord
// executions: traces for each run, metrics for admission, execution, and
// callback delivery. Exporters are configured through the standard OTEL
// env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/cursord/internal/observer"

// Instruments holds the OTEL instruments used across the service.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	ExecRequests       metric.Int64Counter
	ExecDuration       metric.Float64Histogram
	AdmissionWait      metric.Float64Histogram
	ReviewIterations   metric.Int64Histogram
	CallbackDeliveries metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("cursord")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// Nop returns Instruments bound to the default global providers, which are
// no-ops unless someone installed real ones. Used when the observer is
// disabled and in tests.
func Nop() *Instruments {
	inst, err := newInstruments()
	if err != nil {
		// The noop meter never fails to create instruments.
		panic(err)
	}
	return inst
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	execRequests, err := meter.Int64Counter("cursord.exec.requests",
		metric.WithDescription("Execution request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	execDuration, err := meter.Float64Histogram("cursord.exec.duration",
		metric.WithDescription("End-to-end execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	admissionWait, err := meter.Float64Histogram("cursord.admission.wait",
		metric.WithDescription("Time spent waiting for an execution slot"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	reviewIterations, err := meter.Int64Histogram("cursord.review.iterations",
		metric.WithDescription("Review-loop iterations per execution"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}
	callbackDeliveries, err := meter.Int64Counter("cursord.callback.deliveries",
		metric.WithDescription("Callback delivery attempts by outcome"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             otel.Tracer(scopeName),
		Meter:              meter,
		Logger:             global.GetLoggerProvider().Logger(scopeName),
		ExecRequests:       execRequests,
		ExecDuration:       execDuration,
		AdmissionWait:      admissionWait,
		ReviewIterations:   reviewIterations,
		CallbackDeliveries: callbackDeliveries,
	}, nil
}

// StartSpan opens a span on the observer's tracer. With nil Instruments it
// returns the (noop) span already on the context so callers need no guard.
func (i *Instruments) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.Tracer.Start(ctx, name)
}

// RecordExecution counts one finished execution and its duration.
func (i *Instruments) RecordExecution(ctx context.Context, queueType string, success bool, iterations int, elapsed time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("queue_type", queueType),
		attribute.Bool("success", success),
	)
	i.ExecRequests.Add(ctx, 1, attrs)
	i.ExecDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	i.ReviewIterations.Record(ctx, int64(iterations), attrs)
}

// RecordAdmissionWait records how long a run waited for a slot.
func (i *Instruments) RecordAdmissionWait(ctx context.Context, wait time.Duration) {
	if i == nil {
		return
	}
	i.AdmissionWait.Record(ctx, float64(wait.Milliseconds()))
}

// RecordCallback counts one callback delivery outcome.
func (i *Instruments) RecordCallback(ctx context.Context, delivered bool) {
	if i == nil {
		return
	}
	i.CallbackDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
}
