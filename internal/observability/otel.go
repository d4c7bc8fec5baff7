package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether the OTel-backed Adapter exports telemetry or
// stays local (stdout logging, no-op tracer/meter) — the same Enabled gate
// the corpus's observability wiring uses.
type Config struct {
	Enabled     bool
	ServiceName string
}

// otelAdapter is the ObservabilityAdapter implementation backed by the
// OpenTelemetry SDK: traces and metrics exported over OTLP/HTTP when
// enabled, structured logs always emitted via slog (bridged to OTel logs
// when enabled).
type otelAdapter struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	events  metric.Int64Counter
	counts  metric.Int64Counter
}

// NewOTel builds an Adapter plus a shutdown func that flushes and closes
// every underlying provider. Pass a context.Background()-derived ctx for
// shutdown, independent of request-scoped contexts.
func NewOTel(ctx context.Context, cfg Config) (Adapter, func(context.Context) error, error) {
	tp, err := initTracerProvider(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracer provider: %w", err)
	}
	mp, err := initMeterProvider(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init meter provider: %w", err)
	}
	lp, logger, err := initLogger(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	meter := mp.Meter(cfg.ServiceName)
	eventCounter, err := meter.Int64Counter("jobchain.events",
		metric.WithDescription("count of emitted jobchain lifecycle events"))
	if err != nil {
		return nil, nil, fmt.Errorf("create event counter: %w", err)
	}
	genericCounter, err := meter.Int64Counter("jobchain.counts",
		metric.WithDescription("ad-hoc counters reported by the engine and worker"))
	if err != nil {
		return nil, nil, fmt.Errorf("create generic counter: %w", err)
	}

	a := &otelAdapter{
		logger: logger,
		tracer: tp.Tracer(cfg.ServiceName),
		events: eventCounter,
		counts: genericCounter,
	}

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return a, shutdown, nil
}

func (a *otelAdapter) Event(ctx context.Context, name string, fields Fields) {
	a.logger.InfoContext(ctx, name, fieldsToArgs(fields)...)
	a.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

func (a *otelAdapter) Count(ctx context.Context, name string, delta int64, fields Fields) {
	attrs := []attribute.KeyValue{attribute.String("counter", name)}
	for k, v := range fields {
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}
	a.counts.Add(ctx, delta, metric.WithAttributes(attrs...))
}

func (a *otelAdapter) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := a.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func fieldsToArgs(fields Fields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// parseOTLPHeaders parses OTEL_EXPORTER_OTLP_HEADERS and URL-decodes
// values, since some OTLP gateways provide them URL-encoded.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[key] = value
	}
	return headers
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create service resource: %w", err)
	}
	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("merge resources: %w", err)
	}
	return res, nil
}

func initTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp, nil
}

func initMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, nil
	}
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}
	exporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func initLogger(ctx context.Context, cfg Config) (*sdklog.LoggerProvider, *slog.Logger, error) {
	if !cfg.Enabled {
		return sdklog.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, nil, err
	}
	opts := []otlploghttp.Option{otlploghttp.WithTimeout(10 * time.Second)}
	if headers := parseOTLPHeaders(); headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}
	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter, sdklog.WithExportTimeout(5*time.Second))),
		sdklog.WithResource(res),
	)
	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	return lp, logger, nil
}
