// Package otelobs wires OpenTelemetry tracing into the services.
package otelobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// MetricExportInterval is how often OTLP metrics (otelhttp server metrics)
// are pushed.
const MetricExportInterval = 60 * time.Second

// InitTracer installs OTLP/HTTP tracer and meter providers when
// OTEL_EXPORTER_OTLP_ENDPOINT is set and returns their shutdown func. Without
// an endpoint both stay on the global no-op providers.
func InitTracer(ctx context.Context, serviceName string, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func(context.Context) error { return nil }
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logger.Debug("no OTEL_EXPORTER_OTLP_ENDPOINT; tracing disabled", zap.String("service", serviceName))
		return noop, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logger.Warn("otel resource", zap.Error(err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	mexp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		logger.Warn("otlp metric exporter; metrics stay on prometheus only", zap.Error(err))
		logger.Info("tracing enabled", zap.String("service", serviceName), zap.String("endpoint", endpoint))
		return tp.Shutdown, nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(MetricExportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	logger.Info("tracing enabled", zap.String("service", serviceName), zap.String("endpoint", endpoint))
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// WrapHTTPHandler starts a server span per request.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, serviceName)
}

// WrapHTTPTransport propagates trace context on outgoing requests.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return otelhttp.NewTransport(t)
}
