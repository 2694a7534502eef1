// Package telemetry exports alignment session traces over OTLP/HTTP.
//
// Export is off unless an endpoint is configured, either as telemetry.otlp_endpoint in the
// config file or through AUTOALIGN_OTEL_ENDPOINT. `autoalign run --telemetry=false` skips it
// even when an endpoint is set. Spans themselves are created by the align package through the
// global tracer provider, so without Setup they go to the no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"autoalign/internal/config"
)

// DefaultServiceName names the service when the config leaves it empty.
const DefaultServiceName = "autoalign"

// Shutdown flushes buffered spans. Callers give it a bounded context.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup registers a batching tracer provider for session spans when cfg has an endpoint.
// version is recorded as service.version.
func Setup(ctx context.Context, cfg config.Telemetry, version string) (Shutdown, error) {
	endpoint, ok, err := ExporterURL(cfg.Endpoint)
	if err != nil || !ok {
		return noop, err
	}
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return noop, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// ExporterURL normalises a configured endpoint. A bare host:port means plain http on that
// collector. ok is false when tracing is not configured.
func ExporterURL(raw string) (endpoint string, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("otlp endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("otlp endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("otlp endpoint %q: missing host", raw)
	}
	return u.String(), true, nil
}
