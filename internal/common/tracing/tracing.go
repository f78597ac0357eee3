// Package tracing provides shared OTel tracer initialization for the
// HTTP surface and runner lifecycle spans.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set.
// Without it a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdkProv  *sdktrace.TracerProvider
)

// Tracer returns a named tracer, initializing the provider on first use.
// No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProv == nil {
		return nil
	}
	return sdkProv.Shutdown(ctx)
}

func setup() {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if raw == "" {
		return
	}

	endpoint, secure := splitEndpoint(raw)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if !secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}

	service := os.Getenv("OTEL_SERVICE_NAME")
	if service == "" {
		service = "stagehand"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
	))
	if err != nil {
		res = resource.Default()
	}

	sdkProv = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdkProv
	otel.SetTracerProvider(provider)
}

// splitEndpoint strips the scheme, reporting whether it was https.
func splitEndpoint(endpoint string) (host string, secure bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return endpoint[len("https://"):], true
	case strings.HasPrefix(endpoint, "http://"):
		return endpoint[len("http://"):], false
	}
	return endpoint, false
}
