// Package telemetry wires the global OpenTelemetry providers (traces,
// metrics, logs) to an OTLP gRPC collector. One call to [Setup] at startup
// is all the rest of the daemon needs; without it the globals stay no-ops
// and instrumented code costs nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// defaultServiceName is the service.name resource attribute when the
// config does not override it.
const defaultServiceName = "datekeeper"

// Config mirrors the telemetry block of the YAML configuration.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS towards the collector, for local setups
	// without a cert.
	Insecure bool

	// ServiceName overrides the reported service.name.
	ServiceName string

	// Headers is attached as gRPC metadata to every export, typically an
	// Authorization token for hosted collectors.
	Headers map[string]string
}

// ShutdownFunc flushes buffered telemetry and closes the collector
// connection. Call it with a fresh context; the main one is usually
// cancelled by the time shutdown runs.
type ShutdownFunc func(context.Context) error

// Setup installs trace, metric, and log providers exporting to
// cfg.OTLPEndpoint. All three exporters ride one gRPC connection.
//
// The returned ShutdownFunc is non-nil even on error, so callers defer it
// unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}

	// NewSchemaless sidesteps the schema-URL conflict between
	// resource.Default() and the imported semconv version.
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		return noopShutdown, fmt.Errorf("building OTel resource: %w", err)
	}

	creds := credentials.NewTLS(nil) // system roots
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return noopShutdown, fmt.Errorf("dialling OTLP collector %q: %w", cfg.OTLPEndpoint, err)
	}

	// Providers that are already installed when a later exporter fails;
	// they get torn down again so a partial Setup leaves no half-wired
	// globals behind.
	var installed []ShutdownFunc
	fail := func(err error) (ShutdownFunc, error) {
		for _, sh := range installed {
			_ = sh(ctx)
		}
		_ = conn.Close()
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	installed = append(installed, tp.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	installed = append(installed, mp.Shutdown)

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	installed = append(installed, lp.Shutdown)

	return func(ctx context.Context) error {
		errs := make([]error, 0, len(installed)+1)
		for _, sh := range installed {
			errs = append(errs, sh(ctx))
		}
		errs = append(errs, conn.Close())
		return errors.Join(errs...)
	}, nil
}

func noopShutdown(context.Context) error { return nil }
