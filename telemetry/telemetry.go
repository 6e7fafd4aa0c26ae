// Package telemetry installs the OpenTelemetry tracer provider the saga spans report to.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

type Config struct {
	ServiceName       string
	DeploymentEnv     string
	CollectorEndpoint string
	EnableExport      bool
}

// Telemetry owns the tracer provider and its exporter.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
}

func (c Config) resource() *sdkresource.Resource {
	// only our own attributes, so there is no schema URL to reconcile with the defaults
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(c.ServiceName),
		attribute.String("deployment.environment", c.DeploymentEnv),
	)
}

// Init builds the tracer provider and sets it as the global one. With export turned off
// spans are still created and sampled, they just leave the process nowhere.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(cfg.resource())}

	if cfg.EnableExport {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
			otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		logger.Info("trace export enabled", zap.String("endpoint", cfg.CollectorEndpoint))
	} else {
		logger.Warn("trace export turned off")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Telemetry{TracerProvider: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("can't shutdown tracer provider: %w", err)
	}
	return nil
}
