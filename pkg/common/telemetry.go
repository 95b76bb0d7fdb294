/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/version"
)

const (
	DefaultServiceName   = "inference-proxy"
	defaultOTLPEndpoint  = "http://localhost:4317"
	defaultSampler       = "parentbased_traceidratio"
	defaultSamplingRatio = 0.1

	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
	ExporterNone    = "none"
)

// TracingConfig is read from the standard OTEL_* environment variables.
type TracingConfig struct {
	ServiceName   string
	Exporter      string
	Sampler       string
	SamplingRatio float64
}

// TracingConfigFromEnv fills in defaults for unset variables. OTEL_SERVICE_NAME
// and OTEL_EXPORTER_OTLP_ENDPOINT are exported so the OTLP exporter sees them.
func TracingConfigFromEnv(logger logr.Logger) TracingConfig {
	cfg := TracingConfig{
		ServiceName:   envOr("OTEL_SERVICE_NAME", DefaultServiceName),
		Exporter:      envOr("OTEL_TRACES_EXPORTER", ExporterConsole),
		Sampler:       envOr("OTEL_TRACES_SAMPLER", defaultSampler),
		SamplingRatio: defaultSamplingRatio,
	}
	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLPEndpoint)
	}
	if arg, ok := os.LookupEnv("OTEL_TRACES_SAMPLER_ARG"); ok {
		ratio, err := strconv.ParseFloat(arg, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			logger.Info("Ignoring invalid sampler argument", "value", arg, "ratio", defaultSamplingRatio)
		} else {
			cfg.SamplingRatio = ratio
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(logutil.DEFAULT).Error(err, "Trace error occurred")
}

// InitTracing installs the global tracer provider and propagator. The
// provider is flushed and shut down when ctx is done. The "none" exporter
// leaves tracing disabled but still installs the propagator so trace context
// is forwarded.
func InitTracing(ctx context.Context, logger logr.Logger) error {
	logger = logger.WithName("trace")
	cfg := TracingConfigFromEnv(logger)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(&errorHandler{logger: logger})
	if cfg.Exporter == ExporterNone {
		logger.V(logutil.DEFAULT).Info("Tracing disabled")
		return nil
	}

	exporter, err := newTraceExporter(ctx, cfg.Exporter)
	if err != nil {
		return fmt.Errorf("init trace exporter: %w", err)
	}
	logger.V(logutil.DEFAULT).Info("Tracing enabled", "exporter", cfg.Exporter, "sampler", cfg.Sampler, "ratio", cfg.SamplingRatio)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(newSampler(cfg, logger)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version.BuildRef),
		)),
	)
	otel.SetTracerProvider(provider)

	go func() {
		<-ctx.Done()
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error(err, "Failed to shut down tracer provider")
			return
		}
		logger.V(logutil.DEFAULT).Info("Tracer provider shut down")
	}()
	return nil
}

// newSampler supports the samplers the Go SDK cannot pick from the
// environment on its own. Anything else falls back to a parent based ratio.
func newSampler(cfg TracingConfig, logger logr.Logger) sdktrace.Sampler {
	switch cfg.Sampler {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	case defaultSampler:
	default:
		logger.Info("Unsupported sampler, using parentbased_traceidratio", "sampler", cfg.Sampler)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))
}

func newTraceExporter(ctx context.Context, kind string) (sdktrace.SpanExporter, error) {
	switch kind {
	case ExporterOTLP:
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc exporter: %w", err)
		}
		return exporter, nil
	case ExporterConsole:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter %q", kind)
	}
}
