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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
)

func TestTracingConfigFromEnv(t *testing.T) {
	logger := logutil.NewTestLogger()

	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_TRACES_SAMPLER", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	cfg := TracingConfigFromEnv(logger)
	assert.Equal(t, TracingConfig{
		ServiceName:   DefaultServiceName,
		Exporter:      ExporterConsole,
		Sampler:       "parentbased_traceidratio",
		SamplingRatio: 0.5,
	}, cfg)

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2")
	assert.Equal(t, 0.1, TracingConfigFromEnv(logger).SamplingRatio)
}

func TestNewSampler(t *testing.T) {
	logger := logutil.NewTestLogger()
	tests := []struct {
		sampler string
		want    string
	}{
		{"always_on", sdktrace.AlwaysSample().Description()},
		{"always_off", sdktrace.NeverSample().Description()},
		{"traceidratio", sdktrace.TraceIDRatioBased(0.25).Description()},
		{"bogus", sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, test := range tests {
		t.Run(test.sampler, func(t *testing.T) {
			s := newSampler(TracingConfig{Sampler: test.sampler, SamplingRatio: 0.25}, logger)
			assert.Equal(t, test.want, s.Description())
		})
	}
}

func TestInitTracingNoneExporter(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", ExporterNone)
	require.NoError(t, InitTracing(context.Background(), logutil.NewTestLogger()))
}

func TestInitTracingUnknownExporter(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")
	assert.Error(t, InitTracing(context.Background(), logutil.NewTestLogger()))
}
