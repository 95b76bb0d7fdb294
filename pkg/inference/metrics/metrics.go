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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	metricsutil "sigs.k8s.io/inference-proxy/pkg/common/metrics"
)

const component = "inference_proxy"

var (
	bbrSuccessCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bbr_success_total",
			Help:      metricsutil.HelpMsgWithStability("Count of successes pulling model name from body and injecting it in the request headers.", compbasemetrics.ALPHA),
		},
		[]string{},
	)
	bbrModelNotInBodyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bbr_model_not_in_body_total",
			Help:      metricsutil.HelpMsgWithStability("Count of times the model was not present in the request body.", compbasemetrics.ALPHA),
		},
		[]string{},
	)
	bbrModelNotParsedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bbr_model_not_parsed_total",
			Help:      metricsutil.HelpMsgWithStability("Count of times the request body or its model field could not be parsed.", compbasemetrics.ALPHA),
		},
		[]string{},
	)
	bbrBodyTooLargeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bbr_body_too_large_total",
			Help:      metricsutil.HelpMsgWithStability("Count of request bodies that exceeded the configured body size limit.", compbasemetrics.ALPHA),
		},
		[]string{},
	)

	eppRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "epp_requests_total",
			Help:      metricsutil.HelpMsgWithStability("Count of endpoint picker calls by outcome.", compbasemetrics.ALPHA),
		},
		[]string{"outcome"},
	)
	eppRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: component,
			Name:      "epp_request_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Endpoint picker call latency distribution in seconds.", compbasemetrics.ALPHA),
			Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
		},
		[]string{},
	)

	bridgeDispatchRejectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bridge_dispatch_rejected_total",
			Help:      metricsutil.HelpMsgWithStability("Count of dispatches refused because the worker pool was saturated or stopped.", compbasemetrics.ALPHA),
		},
		[]string{},
	)
	bridgeInflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "bridge_inflight_operations",
			Help:      metricsutil.HelpMsgWithStability("Number of dispatched operations not yet released.", compbasemetrics.ALPHA),
		},
		[]string{},
	)
	bridgeReleasedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "bridge_released_operations_total",
			Help:      metricsutil.HelpMsgWithStability("Count of released operations by how they were released.", compbasemetrics.ALPHA),
		},
		[]string{"reason"},
	)

	failureModeActionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "failure_mode_actions_total",
			Help:      metricsutil.HelpMsgWithStability("Count of failure mode policy actions taken after a failed decision.", compbasemetrics.ALPHA),
		},
		[]string{"feature", "action"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(bbrSuccessCounter)
		metrics.Registry.MustRegister(bbrModelNotInBodyCounter)
		metrics.Registry.MustRegister(bbrModelNotParsedCounter)
		metrics.Registry.MustRegister(bbrBodyTooLargeCounter)
		metrics.Registry.MustRegister(eppRequestCounter)
		metrics.Registry.MustRegister(eppRequestLatency)
		metrics.Registry.MustRegister(bridgeDispatchRejectedCounter)
		metrics.Registry.MustRegister(bridgeInflightGauge)
		metrics.Registry.MustRegister(bridgeReleasedCounter)
		metrics.Registry.MustRegister(failureModeActionCounter)
	})
}

// RecordBBRSuccess records a model name pulled from the body and injected into the request headers.
func RecordBBRSuccess() {
	bbrSuccessCounter.WithLabelValues().Inc()
}

// RecordModelNotInBody records a body without a model field.
func RecordModelNotInBody() {
	bbrModelNotInBodyCounter.WithLabelValues().Inc()
}

// RecordModelNotParsed records a body or model field that could not be parsed.
func RecordModelNotParsed() {
	bbrModelNotParsedCounter.WithLabelValues().Inc()
}

// RecordBodyTooLarge records a body rejected for its size.
func RecordBodyTooLarge() {
	bbrBodyTooLargeCounter.WithLabelValues().Inc()
}

// RecordEPPRequest records one endpoint picker call.
func RecordEPPRequest(outcome string, elapsed time.Duration) {
	eppRequestCounter.WithLabelValues(outcome).Inc()
	eppRequestLatency.WithLabelValues().Observe(elapsed.Seconds())
}

// RecordDispatchRejected records a refused dispatch.
func RecordDispatchRejected() {
	bridgeDispatchRejectedCounter.WithLabelValues().Inc()
}

// IncInflightOperations is called when an operation is dispatched.
func IncInflightOperations() {
	bridgeInflightGauge.WithLabelValues().Inc()
}

// RecordReleasedOperation is called once per operation when it is released.
func RecordReleasedOperation(reason string) {
	bridgeInflightGauge.WithLabelValues().Dec()
	bridgeReleasedCounter.WithLabelValues(reason).Inc()
}

// RecordFailureModeAction records what the failure mode policy decided.
func RecordFailureModeAction(feature, action string) {
	failureModeActionCounter.WithLabelValues(feature, action).Inc()
}
