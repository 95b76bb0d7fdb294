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
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

func TestRecordMetrics(t *testing.T) {
	Register()
	Register()

	RecordBBRSuccess()
	RecordBBRSuccess()
	RecordModelNotInBody()
	RecordBodyTooLarge()
	RecordEPPRequest("success", 3*time.Millisecond)
	RecordEPPRequest("Timeout", 250*time.Millisecond)
	IncInflightOperations()
	IncInflightOperations()
	RecordReleasedOperation("resolved")
	RecordFailureModeAction("epp", "SetHeader")

	assert.Equal(t, float64(2), testutil.ToFloat64(bbrSuccessCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(bbrModelNotInBodyCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(bbrBodyTooLargeCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(eppRequestCounter.WithLabelValues("Timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bridgeInflightGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(bridgeReleasedCounter.WithLabelValues("resolved")))

	expected := `
# HELP inference_proxy_failure_mode_actions_total [ALPHA] Count of failure mode policy actions taken after a failed decision.
# TYPE inference_proxy_failure_mode_actions_total counter
inference_proxy_failure_mode_actions_total{action="SetHeader",feature="epp"} 1
`
	err := testutil.GatherAndCompare(metrics.Registry, strings.NewReader(expected), "inference_proxy_failure_mode_actions_total")
	require.NoError(t, err)
}
