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

package policy

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

func TestResolve(t *testing.T) {
	timeout := types.Failed(fmt.Errorf("%w: 200ms", types.ErrTimeout))
	connect := types.Failed(types.ErrConnectFailed)
	tooLarge := types.Failed(types.ErrBodyTooLarge)
	readFailure := types.Failed(types.ErrBodyReadFailure)

	tests := []struct {
		name     string
		feature  Feature
		decision types.Decision
		mode     config.FailureMode
		fallback string
		want     Action
	}{
		{name: "epp success deny", feature: FeatureEPP, decision: types.UpstreamEndpoint("10.0.0.5:8000"), mode: config.Deny, want: Action{Kind: SetHeader, Value: "10.0.0.5:8000"}},
		{name: "epp success allow ignores fallback", feature: FeatureEPP, decision: types.UpstreamEndpoint("10.0.0.5:8000"), mode: config.Allow, fallback: "10.0.0.9:8000", want: Action{Kind: SetHeader, Value: "10.0.0.5:8000"}},
		{name: "bbr success", feature: FeatureBBR, decision: types.ModelName("gpt-4"), mode: config.Deny, want: Action{Kind: SetHeader, Value: "gpt-4"}},
		{name: "epp timeout allow with fallback", feature: FeatureEPP, decision: timeout, mode: config.Allow, fallback: "10.0.0.9:8000", want: Action{Kind: SetHeader, Value: "10.0.0.9:8000"}},
		{name: "epp transport allow with fallback", feature: FeatureEPP, decision: connect, mode: config.Allow, fallback: "10.0.0.9:8000", want: Action{Kind: SetHeader, Value: "10.0.0.9:8000"}},
		{name: "epp timeout allow without fallback", feature: FeatureEPP, decision: timeout, mode: config.Allow, want: Action{Kind: SetHeaderOrSkip}},
		{name: "epp timeout deny with fallback", feature: FeatureEPP, decision: timeout, mode: config.Deny, fallback: "10.0.0.9:8000", want: Action{Kind: TerminateWithError, Status: http.StatusBadGateway}},
		{name: "epp transport deny", feature: FeatureEPP, decision: connect, mode: config.Deny, want: Action{Kind: TerminateWithError, Status: http.StatusBadGateway}},
		{name: "epp dispatch rejected deny", feature: FeatureEPP, decision: types.Failed(types.ErrDispatchRejected), mode: config.Deny, want: Action{Kind: TerminateWithError, Status: http.StatusBadGateway}},
		{name: "bbr too large deny", feature: FeatureBBR, decision: tooLarge, mode: config.Deny, want: Action{Kind: TerminateWithError, Status: http.StatusRequestEntityTooLarge}},
		{name: "bbr too large allow skips", feature: FeatureBBR, decision: tooLarge, mode: config.Allow, want: Action{Kind: SetHeaderOrSkip}},
		{name: "bbr read failure deny", feature: FeatureBBR, decision: readFailure, mode: config.Deny, want: Action{Kind: TerminateWithError, Status: http.StatusInternalServerError}},
		{name: "zero decision is a failure", feature: FeatureEPP, decision: types.Decision{}, mode: config.Deny, want: Action{Kind: TerminateWithError, Status: http.StatusBadGateway}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, Resolve(test.feature, test.decision, test.mode, test.fallback))
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "SetHeader(gpt-4)", Action{Kind: SetHeader, Value: "gpt-4"}.String())
	assert.Equal(t, "SetHeaderOrSkip", Action{Kind: SetHeaderOrSkip}.String())
	assert.Equal(t, "TerminateWithError(502)", Action{Kind: TerminateWithError, Status: 502}.String())
}
