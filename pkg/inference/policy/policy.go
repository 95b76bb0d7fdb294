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

// Package policy maps a decision and a configured failure mode onto the
// action the request pipeline takes.
package policy

import (
	"fmt"
	"net/http"

	"sigs.k8s.io/inference-proxy/pkg/inference/config"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// Feature names the component a decision came from.
type Feature string

const (
	FeatureBBR Feature = "bbr"
	FeatureEPP Feature = "epp"
)

// ActionKind is what the pipeline does with a decision.
type ActionKind int

const (
	// SetHeader injects Action.Value as the feature's header.
	SetHeader ActionKind = iota
	// SetHeaderOrSkip continues without touching the header.
	SetHeaderOrSkip
	// TerminateWithError ends the request with Action.Status.
	TerminateWithError
)

func (k ActionKind) String() string {
	switch k {
	case SetHeader:
		return "SetHeader"
	case SetHeaderOrSkip:
		return "SetHeaderOrSkip"
	default:
		return "TerminateWithError"
	}
}

// Action is the outcome of Resolve.
type Action struct {
	Kind   ActionKind
	Value  string
	Status int
}

func (a Action) String() string {
	switch a.Kind {
	case SetHeader:
		return fmt.Sprintf("SetHeader(%s)", a.Value)
	case TerminateWithError:
		return fmt.Sprintf("TerminateWithError(%d)", a.Status)
	default:
		return a.Kind.String()
	}
}

// Resolve decides what to do with a decision. Successful decisions are always
// injected. Failures recover locally in Allow mode, with the fallback when
// one is given, and terminate the request in Deny mode.
func Resolve(feature Feature, d types.Decision, mode config.FailureMode, fallback string) Action {
	if d.IsSuccess() {
		return Action{Kind: SetHeader, Value: d.Value}
	}
	if mode == config.Allow {
		if fallback != "" {
			return Action{Kind: SetHeader, Value: fallback}
		}
		return Action{Kind: SetHeaderOrSkip}
	}
	return Action{Kind: TerminateWithError, Status: StatusFor(feature, d.Failure)}
}

// StatusFor is the status a fail-closed request is terminated with.
func StatusFor(feature Feature, kind types.FailureKind) int {
	if feature == FeatureEPP {
		return http.StatusBadGateway
	}
	if kind == types.FailureBodyTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}
