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

// Package types holds the values exchanged between the reactor side and the
// worker side of the inference proxy: decisions, failure kinds and errors.
package types

import "fmt"

// DecisionKind tags the variant held by a Decision.
type DecisionKind int

const (
	// DecisionFailure is the zero value so an unset Decision never reads as a success.
	DecisionFailure DecisionKind = iota
	DecisionModelName
	DecisionUpstreamEndpoint
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionModelName:
		return "ModelName"
	case DecisionUpstreamEndpoint:
		return "UpstreamEndpoint"
	default:
		return "Failure"
	}
}

// Decision is the single terminal outcome of a model extraction or an
// endpoint pick.
type Decision struct {
	Kind  DecisionKind
	Value string
	// Failure and Err are only meaningful when Kind is DecisionFailure.
	Failure FailureKind
	Err     error
}

// ModelName returns a successful BBR decision.
func ModelName(name string) Decision {
	return Decision{Kind: DecisionModelName, Value: name}
}

// UpstreamEndpoint returns a successful EPP decision.
func UpstreamEndpoint(endpoint string) Decision {
	return Decision{Kind: DecisionUpstreamEndpoint, Value: endpoint}
}

// Failed returns a failure decision classified from err.
func Failed(err error) Decision {
	return Decision{Kind: DecisionFailure, Failure: KindOf(err), Err: err}
}

// IsSuccess reports whether the decision carries a value to inject.
func (d Decision) IsSuccess() bool {
	return d.Kind != DecisionFailure
}

func (d Decision) String() string {
	if d.IsSuccess() {
		return fmt.Sprintf("%s(%s)", d.Kind, d.Value)
	}
	return fmt.Sprintf("Failure(%s)", d.Failure)
}
