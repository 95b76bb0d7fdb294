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

package handlers

import (
	"context"
	"fmt"

	"sigs.k8s.io/inference-proxy/pkg/inference/body"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/extproc"
)

// RequestView is the host's in-flight request as seen by the handlers. It is
// only used from the reactor goroutine and may end before a dispatched call
// resolves.
type RequestView interface {
	body.Storage

	// Context is cancelled when the request ends.
	Context() context.Context
	// ID identifies the request within its connection.
	ID() string
	Method() string
	Scheme() string
	Host() string
	// Path is the URL path used to select the configuration scope.
	Path() string
	// URI is the path and query, sent as :path.
	URI() string

	// Header returns the first value of a header, matched case-insensitively.
	Header(name string) (string, bool)
	SetHeader(name, value string)
	// Headers returns a copy of every request header.
	Headers() []extproc.Header

	// Status is the status the host already committed for the request, or 0.
	Status() int
	// State is the handlers' per-request scratch space, created by the host
	// with the request.
	State() *State
}

// State remembers which features already ran for a request so that
// re-entering the pipeline never repeats them.
type State struct {
	bbrDone bool
	eppDone bool
}

// VerdictKind tells the host how to proceed with a request.
type VerdictKind int

const (
	Continue VerdictKind = iota
	// Suspend pauses this request only until Verdict.Op resolves.
	Suspend
	// Terminate ends the request with Verdict.Status.
	Terminate
)

func (k VerdictKind) String() string {
	switch k {
	case Suspend:
		return "Suspend"
	case Terminate:
		return "Terminate"
	default:
		return "Continue"
	}
}

// Verdict is the result of Process and Resume.
type Verdict struct {
	Kind   VerdictKind
	Status int
	Op     *bridge.PendingOperation
}

func (v Verdict) String() string {
	switch v.Kind {
	case Suspend:
		return fmt.Sprintf("Suspend(%s)", v.Op.ID)
	case Terminate:
		return fmt.Sprintf("Terminate(%d)", v.Status)
	default:
		return "Continue"
	}
}

func continueVerdict() Verdict {
	return Verdict{Kind: Continue}
}

func terminate(status int) Verdict {
	return Verdict{Kind: Terminate, Status: status}
}

func suspend(op *bridge.PendingOperation) Verdict {
	return Verdict{Kind: Suspend, Op: op}
}
