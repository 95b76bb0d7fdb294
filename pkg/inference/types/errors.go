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

package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a decision could not be produced.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureBodyTooLarge
	FailureNoBackingFound
	FailureBodyReadFailure
	FailureDispatchRejected
	FailureConnectFailed
	FailureTimeout
	FailureMalformedResponse
	FailureMissingHeaderMutation
	FailureWorkerAborted
)

var failureKindNames = map[FailureKind]string{
	FailureUnknown:               "Unknown",
	FailureBodyTooLarge:          "TooLarge",
	FailureNoBackingFound:        "NoBackingFound",
	FailureBodyReadFailure:       "ReadFailure",
	FailureDispatchRejected:      "DispatchRejected",
	FailureConnectFailed:         "ConnectFailed",
	FailureTimeout:               "Timeout",
	FailureMalformedResponse:     "MalformedResponse",
	FailureMissingHeaderMutation: "MissingHeaderMutation",
	FailureWorkerAborted:         "WorkerAborted",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// IsBodyError reports whether the kind belongs to the body acquisition family.
func (k FailureKind) IsBodyError() bool {
	return k == FailureBodyTooLarge || k == FailureNoBackingFound || k == FailureBodyReadFailure
}

var (
	ErrBodyTooLarge    = errors.New("request body exceeds the configured limit")
	ErrNoBackingFound  = errors.New("request body has no readable backing")
	ErrBodyReadFailure = errors.New("failed to read request body")

	ErrDispatchRejected      = errors.New("worker pool rejected the dispatch")
	ErrConnectFailed         = errors.New("external processor connection failed")
	ErrTimeout               = errors.New("external processor call timed out")
	ErrMalformedResponse     = errors.New("external processor returned a malformed response")
	ErrMissingHeaderMutation = errors.New("external processor response carried no header mutation for the routing header")
	ErrWorkerAborted         = errors.New("work unit aborted without a result")
)

var sentinels = []struct {
	err  error
	kind FailureKind
}{
	{ErrBodyTooLarge, FailureBodyTooLarge},
	{ErrNoBackingFound, FailureNoBackingFound},
	{ErrBodyReadFailure, FailureBodyReadFailure},
	{ErrDispatchRejected, FailureDispatchRejected},
	{ErrConnectFailed, FailureConnectFailed},
	{ErrTimeout, FailureTimeout},
	{ErrMalformedResponse, FailureMalformedResponse},
	{ErrMissingHeaderMutation, FailureMissingHeaderMutation},
	{ErrWorkerAborted, FailureWorkerAborted},
}

// KindOf maps an error onto its FailureKind. Context deadlines count as
// timeouts; anything unrecognized is FailureUnknown.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureUnknown
}

// ConfigError reports an invalid configuration value. It is raised while a
// scope is initialized and is fatal to startup.
type ConfigError struct {
	Scope  string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Scope != "" {
		fmt.Fprintf(&b, " in scope %q", e.Scope)
	}
	fmt.Fprintf(&b, ": %s: %s", e.Field, e.Reason)
	return b.String()
}
