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

package bridge

import (
	"github.com/google/uuid"

	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
)

const (
	ReleaseResolved = "resolved"
	ReleaseTeardown = "teardown"
)

// Scope anchors operations to a client connection rather than to a request,
// because a request may finish before the call it started resolves. All
// methods must be called from the reactor goroutine.
type Scope struct {
	ID string

	ops       map[uuid.UUID]*PendingOperation
	byRequest map[string]*PendingOperation
	closed    bool
	released  int
}

// NewScope returns an open scope.
func NewScope(id string) *Scope {
	return &Scope{
		ID:        id,
		ops:       map[uuid.UUID]*PendingOperation{},
		byRequest: map[string]*PendingOperation{},
	}
}

func (s *Scope) register(op *PendingOperation) {
	op.scope = s
	s.ops[op.ID] = op
	if op.RequestID != "" {
		s.byRequest[op.RequestID] = op
	}
	metrics.IncInflightOperations()
}

// Pending returns the unreleased operation dispatched for a request, if any.
func (s *Scope) Pending(requestID string) (*PendingOperation, bool) {
	op, ok := s.byRequest[requestID]
	return op, ok
}

// Release reclaims op after its result was observed. It returns false when
// op was already released, which makes repeated calls harmless.
func (s *Scope) Release(op *PendingOperation) bool {
	return s.release(op, ReleaseResolved)
}

func (s *Scope) release(op *PendingOperation, reason string) bool {
	if op == nil || op.scope != s || !op.released.CompareAndSwap(false, true) {
		return false
	}
	delete(s.ops, op.ID)
	if cur, ok := s.byRequest[op.RequestID]; ok && cur == op {
		delete(s.byRequest, op.RequestID)
	}
	if reason == ReleaseTeardown {
		// A worker may still be running; its late send becomes a no-op.
		op.receiver.Abandon()
	}
	s.released++
	metrics.RecordReleasedOperation(reason)
	return true
}

// Close reclaims every operation that is still pending and refuses new ones.
// It returns how many operations it reclaimed. Closing twice is a no-op.
func (s *Scope) Close() int {
	if s.closed {
		return 0
	}
	s.closed = true
	n := 0
	for _, op := range s.ops {
		if s.release(op, ReleaseTeardown) {
			n++
		}
	}
	return n
}

// Closed reports whether the connection behind the scope went away.
func (s *Scope) Closed() bool {
	return s.closed
}

// Live returns the number of operations not yet released.
func (s *Scope) Live() int {
	return len(s.ops)
}

// ReleasedCount returns how many operations the scope has released in total.
func (s *Scope) ReleasedCount() int {
	return s.released
}
