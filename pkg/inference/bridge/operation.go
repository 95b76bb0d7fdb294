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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sigs.k8s.io/inference-proxy/pkg/inference/notify"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// PendingOperation is the reactor's handle on one dispatched call. It is
// owned by the Scope it was registered with and released exactly once,
// either after its result was observed or when the scope closes.
type PendingOperation struct {
	ID        uuid.UUID
	RequestID string
	Deadline  time.Time
	CreatedAt time.Time

	receiver *notify.Receiver[types.Decision]
	latch    *notify.Latch
	scope    *Scope
	released atomic.Bool
}

// Notified reports whether the worker signaled since the last call, and
// clears the signal.
func (op *PendingOperation) Notified() bool {
	return op.latch.Poll()
}

// TryResult returns the terminal decision once one is available. A work unit
// that ended without sending resolves as WorkerAborted, and an operation
// still empty at Deadline plus grace resolves as Timeout, so no operation
// stays pending forever.
func (op *PendingOperation) TryResult(now time.Time, grace time.Duration) (types.Decision, bool) {
	d, status := op.receiver.TryReceive()
	switch status {
	case notify.Ready:
		return d, true
	case notify.Closed:
		return types.Failed(fmt.Errorf("%w: operation %s", types.ErrWorkerAborted, op.ID)), true
	case notify.Empty:
		if now.After(op.Deadline.Add(grace)) {
			op.receiver.Abandon()
			return types.Failed(fmt.Errorf("%w: no result %s after the deadline of operation %s", types.ErrTimeout, grace, op.ID)), true
		}
	}
	return types.Decision{}, false
}

// Released reports whether the operation's resources were reclaimed.
func (op *PendingOperation) Released() bool {
	return op.released.Load()
}

// Scope returns the scope that owns the operation.
func (op *PendingOperation) Scope() *Scope {
	return op.scope
}
