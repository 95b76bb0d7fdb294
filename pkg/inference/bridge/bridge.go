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

// Package bridge lets the single reactor goroutine start blocking calls on a
// worker pool and pick up their results later without ever waiting on them.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/metrics"
	"sigs.k8s.io/inference-proxy/pkg/inference/notify"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// Work performs one external call and returns its terminal decision. It runs
// on a pool goroutine and must only use data copied into it.
type Work func(ctx context.Context) types.Decision

// Bridge wires dispatched work to the reactor: each operation gets a result
// slot and a latch that also wakes the reactor.
type Bridge struct {
	pool  *Pool
	clock clock.PassiveClock
	wake  *notify.Latch
}

// New returns a bridge that runs work on pool and signals wake whenever any
// operation completes.
func New(pool *Pool, clk clock.PassiveClock, wake *notify.Latch) *Bridge {
	return &Bridge{pool: pool, clock: clk, wake: wake}
}

// Dispatch queues work for requestID and registers the resulting operation
// with scope. It never blocks. If the pool refuses the work, the error wraps
// types.ErrDispatchRejected and nothing is registered. An operation already
// pending for the same request is returned as is instead of dispatching again.
func (b *Bridge) Dispatch(ctx context.Context, scope *Scope, requestID string, timeout time.Duration, work Work) (*PendingOperation, error) {
	logger := log.FromContext(ctx)
	if scope.Closed() {
		metrics.RecordDispatchRejected()
		return nil, fmt.Errorf("%w: connection %s is closed", types.ErrDispatchRejected, scope.ID)
	}
	if op, ok := scope.Pending(requestID); ok {
		logger.V(logutil.DEBUG).Info("Operation already pending for request", "operation", op.ID)
		return op, nil
	}

	now := b.clock.Now()
	tx, rx := notify.NewResult[types.Decision]()
	op := &PendingOperation{
		ID:        uuid.New(),
		RequestID: requestID,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		receiver:  rx,
		latch:     notify.NewLatch(b.wake),
	}
	latch := op.latch
	opLogger := logger.WithValues("operation", op.ID)
	spanCtx := trace.SpanContextFromContext(ctx)

	job := func(poolCtx context.Context) {
		defer latch.Signal()
		defer tx.Close()
		defer func() {
			if r := recover(); r != nil {
				opLogger.Error(fmt.Errorf("%v", r), "Work unit panicked")
				tx.Send(types.Failed(fmt.Errorf("%w: %v", types.ErrWorkerAborted, r)))
			}
		}()

		workCtx, cancel := context.WithTimeout(log.IntoContext(poolCtx, opLogger), timeout)
		defer cancel()
		if spanCtx.IsValid() {
			workCtx = trace.ContextWithSpanContext(workCtx, spanCtx)
		}
		if !tx.Send(work(workCtx)) {
			opLogger.V(logutil.DEBUG).Info("Result dropped, connection already closed")
		}
	}

	if err := b.pool.TrySubmit(job); err != nil {
		metrics.RecordDispatchRejected()
		return nil, err
	}
	scope.register(op)
	logger.V(logutil.TRACE).Info("Dispatched operation", "operation", op.ID, "deadline", op.Deadline)
	return op, nil
}
