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

// Package reactor is the single goroutine that owns request and connection
// state. It runs the handlers, parks suspended requests, and resumes them
// when their operation resolves, without ever waiting on a worker.
package reactor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/bridge"
	"sigs.k8s.io/inference-proxy/pkg/inference/handlers"
	"sigs.k8s.io/inference-proxy/pkg/inference/notify"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultGrace        = time.Second
	// StatusClientClosedRequest is reported for requests whose connection closed while suspended.
	StatusClientClosedRequest = 499
)

// ErrStopped is returned by Submit once the reactor has stopped.
var ErrStopped = errors.New("reactor is not running")

// Pipeline is the host contract the reactor drives. handlers.Handler implements it.
type Pipeline interface {
	Process(req handlers.RequestView, scope *bridge.Scope) handlers.Verdict
	Resume(req handlers.RequestView, d types.Decision) handlers.Verdict
}

// Options tunes the wake-up behavior.
type Options struct {
	// PollInterval is the backstop period at which every suspended request is polled.
	PollInterval time.Duration
	// Wake enables immediate wake-ups when a worker finishes. With it off,
	// only the poll interval drives progress.
	Wake bool
	// Grace is how long past its deadline an operation may stay silent
	// before it is resolved as a timeout.
	Grace time.Duration
	// QueueDepth bounds submissions waiting for the reactor.
	QueueDepth int
}

// DefaultOptions returns the recommended settings.
func DefaultOptions() Options {
	return Options{PollInterval: DefaultPollInterval, Wake: true, Grace: DefaultGrace, QueueDepth: 1024}
}

type task struct {
	req    handlers.RequestView
	scope  *bridge.Scope
	result chan handlers.Verdict
}

func (t *task) complete(v handlers.Verdict) {
	// result has room for exactly one verdict, so this never blocks.
	t.result <- v
}

// Reactor serializes all pipeline work onto the goroutine running Run.
type Reactor struct {
	pipeline Pipeline
	clock    clock.WithTicker
	wake     *notify.Latch
	opts     Options
	logger   logr.Logger

	submissions chan *task
	closes      chan *bridge.Scope
	// suspended holds every task parked on an operation. Requests that share
	// an ID on one connection share the operation, so a slot can hold more
	// than one task.
	suspended map[*bridge.PendingOperation][]*task

	running atomic.Bool
	done    chan struct{}
}

// New returns a reactor. wake must be the latch the bridge forwards
// completions to.
func New(pipeline Pipeline, clk clock.WithTicker, wake *notify.Latch, opts Options, logger logr.Logger) *Reactor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions().QueueDepth
	}
	return &Reactor{
		pipeline:    pipeline,
		clock:       clk,
		wake:        wake,
		opts:        opts,
		logger:      logger.WithName("reactor"),
		submissions: make(chan *task, opts.QueueDepth),
		closes:      make(chan *bridge.Scope, opts.QueueDepth),
		suspended:   map[*bridge.PendingOperation][]*task{},
		done:        make(chan struct{}),
	}
}

// Submit hands req to the reactor and waits for its verdict. It is called
// from connection goroutines, never from the reactor itself. If ctx ends
// first Submit returns early, but the reactor may still hold req until its
// operation resolves. Callers that own resources behind req should pass a
// context that outlives them and rely on req.Context() instead: a request
// whose own context ended is completed with 499 and never resumed.
func (r *Reactor) Submit(ctx context.Context, req handlers.RequestView, scope *bridge.Scope) (handlers.Verdict, error) {
	t := &task{req: req, scope: scope, result: make(chan handlers.Verdict, 1)}
	select {
	case r.submissions <- t:
	case <-ctx.Done():
		return handlers.Verdict{}, ctx.Err()
	case <-r.done:
		return handlers.Verdict{}, ErrStopped
	}
	select {
	case v := <-t.result:
		return v, nil
	case <-ctx.Done():
		return handlers.Verdict{}, ctx.Err()
	case <-r.done:
		// Shutdown completes every parked task before closing done.
		select {
		case v := <-t.result:
			return v, nil
		default:
			return handlers.Verdict{}, ErrStopped
		}
	}
}

// CloseScope tells the reactor a connection went away. Operations still
// pending on it are reclaimed on the reactor goroutine.
func (r *Reactor) CloseScope(scope *bridge.Scope) {
	select {
	case r.closes <- scope:
	case <-r.done:
	}
}

// Run is the event loop. It returns when ctx is done, after completing every
// suspended request with 503.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor is already running")
	}
	defer close(r.done)

	ticker := r.clock.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	var wakeC <-chan struct{}
	if r.opts.Wake {
		wakeC = r.wake.C()
	}
	r.logger.V(logutil.DEFAULT).Info("Reactor started", "pollInterval", r.opts.PollInterval, "wake", r.opts.Wake)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case t := <-r.submissions:
			r.process(t)
		case <-wakeC:
			r.poll(true)
		case <-ticker.C():
			r.poll(false)
		case scope := <-r.closes:
			r.teardown(scope)
		}
	}
}

// Suspended returns the number of parked requests. It must only be called
// from the reactor goroutine or after Run returned.
func (r *Reactor) Suspended() int {
	n := 0
	for _, tasks := range r.suspended {
		n += len(tasks)
	}
	return n
}

// Running reports whether the event loop is serving.
func (r *Reactor) Running() bool {
	return r.running.Load()
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) process(t *task) {
	if t.scope.Closed() {
		t.complete(handlers.Verdict{Kind: handlers.Terminate, Status: StatusClientClosedRequest})
		return
	}
	v := r.pipeline.Process(t.req, t.scope)
	if v.Kind == handlers.Suspend {
		r.suspended[v.Op] = append(r.suspended[v.Op], t)
		return
	}
	t.complete(v)
}

// poll checks suspended operations. On a wake only operations whose own
// latch fired are checked; on a tick all of them are, which also catches
// missed wakes and expired deadlines.
func (r *Reactor) poll(woken bool) {
	now := r.clock.Now()
	for op, tasks := range r.suspended {
		notified := op.Notified()
		if woken && !notified {
			continue
		}
		d, ok := op.TryResult(now, r.opts.Grace)
		if !ok {
			continue
		}
		delete(r.suspended, op)
		op.Scope().Release(op)
		r.logger.V(logutil.TRACE).Info("Operation resolved", "operation", op.ID, "decision", d, "waited", now.Sub(op.CreatedAt), "requests", len(tasks))

		for _, t := range tasks {
			if err := t.req.Context().Err(); err != nil {
				r.logger.V(logutil.DEBUG).Info("Request ended before its operation resolved", "operation", op.ID, "decision", d)
				t.complete(handlers.Verdict{Kind: handlers.Terminate, Status: StatusClientClosedRequest})
				continue
			}
			t.complete(r.pipeline.Resume(t.req, d))
		}
	}
}

func (r *Reactor) teardown(scope *bridge.Scope) {
	for op, tasks := range r.suspended {
		if op.Scope() != scope {
			continue
		}
		delete(r.suspended, op)
		for _, t := range tasks {
			t.complete(handlers.Verdict{Kind: handlers.Terminate, Status: StatusClientClosedRequest})
		}
	}
	if n := scope.Close(); n > 0 {
		r.logger.V(logutil.VERBOSE).Info("Reclaimed operations of closed connection", "connection", scope.ID, "operations", n)
	}
}

func (r *Reactor) shutdown() {
	r.running.Store(false)
	for op, tasks := range r.suspended {
		delete(r.suspended, op)
		op.Scope().Close()
		for _, t := range tasks {
			t.complete(handlers.Verdict{Kind: handlers.Terminate, Status: http.StatusServiceUnavailable})
		}
	}
	r.logger.V(logutil.DEFAULT).Info("Reactor stopped")
}
