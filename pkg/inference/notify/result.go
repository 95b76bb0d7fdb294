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

package notify

import "sync/atomic"

// Status is the outcome of a non-blocking receive.
type Status int

const (
	// Empty means the sender has not produced a value yet.
	Empty Status = iota
	// Ready means a value was received by this call.
	Ready
	// Closed means the sender went away without producing a value.
	Closed
	// Consumed means the receiver already took its one value or was abandoned.
	Consumed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Closed:
		return "Closed"
	case Consumed:
		return "Consumed"
	default:
		return "Empty"
	}
}

type slot[T any] struct {
	ch        chan T
	sent      atomic.Bool
	abandoned atomic.Bool
}

// Sender is the worker-side end of a one-shot result handoff.
type Sender[T any] struct {
	s *slot[T]
}

// Receiver is the reactor-side end of a one-shot result handoff. It must only
// be used from a single goroutine.
type Receiver[T any] struct {
	s    *slot[T]
	done bool
}

// NewResult allocates a single-producer, single-consumer slot that carries
// exactly one value.
func NewResult[T any]() (*Sender[T], *Receiver[T]) {
	s := &slot[T]{ch: make(chan T, 1)}
	return &Sender[T]{s: s}, &Receiver[T]{s: s}
}

// Send hands v to the receiver. Only the first Send or Close takes effect;
// later calls return false. Sending after the receiver was abandoned is a
// safe no-op that also returns false. Send never blocks.
func (s *Sender[T]) Send(v T) bool {
	if !s.s.sent.CompareAndSwap(false, true) {
		return false
	}
	s.s.ch <- v
	return !s.s.abandoned.Load()
}

// Close ends the handoff without a value if nothing was sent yet. It is meant
// to be deferred by the producer so the receiver observes Closed on a panic.
func (s *Sender[T]) Close() {
	if s.s.sent.CompareAndSwap(false, true) {
		close(s.s.ch)
	}
}

// TryReceive returns the value if one is ready without blocking.
func (r *Receiver[T]) TryReceive() (T, Status) {
	var zero T
	if r.done {
		return zero, Consumed
	}
	select {
	case v, ok := <-r.s.ch:
		r.done = true
		if !ok {
			return zero, Closed
		}
		return v, Ready
	default:
		return zero, Empty
	}
}

// Abandon tells the sender nobody will read the result. Any value already in
// flight is dropped with the slot.
func (r *Receiver[T]) Abandon() {
	r.done = true
	r.s.abandoned.Store(true)
}
