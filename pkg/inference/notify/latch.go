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

// Package notify carries results and wake-ups from the worker pool back to
// the reactor goroutine without shared mutable state.
package notify

// Latch is a latched wake signal. Signal may be called from any goroutine and
// never blocks; a signal stays pending until Poll (or a receive on C) clears
// it, so a wake that arrives between two polls is never lost. Signals that
// arrive while one is already pending coalesce.
type Latch struct {
	ch     chan struct{}
	parent *Latch
}

// NewLatch returns a cleared latch. When parent is non-nil every Signal is
// forwarded to it, which lets a reactor wait on one latch for many operations.
func NewLatch(parent *Latch) *Latch {
	return &Latch{ch: make(chan struct{}, 1), parent: parent}
}

// Signal marks the latch pending.
func (l *Latch) Signal() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
	if l.parent != nil {
		l.parent.Signal()
	}
}

// Poll reports whether a signal was pending and clears it. It never blocks.
func (l *Latch) Poll() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// C exposes the latch for use in a select. Receiving from it clears the signal.
func (l *Latch) C() <-chan struct{} {
	return l.ch
}
