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

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch(nil)
	assert.False(t, l.Poll(), "new latch must be clear")

	l.Signal()
	l.Signal()
	assert.True(t, l.Poll(), "signal must stay latched until polled")
	assert.False(t, l.Poll(), "coalesced signals clear with one poll")

	l.Signal()
	select {
	case <-l.C():
	case <-time.After(time.Second):
		t.Fatal("pending signal not visible on C")
	}
	assert.False(t, l.Poll())
}

func TestLatchForwardsToParent(t *testing.T) {
	parent := NewLatch(nil)
	a := NewLatch(parent)
	b := NewLatch(parent)

	a.Signal()
	assert.True(t, parent.Poll())
	assert.True(t, a.Poll())
	assert.False(t, b.Poll())

	// A child signal after the parent was drained re-arms the parent.
	b.Signal()
	assert.True(t, parent.Poll())
	assert.True(t, b.Poll())
}

func TestLatchConcurrentSignalIsNotLost(t *testing.T) {
	l := NewLatch(nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Signal()
		}()
	}
	wg.Wait()
	assert.True(t, l.Poll())
}

func TestResultSendReceive(t *testing.T) {
	tx, rx := NewResult[string]()

	v, status := rx.TryReceive()
	assert.Equal(t, Empty, status)
	assert.Empty(t, v)

	assert.True(t, tx.Send("10.0.0.5:8000"))
	assert.False(t, tx.Send("second"), "only the first send takes effect")
	tx.Close()

	v, status = rx.TryReceive()
	assert.Equal(t, Ready, status)
	assert.Equal(t, "10.0.0.5:8000", v)

	_, status = rx.TryReceive()
	assert.Equal(t, Consumed, status)
}

func TestResultCloseWithoutValue(t *testing.T) {
	tx, rx := NewResult[int]()
	tx.Close()
	assert.False(t, tx.Send(1), "send after close is a no-op")

	_, status := rx.TryReceive()
	assert.Equal(t, Closed, status)
	_, status = rx.TryReceive()
	assert.Equal(t, Consumed, status)
}

func TestResultSendAfterAbandon(t *testing.T) {
	tx, rx := NewResult[int]()
	rx.Abandon()

	require.NotPanics(t, func() {
		assert.False(t, tx.Send(42))
		tx.Close()
	})
	_, status := rx.TryReceive()
	assert.Equal(t, Consumed, status)
}

func TestResultAcrossGoroutines(t *testing.T) {
	latch := NewLatch(nil)
	tx, rx := NewResult[int]()
	go func() {
		defer tx.Close()
		tx.Send(7)
		latch.Signal()
	}()

	select {
	case <-latch.C():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never signaled")
	}
	v, status := rx.TryReceive()
	require.Equal(t, Ready, status)
	assert.Equal(t, 7, v)
}
