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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

// ErrPoolStopped is returned for submissions to a pool that is not running.
var ErrPoolStopped = errors.New("worker pool is not running")

// Job is one unit of work run on a pool goroutine.
type Job func(ctx context.Context)

// Pool is a fixed set of long-lived worker goroutines fed by a bounded queue.
// Submission never blocks: a full queue is reported to the caller instead.
type Pool struct {
	size   int
	jobs   chan Job
	logger logr.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool returns a stopped pool of size workers with room for queueDepth
// waiting jobs.
func NewPool(size, queueDepth int, logger logr.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Pool{
		size:   size,
		jobs:   make(chan Job, queueDepth),
		logger: logger.WithName("worker-pool"),
	}
}

// Start launches the workers. It is a no-op on a running pool.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.work(ctx, i)
	}
	p.logger.V(logutil.DEFAULT).Info("Worker pool started", "workers", p.size, "queueDepth", cap(p.jobs))
}

// Run starts the pool and stops it when ctx is done. It matches the shape of
// a manager runnable so the runner can supervise it.
func (p *Pool) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop cancels the workers and waits for them to exit. Jobs still queued are
// dropped.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	dropped := 0
drain:
	for {
		select {
		case <-p.jobs:
			dropped++
		default:
			break drain
		}
	}
	p.logger.V(logutil.DEFAULT).Info("Worker pool stopped", "droppedJobs", dropped)
}

// TrySubmit queues job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	if !p.running.Load() {
		return fmt.Errorf("%w: %w", types.ErrDispatchRejected, ErrPoolStopped)
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: queue of %d is full", types.ErrDispatchRejected, cap(p.jobs))
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.WithValues("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(ctx, logger, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, logger logr.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("%v", r), "Job panicked")
		}
	}()
	job(ctx)
}
