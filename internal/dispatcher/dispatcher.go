// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/mstanton/webharvester/internal/metrics"
	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/worker"
)

// Dispatcher runs a pool of workers against the queue, plus the queue's
// periodic cleanup (lease reaping and terminal-job pruning).
type Dispatcher struct {
	queue           *queue.Queue
	workers         []*worker.Worker
	cleanupInterval time.Duration
}

// New creates a Dispatcher. interval <= 0 selects one-minute cleanup.
func New(q *queue.Queue, workers []*worker.Worker, cleanupInterval time.Duration) *Dispatcher {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	metrics.Init()
	return &Dispatcher{
		queue:           q,
		workers:         workers,
		cleanupInterval: cleanupInterval,
	}
}

// Run starts all workers and the cleanup loop, blocking until the context
// finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.queue.RunCleanup(ctx, d.cleanupInterval)
	}()
	<-ctx.Done()
	wg.Wait()
}

// Workers reports the pool size, for the health endpoint.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}
