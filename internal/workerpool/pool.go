// Package workerpool runs termination batches on a small fixed set of
// goroutines so session-change handling never waits on process APIs.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/session-monitor/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Stats counts tasks over the pool's lifetime.
type Stats struct {
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Pending   int64 `json:"pending"`
}

// Pool is a bounded goroutine pool with a fixed-size queue. Submit never
// blocks: a full queue or a stopped pool rejects the task and the caller
// runs it itself.
type Pool struct {
	tasks    chan Task
	inflight sync.WaitGroup

	mu      sync.RWMutex // guards stopped against sends on tasks
	stopped bool

	accepted  atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	pending   atomic.Int64
}

// New starts maxWorkers goroutines reading from a queue of queueSize.
// Both are raised to at least 1.
func New(maxWorkers, queueSize int) *Pool {
	maxWorkers = max(maxWorkers, 1)
	queueSize = max(queueSize, 1)

	p := &Pool{tasks: make(chan Task, queueSize)}
	for range maxWorkers {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues task and reports whether it was accepted.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.rejected.Add(1)
		return false
	}

	p.inflight.Add(1)
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		p.accepted.Add(1)
		return true
	default:
		p.pending.Add(-1)
		p.inflight.Done()
		p.rejected.Add(1)
		log.Warn("worker pool queue full, task rejected", "queued", len(p.tasks))
		return false
	}
}

// Shutdown stops accepting tasks and waits until queued and running tasks
// finish or ctx is done. Workers keep draining the queue after a timeout.
// It returns ctx.Err() if the drain did not complete.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pending", p.pending.Load())
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Accepted:  p.accepted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Pending:   p.pending.Load(),
	}
}

func (p *Pool) worker() {
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.inflight.Done()
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			return
		}
		p.completed.Add(1)
	}()
	task()
}
