// Package workers provides named fixed-size worker pools. Each pool owns its
// queue, so work submitted to one pool never waits behind another pool's jobs.
package workers

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = stderrors.New("worker pool is closed")

// Job is a unit of work executed by a pool worker
type Job func(ctx context.Context) (interface{}, error)

// Result carries the outcome of a Job
type Result struct {
	Value interface{}
	Err   error
}

// Stats are cumulative pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

type task struct {
	ctx    context.Context
	job    Job
	result chan Result
}

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	name   string
	size   int
	queue  chan task
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New starts a pool with size workers and room for queueSize waiting jobs.
func New(name string, size, queueSize int, log logger.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, errors.ConfigurationError("workers."+name+".size", size, "must be positive")
	}
	if queueSize < 0 {
		return nil, errors.ConfigurationError("workers."+name+".queueSize", queueSize, "must not be negative")
	}

	p := &Pool{
		name:   name,
		size:   size,
		queue:  make(chan task, queueSize),
		logger: logger.OrGlobal(log).WithComponent("workers").WithField("pool", name),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	p.logger.WithFields(logger.Fields{
		"workers":    size,
		"queue_size": queueSize,
	}).Debug("Worker pool started")
	return p, nil
}

// Name returns the pool name
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers
func (p *Pool) Size() int { return p.size }

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Submit enqueues job and returns a channel that receives exactly one Result.
// It blocks while the queue is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	t := task{ctx: ctx, job: job, result: make(chan Result, 1)}
	select {
	case p.queue <- t:
		p.submitted.Add(1)
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs, lets workers drain the queue and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.WithFields(logger.Fields{
		"completed": p.completed.Load(),
		"failed":    p.failed.Load(),
	}).Debug("Worker pool stopped")
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		res := p.run(t)
		if res.Err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		t.result <- res
	}
}

func (p *Pool) run(t task) (res Result) {
	if err := t.ctx.Err(); err != nil {
		return Result{Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("Job panicked")
			res = Result{Err: errors.InternalError(errors.CodeUnexpectedError, "worker job",
				fmt.Errorf("panic in pool %s: %v", p.name, r))}
		}
	}()

	value, err := t.job(t.ctx)
	return Result{Value: value, Err: err}
}

// Do submits fn to p and waits for its typed result.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	results, err := p.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-results:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Value == nil {
			return zero, nil
		}
		return res.Value.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
