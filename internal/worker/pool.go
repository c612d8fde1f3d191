package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/martinsuchenak/vnetd/internal/log"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs jobs on a fixed number of goroutines
type WorkerPool struct {
	maxWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// Job is a unit of work. When Result is set it receives the handler's error.
type Job struct {
	ID      string
	Handler func(context.Context) error
	Result  chan error
}

// NewWorkerPool creates a pool of maxWorkers goroutines; it does nothing
// until Start is called
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		maxWorkers: maxWorkers,
		jobs:       make(chan Job, 4*maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Debug("Worker pool started", "workers", p.maxWorkers)
}

// Stop cancels running jobs and waits for the workers to exit
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Submit queues a job, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits one job per handler and waits for all of them. The returned
// slice holds each handler's error at the handler's index.
func (p *WorkerPool) Run(ctx context.Context, ids []string, handlers []func(context.Context) error) []error {
	errs := make([]error, len(handlers))
	results := make([]chan error, len(handlers))

	for i, h := range handlers {
		results[i] = make(chan error, 1)
		if err := p.Submit(ctx, Job{ID: ids[i], Handler: h, Result: results[i]}); err != nil {
			errs[i] = err
			results[i] = nil
		}
	}
	for i, ch := range results {
		if ch == nil {
			continue
		}
		select {
		case errs[i] = <-ch:
		case <-p.ctx.Done():
			errs[i] = ErrPoolStopped
		}
	}
	return errs
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			log.Debug("Worker executing job", "worker_id", id, "job_id", job.ID)

			err := job.Handler(p.ctx)
			if job.Result != nil {
				job.Result <- err
			}
		}
	}
}
