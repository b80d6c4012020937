package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"assessment-sync/internal/logger"
)

var errPoolStopped = errors.New("worker pool is stopped")
var errQueueFull = errors.New("job queue is full")

// WorkerPool runs launched jobs on a fixed number of workers. Jobs beyond
// the worker count wait in a bounded queue.
type WorkerPool struct {
	workers []*Worker
	queue   chan *launch
	run     func(ctx context.Context, l *launch)
	// drop is called for launches still queued when the pool stops.
	drop   func(l *launch)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewWorkerPool(size int, run func(ctx context.Context, l *launch), drop func(l *launch)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		workers: make([]*Worker, size),
		queue:   make(chan *launch, max(size*4, 16)),
		run:     run,
		drop:    drop,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Submit queues a launch without blocking.
func (p *WorkerPool) Submit(l *launch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errPoolStopped
	}
	select {
	case p.queue <- l:
		return nil
	default:
		return errQueueFull
	}
}

// Stop cancels running jobs, waits for the workers and hands every launch
// still queued to drop.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.queue)
	for l := range p.queue {
		if p.drop != nil {
			p.drop(l)
		}
	}
	logger.Log.Info("Stopped worker pool")
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case l := <-w.pool.queue:
			if w.pool.ctx.Err() != nil {
				if w.pool.drop != nil {
					w.pool.drop(l)
				}
				return
			}
			logger.Log.Debug("Running job", zap.Int("workerID", w.id), zap.String("job_id", l.job.ID))
			w.execute(l)

		case <-w.pool.ctx.Done():
			return
		}
	}
}

// execute keeps a panicking job from taking its worker down.
func (w *Worker) execute(l *launch) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Job panicked",
				zap.Int("workerID", w.id),
				zap.String("job_id", l.job.ID),
				zap.Any("panic", r),
			)
		}
	}()
	w.pool.run(w.pool.ctx, l)
}
