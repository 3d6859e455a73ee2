package pools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Submit when the task queue has no room.
	ErrQueueFull = errors.New("pools: task queue full")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pools: pool closed")
)

// Task represents a unit of work
type Task func()

// Config sizes a WorkerPool.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	// IdleTimeout is how long a worker above MinWorkers waits for work
	// before exiting.
	IdleTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.MinWorkers < 1:
		return fmt.Errorf("pools: min workers must be at least 1, got %d", c.MinWorkers)
	case c.MaxWorkers < c.MinWorkers:
		return fmt.Errorf("pools: max workers %d below min %d", c.MaxWorkers, c.MinWorkers)
	case c.QueueCapacity < 1:
		return fmt.Errorf("pools: queue capacity must be at least 1, got %d", c.QueueCapacity)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("pools: idle timeout must be positive, got %v", c.IdleTimeout)
	}
	return nil
}

// WorkerPool runs tasks on a bounded set of goroutines pulling from one
// bounded queue. It keeps MinWorkers alive, grows up to MaxWorkers while
// every worker is busy, and lets the extra workers go after IdleTimeout.
type WorkerPool struct {
	cfg    Config
	tasks  chan Task
	logger zerolog.Logger

	// mu orders Close against in-flight submissions: submitters hold the
	// read side while sending.
	mu     sync.RWMutex
	closed atomic.Bool
	quit   chan struct{} // closed first: stop admission
	stop   chan struct{} // closed after submitters are gone: drain and exit
	wg     sync.WaitGroup

	workers atomic.Int32
	busy    atomic.Int32

	// Statistics
	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		failed    atomic.Uint64
		rejected  atomic.Uint64
	}
}

// NewWorkerPool starts MinWorkers workers.
func NewWorkerPool(cfg Config, logger zerolog.Logger) (*WorkerPool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &WorkerPool{
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueCapacity),
		logger: logger,
		quit:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		p.workers.Add(1)
		p.spawn()
	}
	return p, nil
}

// Submit queues task without blocking.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.stats.submitted.Add(1)
		p.grow()
		return nil
	default:
		p.stats.rejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitWait queues task, waiting for room until ctx ends or the pool is
// closed.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.stats.submitted.Add(1)
		p.grow()
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		p.stats.rejected.Add(1)
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

// grow adds workers while queued tasks outnumber idle workers. The CAS
// keeps the count at or below MaxWorkers.
func (p *WorkerPool) grow() {
	for {
		n := p.workers.Load()
		if int(n) >= p.cfg.MaxWorkers || len(p.tasks) <= int(n-p.busy.Load()) {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.spawn()
		}
	}
}

func (p *WorkerPool) spawn() {
	p.wg.Add(1)
	go p.work()
}

// work is the main loop for a worker goroutine
func (p *WorkerPool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task := <-p.tasks:
			p.run(task)
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			if p.retire() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-p.stop:
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					p.workers.Add(-1)
					return
				}
			}
		}
	}
}

// retire lets an idle worker exit if the pool stays at or above
// MinWorkers.
func (p *WorkerPool) retire() bool {
	for {
		n := p.workers.Load()
		if int(n) <= p.cfg.MinWorkers {
			return false
		}
		if p.workers.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *WorkerPool) run(task Task) {
	p.busy.Add(1)
	// A task queued while this one was being dequeued saw this worker as
	// idle.
	p.grow()
	defer func() {
		p.busy.Add(-1)
		if r := recover(); r != nil {
			p.stats.failed.Add(1)
			p.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panic recovered")
			return
		}
		p.stats.completed.Add(1)
	}()
	task()
}

// Close stops admission. Queued tasks still run; use Wait to join the
// workers.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return // Already closed
	}
	close(p.quit)
	// Wait out submitters that passed the closed check.
	p.mu.Lock()
	close(p.stop)
	p.mu.Unlock()
}

// Wait blocks until every worker has exited or ctx ends.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Saturation returns the fraction of the queue in use.
func (p *WorkerPool) Saturation() float64 {
	return float64(len(p.tasks)) / float64(cap(p.tasks))
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	workers := int(p.workers.Load())
	busy := int(p.busy.Load())
	idle := workers - busy
	if idle < 0 {
		idle = 0
	}
	return WorkerPoolStats{
		Workers:       workers,
		Busy:          busy,
		Idle:          idle,
		MaxWorkers:    p.cfg.MaxWorkers,
		Queued:        len(p.tasks),
		QueueCapacity: cap(p.tasks),
		Submitted:     p.stats.submitted.Load(),
		Completed:     p.stats.completed.Load(),
		Failed:        p.stats.failed.Load(),
		Rejected:      p.stats.rejected.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Idle          int    `json:"idle"`
	MaxWorkers    int    `json:"max_workers"`
	Queued        int    `json:"queued"`
	QueueCapacity int    `json:"queue_capacity"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}
