// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work
type Task struct {
	ID  string
	Run func(ctx context.Context) error

	done func(Result)
}

// Result is the outcome of a task after its retries
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is how many times a failed task is re-run
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for per-user reminder evaluation
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config Config
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	stopMu  sync.RWMutex

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Call Start before submitting
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped.Load() {
		return ErrStopped
	}

	select {
	case p.tasks <- &task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// RunAll queues tasks and waits for every one of them to finish. Results are
// in the order of tasks
func (p *Pool) RunAll(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var wg sync.WaitGroup

	for i := range tasks {
		t := tasks[i]
		t.done = func(r Result) {
			results[i] = r
			wg.Done()
		}
		wg.Add(1)
		if err := p.Submit(ctx, t); err != nil {
			results[i] = Result{TaskID: t.ID, Err: err}
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

// Stop stops accepting tasks and waits for queued ones to drain
func (p *Pool) Stop() {
	p.stopMu.Lock()
	if p.stopped.Swap(true) {
		p.stopMu.Unlock()
		return
	}
	close(p.tasks)
	p.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		res := p.run(task)
		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.completed.Add(1)
		}
		if task.done != nil {
			task.done(res)
		}
	}
}

func (p *Pool) run(task *Task) Result {
	var err error
	attempt := 0
	for ; attempt <= p.config.MaxRetries; attempt++ {
		if err = p.ctx.Err(); err != nil {
			break
		}
		if err = task.Run(p.ctx); err == nil {
			return Result{TaskID: task.ID, Attempts: attempt + 1}
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-p.ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return Result{
		TaskID:   task.ID,
		Attempts: attempt + 1,
		Err:      fmt.Errorf("task %s: %w", task.ID, err),
	}
}

// Stats holds pool counters
type Stats struct {
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		QueueDepth: len(p.tasks),
		Workers:    p.config.Workers,
	}
}
