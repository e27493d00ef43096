// Package workerpool provides a bounded worker pool for controlled concurrency.
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

// ErrClosed is returned by Submit after Stop
var ErrClosed = errors.New("worker pool is stopped")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Index   int
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Index    int
	Data     interface{}
	Err      error
	Attempts int
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after a failure
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// ShouldRetry decides whether a failure is worth another attempt. Nil
	// retries every error.
	ShouldRetry func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		QueueSize:  256,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config   Config
	fn       WorkerFunc
	logger   *zap.Logger
	onResult func(*Result)

	tasks  chan *Task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
	}, nil
}

// OnResult registers f to receive every result. It must be called before
// Start and f must be safe for concurrent use.
func (p *Pool) OnResult(f func(*Result)) {
	p.onResult = f
}

// Start launches all workers. Cancelling ctx abandons queued tasks.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	}
}

// Stop waits for queued tasks to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		result := p.process(ctx, task)
		if result.Err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		if p.onResult != nil {
			p.onResult(result)
		}
	}
}

func (p *Pool) process(ctx context.Context, task *Task) *Result {
	result := &Result{TaskID: task.ID, Index: task.Index}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		result.Attempts = attempt + 1
		result.Data, result.Err = p.fn(ctx, task)
		if result.Err == nil || attempt >= p.config.MaxRetries {
			return result
		}
		if p.config.ShouldRetry != nil && !p.config.ShouldRetry(result.Err) {
			return result
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Map runs fn over tasks on a fresh pool and returns the results in task
// order. Task indexes are assigned by position.
func Map(ctx context.Context, cfg Config, tasks []*Task, fn WorkerFunc, logger *zap.Logger) ([]*Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if cfg.QueueSize <= 0 || cfg.QueueSize > len(tasks) {
		cfg.QueueSize = len(tasks)
	}
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(tasks))
	pool.OnResult(func(r *Result) {
		results[r.Index] = r
	})
	pool.Start(ctx)

	var submitErr error
	for i, task := range tasks {
		task.Index = i
		if err := pool.Submit(ctx, task); err != nil {
			submitErr = err
			break
		}
	}
	pool.Stop()

	for i, r := range results {
		if r == nil {
			results[i] = &Result{TaskID: tasks[i].ID, Index: i, Err: submitErr}
		}
	}
	return results, submitErr
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     len(p.tasks),
		Workers:        p.config.Workers,
	}
}
