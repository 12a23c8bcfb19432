// Package workers provides a bounded task pool with panic recovery,
// used to fan out Monte Carlo iteration batches.
package workers

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed.
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Config configures the worker pool.
type Config struct {
	Name       string // pool name for logging
	NumWorkers int    // number of worker goroutines
	QueueSize  int    // size of the task queue
}

// DefaultConfig returns sensible defaults sized to the host.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  1024,
	}
}

// Pool manages a fixed set of worker goroutines. Stop drains the queue:
// tasks already submitted still run before workers exit.
type Pool struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	queue   chan Task
	running atomic.Bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}

// Errors returned by Submit.
var (
	ErrPoolStopped = &PoolError{Message: "pool is stopped"}
	ErrQueueFull   = &PoolError{Message: "task queue is full"}
)

// PoolError represents a pool error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Recovered)
}

// NewPool creates a worker pool; call Start before submitting.
func NewPool(logger *zap.Logger, config *Config) *Pool {
	if config == nil {
		config = DefaultConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	return &Pool{
		logger: logger.Named("workers"),
		config: config,
		queue:  make(chan Task, config.QueueSize),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.logger.Error("worker recovered from panic",
					zap.Int("worker_id", id),
					zap.Any("panic", r),
				)
				err = &PanicError{Recovered: r}
			}
		}()
		err = task.Execute()
	}()
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed", zap.Int("worker_id", id), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task, failing fast when the pool is stopped or the
// queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a plain function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait submits a task and blocks until it has run, returning the
// task's own error. A panicking task surfaces as a PanicError instead of
// leaving the caller blocked.
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	err := p.Submit(TaskFunc(func() (e error) {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.logger.Error("worker recovered from panic", zap.Any("panic", r))
				e = &PanicError{Recovered: r}
			}
			done <- e
		}()
		e = task.Execute()
		return e
	}))
	if err != nil {
		return err
	}
	return <-done
}

// Stop rejects new work, drains queued tasks and waits for the workers
// to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running.Swap(false) {
		p.mu.Unlock()
		return
	}
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug("worker pool stopped", zap.String("name", p.config.Name))
}

// IsRunning reports whether the pool accepts work.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// QueueLength returns the number of queued tasks.
func (p *Pool) QueueLength() int { return len(p.queue) }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
