package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
)

var (
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrInvalidChannelSize = errors.New("invalid channel size")
	ErrPoolStopped        = errors.New("worker pool has been stopped")
	ErrTaskTimeout        = errors.New("task execution timeout")
	ErrQueueFull          = errors.New("task queue is full")
)

// TaskResult carries the outcome of one sub-step execution.
type TaskResult[T any] struct {
	TaskID    string
	Result    T
	Error     error
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// IsSuccess returns true if the task completed successfully.
func (tr *TaskResult[T]) IsSuccess() bool {
	return tr.Error == nil
}

// Executor is one schedulable sub-step of a job.
type Executor[T any] interface {
	ExecutorID() string
	Execute(ctx context.Context) (T, error)
	Timeout() time.Duration // 0 means use the pool default
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	NumWorkers      int
	TaskChannelSize int
	ResultChanSize  int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ConfigFromCalibration sizes a pool from the bounds computed once at job
// start. Fan-out never exceeds the calibrated worker count.
func ConfigFromCalibration(cal job.Calibration) PoolConfig {
	workers := cal.PoolWorkers
	if workers < 1 {
		workers = 1
	}
	queue := cal.BatchSize
	if queue < workers {
		queue = workers
	}
	return PoolConfig{
		NumWorkers:      workers,
		TaskChannelSize: queue,
		ResultChanSize:  queue,
		TaskTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Pool is a bounded generic worker pool for a job's concurrent sub-steps.
type Pool[T any] struct {
	config  PoolConfig
	tasks   chan Executor[T]
	results chan TaskResult[T]
	quit    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	tasksQueued    int64
	tasksCompleted int64

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool from an explicit configuration.
func NewPool[T any](config PoolConfig) (*Pool[T], error) {
	if config.NumWorkers <= 0 {
		return nil, ErrInvalidWorkerCount
	}
	if config.TaskChannelSize < 0 {
		return nil, ErrInvalidChannelSize
	}
	if config.ResultChanSize <= 0 {
		config.ResultChanSize = config.NumWorkers * 2
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 2 * time.Minute
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Pool[T]{
		config:  config,
		tasks:   make(chan Executor[T], config.TaskChannelSize),
		results: make(chan TaskResult[T], config.ResultChanSize),
		quit:    make(chan struct{}),
	}, nil
}

// Start launches the worker goroutines.
func (p *Pool[T]) Start(ctx context.Context, poolID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.startOnce.Do(func() {
		p.started = true
		for i := 0; i < p.config.NumWorkers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, poolID, i)
		}
		log.Debug().Str("poolID", poolID).Int("numWorkers", p.config.NumWorkers).Msg("worker pool started")
	})
}

// Stop closes the task channel and waits for workers up to ShutdownTimeout.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() {
		close(p.quit)
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.config.ShutdownTimeout):
			log.Warn().Dur("timeout", p.config.ShutdownTimeout).Msg("worker pool shutdown timeout exceeded")
		}

		close(p.results)
	})
}

// Submit queues a task, blocking until there is room, the pool stops or the
// context is done.
func (p *Pool[T]) Submit(ctx context.Context, task Executor[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.tasksQueued, 1)
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
func (p *Pool[T]) TrySubmit(task Executor[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.tasksQueued, 1)
		return nil
	case <-p.quit:
		return ErrPoolStopped
	default:
		return ErrQueueFull
	}
}

// Results returns the results channel. It is closed after Stop.
func (p *Pool[T]) Results() <-chan TaskResult[T] {
	return p.results
}

// Stats returns queue counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		TasksQueued:    atomic.LoadInt64(&p.tasksQueued),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksInQueue:   int64(len(p.tasks)),
	}
}

// PoolStats holds statistics about the pool.
type PoolStats struct {
	TasksQueued    int64
	TasksCompleted int64
	TasksInQueue   int64
}

func (p *Pool[T]) worker(ctx context.Context, poolID string, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, task, poolID, workerID)
		}
	}
}

func (p *Pool[T]) execute(ctx context.Context, task Executor[T], poolID string, workerID int) {
	taskID := task.ExecutorID()
	startTime := time.Now()

	timeout := p.config.TaskTimeout
	if t := task.Timeout(); t > 0 {
		timeout = t
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := task.Execute(taskCtx)
	endTime := time.Now()

	if err != nil && (errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() == context.DeadlineExceeded) {
		err = ErrTaskTimeout
	}

	taskResult := TaskResult[T]{
		TaskID:    taskID,
		Result:    result,
		Error:     err,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
	}

	// Delivery blocks until the consumer drains or the pool shuts down; a
	// result is never silently dropped.
	select {
	case p.results <- taskResult:
	case <-p.quit:
	}

	atomic.AddInt64(&p.tasksCompleted, 1)

	log.Debug().
		Str("poolID", poolID).
		Int("workerID", workerID).
		Str("taskID", taskID).
		Dur("duration", taskResult.Duration).
		Bool("success", err == nil).
		Msg("sub-step finished")
}
