package work

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// task is the function-backed Executor implementation.
type task[T any] struct {
	id      string
	execute func(ctx context.Context) (T, error)
	timeout time.Duration
}

// TaskOption configures a task.
type TaskOption[T any] func(*task[T])

// WithID sets a custom ID for the task.
func WithID[T any](id string) TaskOption[T] {
	return func(t *task[T]) {
		t.id = id
	}
}

// WithTimeout sets a per-task timeout overriding the pool default.
func WithTimeout[T any](timeout time.Duration) TaskOption[T] {
	return func(t *task[T]) {
		t.timeout = timeout
	}
}

// NewTask wraps a function as an Executor with a generated V7 UUID.
func NewTask[T any](execute func(ctx context.Context) (T, error), options ...TaskOption[T]) (Executor[T], error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	t := &task[T]{
		id:      id.String(),
		execute: execute,
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

func (t *task[T]) ExecutorID() string {
	return t.id
}

func (t *task[T]) Execute(ctx context.Context) (T, error) {
	return t.execute(ctx)
}

func (t *task[T]) Timeout() time.Duration {
	return t.timeout
}
