// Package pipeline runs a bounded pool of worker loops that pull tasks from a
// Provider and report every outcome back to it.
//
// Each pipeline repeats claim -> run -> report until the provider has no more work,
// the pipeline is drained, or its context is cancelled. Cancellation carries a cause
// that is handed to the provider unchanged: ErrStopped marks an explicit stop, and
// the provider applies its retry policy to anything else.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
)

// Pipeline errors
var (
	ErrAlreadyStarted = errors.New("pipeline manager already started")
	ErrNoTask         = errors.New("no task available")
	ErrStopped        = errors.New("pipeline stopped")
)

// Task is a unit of work executed by one pipeline. Run must return promptly once
// ctx is cancelled.
type Task interface {
	Run(ctx context.Context) error
}

// Provider hands out tasks and receives their outcome. Callbacks get a context that
// is not cancelled by the teardown that triggered them.
type Provider[T Task] interface {
	// NextTask returns the next task or an error wrapping ErrNoTask when the
	// pipeline should end.
	NextTask(ctx context.Context, pipelineID int64) (T, error)
	// TaskCompleted reports a task that returned on its own; err is nil on success.
	TaskCompleted(ctx context.Context, task T, err error)
	// TaskCancelled reports a task interrupted by cancellation. cause is the cause
	// of the pipeline context; errors.Is(cause, ErrStopped) means an explicit stop.
	TaskCancelled(ctx context.Context, task T, cause error)
}

// Pipeline identifies one running worker loop.
type Pipeline struct {
	ID       int64
	cancel   context.CancelCauseFunc
	done     chan struct{}
	draining atomic.Bool
}

// Finished reports whether the loop has exited.
func (p *Pipeline) Finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the loop exits.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
