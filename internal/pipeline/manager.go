package pipeline

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Manager owns at most maxPipelines worker loops for one provider at a time.
// All state changes go through mu; tasks run outside of it.
type Manager[T Task] struct {
	maxPipelines int

	mu          sync.Mutex
	scope       context.Context
	cancelScope context.CancelCauseFunc
	provider    Provider[T]
	pipelines   map[int64]*Pipeline
	nextID      int64
}

// NewManager creates a stopped manager. maxPipelines below one is treated as one.
func NewManager[T Task](maxPipelines int) *Manager[T] {
	if maxPipelines < 1 {
		maxPipelines = 1
	}
	return &Manager[T]{
		maxPipelines: maxPipelines,
		pipelines:    make(map[int64]*Pipeline),
	}
}

// Start binds the provider, opens a new cancellation scope under ctx and spawns the
// first pipelines. Starting an already started manager fails with ErrAlreadyStarted.
func (m *Manager[T]) Start(ctx context.Context, provider Provider[T]) error {
	m.mu.Lock()
	if m.provider != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.scope, m.cancelScope = context.WithCancelCause(ctx)
	m.provider = provider
	m.mu.Unlock()

	log.WithField("maxPipelines", m.maxPipelines).Info("Pipeline manager started")
	m.StartPipelines()
	return nil
}

// Stop clears the provider and cancels every pipeline with ErrStopped. Safe to call
// repeatedly.
func (m *Manager[T]) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil {
		return
	}
	m.provider = nil
	m.cancelScope(ErrStopped)
	log.Info("Pipeline manager stopped")
}

// Started reports whether a provider is bound.
func (m *Manager[T]) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider != nil
}

// StartPipelines tops the pool up to maxPipelines and returns how many loops it
// spawned. It does nothing while the manager is stopped.
func (m *Manager[T]) StartPipelines() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil || m.scope.Err() != nil {
		return 0
	}
	m.prune()

	need := m.maxPipelines - len(m.pipelines)
	for i := 0; i < need; i++ {
		m.nextID++
		ctx, cancel := context.WithCancelCause(m.scope)
		p := &Pipeline{ID: m.nextID, cancel: cancel, done: make(chan struct{})}
		m.pipelines[p.ID] = p
		go m.run(ctx, p, m.provider)
	}
	if need > 0 {
		log.WithFields(log.Fields{"started": need, "running": len(m.pipelines)}).Debug("Started pipelines")
		return need
	}
	return 0
}

// StopPipelines stops every running pipeline. When immediately is true the loops
// are cancelled with ErrStopped; otherwise each finishes its current task and exits.
func (m *Manager[T]) StopPipelines(immediately bool) {
	if immediately {
		m.CancelPipelines(ErrStopped)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	for _, p := range m.pipelines {
		p.draining.Store(true)
	}
	log.WithField("pipelines", len(m.pipelines)).Debug("Draining pipelines")
}

// CancelPipelines cancels every running pipeline with the given cause. Tasks
// interrupted this way are reported as cancelled by stop only if cause is ErrStopped.
func (m *Manager[T]) CancelPipelines(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	for _, p := range m.pipelines {
		p.cancel(cause)
	}
	log.WithFields(log.Fields{"pipelines": len(m.pipelines), "cause": cause}).Debug("Cancelled pipelines")
}

// StopPipeline cancels one pipeline with ErrStopped. It returns false when no such
// pipeline is running.
func (m *Manager[T]) StopPipeline(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	p, ok := m.pipelines[id]
	if !ok {
		return false
	}
	p.cancel(ErrStopped)
	log.WithField("pipeline", id).Debug("Stopped pipeline")
	return true
}

// Running returns the number of loops that have not exited.
func (m *Manager[T]) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.pipelines)
}

// Wait blocks until every loop has exited or ctx is done.
func (m *Manager[T]) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		m.prune()
		pending := make([]*Pipeline, 0, len(m.pipelines))
		for _, p := range m.pipelines {
			pending = append(pending, p)
		}
		m.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		for _, p := range pending {
			select {
			case <-p.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// prune drops finished pipelines. Callers hold mu.
func (m *Manager[T]) prune() {
	for id, p := range m.pipelines {
		if p.Finished() {
			delete(m.pipelines, id)
		}
	}
}

func (m *Manager[T]) run(ctx context.Context, p *Pipeline, provider Provider[T]) {
	defer close(p.done)
	defer p.cancel(nil)

	logger := log.WithField("pipeline", p.ID)
	logger.Debug("Pipeline starting")

	for ctx.Err() == nil && !p.draining.Load() {
		task, err := provider.NextTask(ctx, p.ID)
		if err != nil {
			if errors.Is(err, ErrNoTask) {
				logger.Debug("No more tasks, pipeline ending")
			} else if ctx.Err() == nil {
				logger.WithError(err).Error("Failed to get next task")
			}
			return
		}

		runErr := task.Run(ctx)
		callbackCtx := context.WithoutCancel(ctx)

		if runErr != nil && ctx.Err() != nil {
			cause := context.Cause(ctx)
			logger.WithFields(log.Fields{"cause": cause, "byStop": errors.Is(cause, ErrStopped)}).Info("Task cancelled")
			provider.TaskCancelled(callbackCtx, task, cause)
			return
		}
		provider.TaskCompleted(callbackCtx, task, runErr)
	}
	logger.Debug("Pipeline finished")
}
