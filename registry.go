package backfill

import (
	"context"
	"sync"
)

// task is one background execution.
type task struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// taskRegistry tracks the background executions of this process so they
// can be cancelled and awaited on shutdown.
type taskRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]*task)}
}

// start runs fn in a goroutine under a context derived from parent. It
// returns false if the registry is closed or the job already has a task.
func (r *taskRegistry) start(parent context.Context, jobID string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, exists := r.tasks[jobID]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	t := &task{jobID: jobID, cancel: cancel, done: make(chan struct{})}
	r.tasks[jobID] = t
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer close(t.done)
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.tasks, jobID)
			r.mu.Unlock()
		}()
		fn(ctx)
	}()
	return true
}

// done returns the completion channel of a job's task, or nil if none runs.
func (r *taskRegistry) done(jobID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[jobID]; ok {
		return t.done
	}
	return nil
}

func (r *taskRegistry) running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	return ids
}

// close refuses new tasks, cancels the running ones and waits for them.
func (r *taskRegistry) close() {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
