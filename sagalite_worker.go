package sagalite

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// Job is what a worker receives when its step is dispatched. Args were fixed
// at step creation; DependencyArgs are the results of the step's dependencies
// in declared order. The worker must eventually call Saga.StepFinished or
// Saga.StepFailed with StepID exactly once per dispatch — until it does, the
// step stays Running and holds its in-flight slot.
type Job struct {
	Saga           *Saga
	StepID         StepID
	Args           []any
	DependencyArgs []any
}

// Worker executes steps dispatched under its name. Handle may complete
// synchronously or hand off; its return is not awaited by the scheduler.
type Worker interface {
	Name() string
	Handle(ctx context.Context, job Job)
}

// WorkerFunc adapts a function into a Worker via NewWorker.
type WorkerFunc func(ctx context.Context, job Job)

type funcWorker struct {
	name string
	fn   WorkerFunc
}

func NewWorker(name string, fn WorkerFunc) Worker {
	return &funcWorker{name: name, fn: fn}
}

func (w *funcWorker) Name() string {
	return w.name
}

func (w *funcWorker) Handle(ctx context.Context, job Job) {
	w.fn(ctx, job)
}

// workerRegistry is the process-local name to worker map.
type workerRegistry struct {
	mu      deadlock.RWMutex
	workers map[string]Worker
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{workers: make(map[string]Worker)}
}

func (r *workerRegistry) add(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Name()] = w
}

func (r *workerRegistry) get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}
