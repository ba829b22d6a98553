// Package sagalite is a persisted saga orchestrator. A saga is a DAG of
// steps, each executed by a named worker with an optional compensator that
// undoes the step after a failure. Every saga and step is written through a
// pluggable key/value store, so progress survives process restarts; a
// periodic scheduling tick advances the state machines and dispatches ready
// steps onto a bounded local pool.
//
//	store, _ := sagalite.NewMemoryStore()
//	tp, _ := sagalite.New(ctx, store, "orders")
//	tp.RegisterWorker(sagalite.NewWorker("charge", chargeFn))
//	saga, _ := tp.CreateSaga(ctx)
//	step, _ := saga.AddStep(ctx, "charge", []any{"order-1"})
//	step.CompensateWith(ctx, "refund", nil)
//	saga.Start(ctx)
//
// Workers signal completion out-of-band by calling Saga.StepFinished or
// Saga.StepFailed; a failure rolls back every finished step and enqueues the
// attached compensators.
package sagalite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Sagalite is the orchestrator: saga factory, worker registry and lifecycle
// owner of the scheduling tick.
type Sagalite struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger

	rc      *recordClient
	workers *workerRegistry
	qm      *queueManager

	mu    deadlock.RWMutex
	sagas map[SagaID]*Saga

	closeOnce sync.Once
}

// New builds an orchestrator over a store and namespace and starts its tick.
func New(ctx context.Context, store Store, namespace string, opts ...sagaliteOption) (*Sagalite, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	cfg := sagaliteConfig{
		queue: queueConfig{
			capacity:                25,
			tickInterval:            time.Second,
			failSagaOnUnknownWorker: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger()
	}
	if cfg.queue.poolWorkers <= 0 {
		cfg.queue.poolWorkers = cfg.queue.capacity
	}

	ctx, cancel := context.WithCancel(ctx)

	tp := &Sagalite{
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.logger,
		rc:      newRecordClient(store, namespace, cfg.randomIDs, cfg.logger),
		workers: newWorkerRegistry(),
		sagas:   make(map[SagaID]*Saga),
	}
	tp.qm = newQueueManager(ctx, tp.workers, cfg.queue, cfg.logger)

	tp.logger.Debug(ctx, "starting queue manager", "namespace", namespace, "capacity", cfg.queue.capacity, "tickInterval", cfg.queue.tickInterval)
	tp.qm.start()

	return tp, nil
}

// CreateSaga persists a new saga and registers it for scheduling.
func (tp *Sagalite) CreateSaga(ctx context.Context) (*Saga, error) {
	saga, err := createSaga(ctx, tp.rc, tp.logger)
	if err != nil {
		return nil, err
	}

	tp.mu.Lock()
	tp.sagas[saga.ID()] = saga
	tp.mu.Unlock()
	tp.qm.register(saga)

	return saga, nil
}

// RegisterWorker adds a worker to the process-local registry.
func (tp *Sagalite) RegisterWorker(w Worker) {
	tp.workers.add(w)
	tp.logger.Debug(tp.ctx, "worker registered", "workerName", w.Name())
	tp.qm.wake()
}

// RegisterWorkers adds several workers at once.
func (tp *Sagalite) RegisterWorkers(ws ...Worker) {
	for _, w := range ws {
		tp.RegisterWorker(w)
	}
}

// GetSaga looks a saga handle up in the in-memory registry.
func (tp *Sagalite) GetSaga(id SagaID) (*Saga, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	saga, ok := tp.sagas[id]
	return saga, ok
}

// GetWorker looks a worker up by name.
func (tp *Sagalite) GetWorker(name string) (Worker, bool) {
	return tp.workers.get(name)
}

// Start resumes the tick loop after a Stop.
func (tp *Sagalite) Start() {
	tp.qm.start()
}

// Stop halts further ticks. Dispatched workers keep running; Queued steps
// stay Queued until the next Start.
func (tp *Sagalite) Stop() {
	tp.qm.stop()
}

// InFlight returns the number of steps currently holding in-flight slots.
func (tp *Sagalite) InFlight() int {
	return tp.qm.InFlight()
}

// ScheduledSagas returns the ids the queue manager is currently scanning.
func (tp *Sagalite) ScheduledSagas() []SagaID {
	return tp.qm.Registered()
}

// RestorePreviousState re-registers every persisted non-terminal saga with
// the queue manager, typically right after constructing an orchestrator over
// an existing namespace. Workers must be re-registered by the host before
// their steps can progress.
func (tp *Sagalite) RestorePreviousState(ctx context.Context) ([]*Saga, error) {
	ids, err := tp.rc.getIDs(ctx, tableSaga)
	if err != nil {
		return nil, err
	}
	raws, err := tp.rc.getMultiple(ctx, tableSaga, ids)
	if err != nil {
		return nil, err
	}

	restored := []*Saga{}
	for i, raw := range raws {
		if raw == nil {
			return nil, fmt.Errorf("%w: %s[%s]", ErrRecordNotFound, tableSaga, ids[i])
		}
		var record sagaRecord
		if err := decodeInto(raw, &record); err != nil {
			return nil, err
		}
		if record.Status.Terminal() {
			continue
		}

		saga := newSagaHandle(SagaID(record.ID), tp.rc, tp.logger)
		tp.mu.Lock()
		tp.sagas[saga.ID()] = saga
		tp.mu.Unlock()
		tp.qm.register(saga)
		restored = append(restored, saga)

		tp.logger.Debug(ctx, "saga restored", "sagaID", saga.ID(), "status", record.Status)
	}
	return restored, nil
}

// Drain blocks until the queue manager has no saga left to schedule, or the
// context ends. Useful for run-to-completion hosts and tests.
func (tp *Sagalite) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(tp.qm.Registered()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tp.ctx.Done():
			return tp.ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels outstanding work, stops the tick loop and shuts the
// invocation pool down. Safe to call more than once.
func (tp *Sagalite) Close() {
	tp.closeOnce.Do(func() {
		tp.logger.Debug(tp.ctx, "closing orchestrator")
		tp.cancel()
		tp.qm.close()
	})
}
