package sagalite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/retrypool"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sasha-s/go-deadlock"
)

// inFlightKey identifies one dispatched step across all sagas.
type inFlightKey struct {
	sagaID SagaID
	stepID StepID
}

// stepDispatch is the unit of work handed to the invocation pool.
type stepDispatch struct {
	saga           *Saga
	stepID         StepID
	worker         Worker
	args           []any
	dependencyArgs []any
}

// invocationWorker runs worker callbacks on the retrypool.
type invocationWorker struct {
	id int
	qm *queueManager
}

func (w *invocationWorker) Run(ctx context.Context, task *stepDispatch) error {
	task.worker.Handle(ctx, Job{
		Saga:           task.saga,
		StepID:         task.stepID,
		Args:           task.args,
		DependencyArgs: task.dependencyArgs,
	})
	return nil
}

// queueManager owns the periodic scheduling tick: it scans registered sagas,
// promotes Queued steps into in-flight slots up to a process-wide capacity,
// hands them to the invocation pool and reaps slots whose step left Running.
// A tick never runs re-entrantly; an overlapping firing is dropped, not
// queued up.
type queueManager struct {
	ctx     context.Context
	logger  Logger
	workers *workerRegistry
	cfg     queueConfig

	mu    deadlock.RWMutex
	sagas map[SagaID]*Saga

	claimMu  deadlock.Mutex
	inFlight mapset.Set[inFlightKey]

	ticking atomic.Bool
	wakeCh  chan struct{}
	pool    *retrypool.Pool[*stepDispatch]

	loopMu     deadlock.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func newQueueManager(ctx context.Context, workers *workerRegistry, cfg queueConfig, logger Logger) *queueManager {
	qm := &queueManager{
		ctx:      ctx,
		logger:   logger,
		workers:  workers,
		cfg:      cfg,
		sagas:    make(map[SagaID]*Saga),
		inFlight: mapset.NewSet[inFlightKey](),
		wakeCh:   make(chan struct{}, 1),
	}

	poolWorkers := make([]retrypool.Worker[*stepDispatch], cfg.poolWorkers)
	for i := 0; i < cfg.poolWorkers; i++ {
		poolWorkers[i] = &invocationWorker{id: i, qm: qm}
	}
	qm.pool = retrypool.New(ctx, poolWorkers,
		retrypool.WithAttempts[*stepDispatch](1),
		retrypool.WithPanicHandler[*stepDispatch](qm.onInvocationPanic),
	)

	return qm
}

// onInvocationPanic fails the step whose worker panicked so the saga cascade
// still runs.
func (qm *queueManager) onInvocationPanic(task *stepDispatch, v interface{}, stackTrace string) {
	qm.logger.Error(qm.ctx, "worker panicked", "sagaID", task.saga.ID(), "stepID", task.stepID, "panic", v, "stackTrace", stackTrace)
	if err := task.saga.StepFailed(qm.ctx, task.stepID); err != nil {
		qm.logger.Error(qm.ctx, "failed to fail step after worker panic", "sagaID", task.saga.ID(), "stepID", task.stepID, "error", err)
	}
}

// register adds a saga to the scheduling scan and wires its wake signal.
func (qm *queueManager) register(saga *Saga) {
	qm.mu.Lock()
	qm.sagas[saga.ID()] = saga
	qm.mu.Unlock()
	saga.setWake(qm.wake)
	qm.wake()
}

func (qm *queueManager) deregister(id SagaID) {
	qm.mu.Lock()
	delete(qm.sagas, id)
	qm.mu.Unlock()
}

// Registered returns the ids of sagas currently in the scheduling scan.
func (qm *queueManager) Registered() []SagaID {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	ids := make([]SagaID, 0, len(qm.sagas))
	for id := range qm.sagas {
		ids = append(ids, id)
	}
	return ids
}

// InFlight returns the number of claimed in-flight slots.
func (qm *queueManager) InFlight() int {
	return qm.inFlight.Cardinality()
}

// start launches the tick loop. Safe to call after stop; a running loop is
// left alone.
func (qm *queueManager) start() {
	qm.loopMu.Lock()
	defer qm.loopMu.Unlock()
	if qm.loopCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(qm.ctx)
	qm.loopCancel = cancel
	qm.loopDone = make(chan struct{})
	go qm.run(loopCtx, qm.loopDone)
}

// stop cancels further ticks. Already-dispatched workers keep running and
// Queued steps stay Queued across a stop/start cycle.
func (qm *queueManager) stop() {
	qm.loopMu.Lock()
	defer qm.loopMu.Unlock()
	if qm.loopCancel == nil {
		return
	}
	qm.loopCancel()
	<-qm.loopDone
	qm.loopCancel = nil
	qm.loopDone = nil
}

func (qm *queueManager) close() {
	qm.stop()
	qm.pool.Close()
}

func (qm *queueManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(qm.cfg.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qm.tick(ctx)
		case <-qm.wakeCh:
			qm.tick(ctx)
		}
	}
}

// wake requests an immediate extra pass. Same-process completions ping this
// so steps don't wait out the polling interval; the ticker remains the
// correctness backstop.
func (qm *queueManager) wake() {
	select {
	case qm.wakeCh <- struct{}{}:
	default:
	}
}

// tick runs one scan over all registered sagas. Each saga is handled on its
// own goroutine; a store failure in one saga never blocks the others.
func (qm *queueManager) tick(ctx context.Context) {
	if !qm.ticking.CompareAndSwap(false, true) {
		qm.logger.Debug(ctx, "tick already running, dropping")
		return
	}
	defer qm.ticking.Store(false)

	qm.mu.RLock()
	sagas := make([]*Saga, 0, len(qm.sagas))
	for _, saga := range qm.sagas {
		sagas = append(sagas, saga)
	}
	qm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, saga := range sagas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := qm.tickSaga(ctx, saga); err != nil {
				qm.logger.Error(ctx, "tick failed for saga", "sagaID", saga.ID(), "error", err)
			}
		}()
	}
	wg.Wait()
}

func (qm *queueManager) tickSaga(ctx context.Context, saga *Saga) error {
	status, err := saga.Status(ctx)
	if err != nil {
		return err
	}
	records, err := saga.loadSteps(ctx)
	if err != nil {
		return err
	}

	compensators := make(map[string]bool)
	for _, record := range records {
		if record.CompensatorID != "" {
			compensators[record.CompensatorID] = true
		}
	}

	// Reap slots whose step left Running: the worker finished, failed, or
	// the step was rolled back out from under it.
	sagaInFlight := 0
	for _, record := range records {
		key := inFlightKey{sagaID: saga.ID(), stepID: StepID(record.ID)}
		if !qm.inFlight.Contains(key) {
			continue
		}
		if record.Status != StepStatusRunning {
			qm.inFlight.Remove(key)
			qm.logger.Debug(ctx, "in-flight slot released", "sagaID", saga.ID(), "stepID", record.ID, "status", record.Status)
			continue
		}
		sagaInFlight++
	}

	// A terminal saga still dispatches its queued compensators; everything
	// else stays frozen. It leaves the scan once nothing of its own is in
	// flight and no compensator remains queued.
	if status.Terminal() {
		queuedCompensators := 0
		if status == SagaStatusFailed {
			for _, record := range records {
				if record.Status != StepStatusQueued || !compensators[record.ID] {
					continue
				}
				queuedCompensators++
				qm.dispatch(ctx, saga, record)
			}
		}
		if sagaInFlight == 0 && queuedCompensators == 0 {
			qm.deregister(saga.ID())
			qm.logger.Debug(ctx, "terminal saga deregistered", "sagaID", saga.ID(), "status", status)
		}
		return nil
	}

	for _, record := range records {
		if record.Status != StepStatusQueued {
			continue
		}
		qm.dispatch(ctx, saga, record)
	}
	return nil
}

// dispatch claims an in-flight slot for a queued step, flips it to Running
// and hands it to the invocation pool. The worker is not awaited; completion
// arrives out-of-band through the saga. Reports whether the step was handed
// to the pool or failed for an unknown worker.
func (qm *queueManager) dispatch(ctx context.Context, saga *Saga, record *stepRecord) bool {
	key := inFlightKey{sagaID: saga.ID(), stepID: StepID(record.ID)}
	if qm.inFlight.Contains(key) {
		return false
	}

	qm.claimMu.Lock()
	if qm.inFlight.Cardinality() >= qm.cfg.capacity {
		qm.claimMu.Unlock()
		qm.logger.Debug(ctx, "capacity reached, step stays queued", "sagaID", saga.ID(), "stepID", record.ID)
		return false
	}
	qm.inFlight.Add(key)
	qm.claimMu.Unlock()

	worker, ok := qm.workers.get(record.WorkerName)
	if !ok {
		qm.inFlight.Remove(key)
		resolveErr := fmt.Errorf("%w: %s", ErrUnknownWorker, record.WorkerName)
		if !qm.cfg.failSagaOnUnknownWorker {
			qm.logger.Warn(ctx, "step stays queued", "sagaID", saga.ID(), "stepID", record.ID, "error", resolveErr)
			return false
		}
		qm.logger.Error(ctx, "failing saga", "sagaID", saga.ID(), "stepID", record.ID, "error", resolveErr)
		if err := saga.StepFailed(ctx, StepID(record.ID)); err != nil {
			qm.logger.Error(ctx, "failed to fail step for unknown worker", "sagaID", saga.ID(), "stepID", record.ID, "error", err)
		}
		return true
	}

	step := saga.step(StepID(record.ID))
	if err := step.dispatch(ctx); err != nil {
		qm.inFlight.Remove(key)
		qm.logger.Error(ctx, "failed to mark step running", "sagaID", saga.ID(), "stepID", record.ID, "error", err)
		return false
	}

	task := &stepDispatch{
		saga:           saga,
		stepID:         StepID(record.ID),
		worker:         worker,
		args:           record.Args,
		dependencyArgs: record.DependencyArgs,
	}
	if err := qm.pool.Submit(task); err != nil {
		qm.inFlight.Remove(key)
		qm.logger.Error(ctx, "failed to dispatch step to pool", "sagaID", saga.ID(), "stepID", record.ID, "error", err)
		return false
	}

	qm.logger.Debug(ctx, "step dispatched", "sagaID", saga.ID(), "stepID", record.ID, "workerName", record.WorkerName)
	return true
}
