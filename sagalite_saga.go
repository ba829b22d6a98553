package sagalite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

// Saga is a handle over one persisted saga and its step table. Mutating
// methods serialize behind a per-saga mutex so worker callbacks and the
// scheduler never interleave on the same saga.
type Saga struct {
	id     SagaID
	rc     *recordClient
	logger Logger

	mu   deadlock.Mutex
	wake func()
}

func newSagaHandle(id SagaID, rc *recordClient, logger Logger) *Saga {
	return &Saga{
		id:     id,
		rc:     rc,
		logger: logger,
		wake:   func() {},
	}
}

// setWake wires the queue manager's wake signal into this handle.
func (s *Saga) setWake(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = fn
}

// createSaga persists a fresh saga in Created and returns its handle.
func createSaga(ctx context.Context, rc *recordClient, logger Logger) (*Saga, error) {
	record, err := rc.create(ctx, tableSaga, map[string]any{
		"status": SagaStatusCreated,
	})
	if err != nil {
		return nil, err
	}
	saga := newSagaHandle(SagaID(record["id"].(string)), rc, logger)
	logger.Debug(ctx, "saga created", "sagaID", saga.id)
	return saga, nil
}

func (s *Saga) ID() SagaID {
	return s.id
}

// Status reads the persisted saga status.
func (s *Saga) Status(ctx context.Context) (SagaStatus, error) {
	if s.id == "" {
		return SagaStatusUninitialized, fmt.Errorf("%w: saga has no id", ErrUninitialized)
	}
	raw, err := s.rc.get(ctx, tableSaga, string(s.id))
	if err != nil {
		return SagaStatusUninitialized, err
	}
	var record sagaRecord
	if err := decodeInto(raw, &record); err != nil {
		return SagaStatusUninitialized, err
	}
	return record.Status, nil
}

func (s *Saga) machine() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			status, err := s.Status(ctx)
			if err != nil {
				return nil, err
			}
			return status, nil
		},
		func(ctx context.Context, state stateless.State) error {
			_, err := s.rc.update(ctx, tableSaga, string(s.id), map[string]any{"status": state})
			return err
		},
		stateless.FiringQueued,
	)

	sm.Configure(SagaStatusCreated).
		Permit(triggerStart, SagaStatusRunning)
	sm.Configure(SagaStatusRunning).
		Permit(triggerComplete, SagaStatusFinished).
		Permit(triggerFail, SagaStatusFailed)

	return sm
}

func (s *Saga) fire(ctx context.Context, t trigger) error {
	if _, err := s.Status(ctx); err != nil {
		return err
	}
	if err := s.machine().FireCtx(ctx, t); err != nil {
		if errors.Is(err, ErrStore) || errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrUninitialized) {
			return err
		}
		return fmt.Errorf("%w: saga %s cannot %s: %v", ErrIllegalTransition, s.id, t, err)
	}
	return nil
}

// step builds a handle for a step of this saga.
func (s *Saga) step(id StepID) *Step {
	return &Step{id: id, sagaID: s.id, rc: s.rc, logger: s.logger}
}

// Step returns a handle for a step id of this saga. The step is not loaded;
// operations on the handle surface ErrRecordNotFound for unknown ids.
func (s *Saga) Step(id StepID) *Step {
	return s.step(id)
}

// AddStep appends a step executed by workerName with the given args. Steps
// may only depend on handles of already-created steps of the same saga, which
// keeps the dependency graph acyclic by construction. Dependency order is
// significant: dependency results are passed to the worker positionally.
func (s *Saga) AddStep(ctx context.Context, workerName string, args []any, dependsOn ...*Step) (*Step, error) {
	if s.id == "" {
		return nil, fmt.Errorf("%w: saga has no id", ErrUninitialized)
	}
	if _, err := json.Marshal(args); err != nil {
		return nil, fmt.Errorf("%w: step args: %v", ErrEncoding, err)
	}

	depIDs := make([]string, len(dependsOn))
	for i, dep := range dependsOn {
		if dep == nil || dep.id == "" {
			return nil, fmt.Errorf("%w: dependency %d is not a created step", ErrUninitialized, i)
		}
		if dep.sagaID != s.id {
			return nil, fmt.Errorf("dependency %s belongs to saga %s, not %s", dep.id, dep.sagaID, s.id)
		}
		depIDs[i] = string(dep.id)
	}

	return createStep(ctx, s.rc, s.logger, s.id, workerName, args, depIDs, StepStatusCreated)
}

// Start moves the saga to Running and runs a first scheduling pass.
func (s *Saga) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fire(ctx, triggerStart); err != nil {
		return err
	}
	s.logger.Debug(ctx, "saga started", "sagaID", s.id)

	if err := s.tickLocked(ctx); err != nil {
		return err
	}
	s.wake()
	return nil
}

// StepFinished records a worker result and reschedules. The result must be
// JSON-encodable; if not, no state is mutated. Calling it on an
// already-finished step only re-ticks.
func (s *Saga) StepFinished(ctx context.Context, stepID StepID, result any) error {
	if _, err := json.Marshal(result); err != nil {
		return fmt.Errorf("%w: step result: %v", ErrEncoding, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.step(stepID)
	status, err := step.Status(ctx)
	if err != nil {
		return err
	}
	if status != StepStatusFinished {
		if err := step.finished(ctx, result); err != nil {
			return err
		}
	}

	if err := s.tickLocked(ctx); err != nil {
		return err
	}
	s.wake()
	return nil
}

// StepFailed fails the saga and the failing step, then rolls back every
// finished step. The saga flips to Failed before anything else so concurrent
// ticks return early. Steps that were Queued or Running stay frozen where
// they are; only Finished steps are rolled back, each enqueueing its
// compensator if one is attached.
func (s *Saga) StepFailed(ctx context.Context, stepID StepID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.Status(ctx)
	if err != nil {
		return err
	}
	switch status {
	case SagaStatusRunning:
		if err := s.fire(ctx, triggerFail); err != nil {
			return err
		}
		s.logger.Debug(ctx, "saga failed", "sagaID", s.id, "stepID", stepID)
	case SagaStatusFailed:
		// Another failure already flipped the saga; fail this step too.
	default:
		return fmt.Errorf("%w: saga %s is %s, cannot fail", ErrIllegalTransition, s.id, status)
	}

	step := s.step(stepID)
	stepStatus, err := step.Status(ctx)
	if err != nil {
		return err
	}
	if stepStatus != StepStatusFailed {
		if err := step.fail(ctx); err != nil {
			return err
		}
	}

	records, err := s.loadSteps(ctx)
	if err != nil {
		return err
	}

	var g multierror.Group
	for _, record := range records {
		if record.Status != StepStatusFinished {
			continue
		}
		rollback := s.step(StepID(record.ID))
		g.Go(func() error {
			return rollback.rollback(ctx)
		})
	}
	merr := g.Wait()

	s.wake()
	return merr.ErrorOrNil()
}

// Tick runs one scheduling pass: enqueue every ready step, or finish the saga
// when nothing is left to do. A tick on a quiescent saga is a no-op.
func (s *Saga) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickLocked(ctx)
}

func (s *Saga) tickLocked(ctx context.Context) error {
	status, err := s.Status(ctx)
	if err != nil {
		return err
	}
	if status != SagaStatusRunning {
		s.logger.Debug(ctx, "tick skipped, saga not running", "sagaID", s.id, "status", status)
		return nil
	}

	records, err := s.loadSteps(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*stepRecord, len(records))
	compensators := make(map[string]bool)
	for _, record := range records {
		byID[record.ID] = record
		if record.CompensatorID != "" {
			compensators[record.CompensatorID] = true
		}
	}

	// Successful termination: every non-compensator step has finished.
	done := true
	for _, record := range records {
		if compensators[record.ID] {
			continue
		}
		if record.Status != StepStatusFinished {
			done = false
			break
		}
	}
	if done {
		if err := s.fire(ctx, triggerComplete); err != nil {
			return err
		}
		s.logger.Debug(ctx, "saga finished", "sagaID", s.id)
		return nil
	}

	// A step is ready when every dependency has finished. A rolled-back
	// dependency does not count: a rollback in progress is not a success.
	var g errgroup.Group
	for _, record := range records {
		if record.Status != StepStatusCreated || compensators[record.ID] {
			continue
		}
		ready := true
		for _, depID := range record.DependsOn {
			dep, ok := byID[depID]
			if !ok || dep.Status != StepStatusFinished {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		step := s.step(StepID(record.ID))
		g.Go(func() error {
			return step.enqueue(ctx)
		})
	}
	return g.Wait()
}

// loadSteps enumerates every step record of this saga.
func (s *Saga) loadSteps(ctx context.Context) ([]*stepRecord, error) {
	ids, err := s.rc.getIDs(ctx, stepTable(s.id))
	if err != nil {
		return nil, err
	}
	raws, err := s.rc.getMultiple(ctx, stepTable(s.id), ids)
	if err != nil {
		return nil, err
	}

	records := make([]*stepRecord, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			return nil, fmt.Errorf("%w: %s[%s]", ErrRecordNotFound, stepTable(s.id), ids[i])
		}
		var record stepRecord
		if err := decodeInto(raw, &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, nil
}
