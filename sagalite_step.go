package sagalite

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

// Step is a handle over one persisted step record. All state lives in the
// store; the handle carries only identity and plumbing.
type Step struct {
	id     StepID
	sagaID SagaID
	rc     *recordClient
	logger Logger
}

func (s *Step) ID() StepID {
	return s.id
}

func (s *Step) SagaID() SagaID {
	return s.sagaID
}

func (s *Step) table() string {
	return stepTable(s.sagaID)
}

func (s *Step) load(ctx context.Context) (*stepRecord, error) {
	if s.id == "" {
		return nil, fmt.Errorf("%w: step has no id", ErrUninitialized)
	}
	raw, err := s.rc.get(ctx, s.table(), string(s.id))
	if err != nil {
		return nil, err
	}
	var record stepRecord
	if err := decodeInto(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Status reads the persisted step status.
func (s *Step) Status(ctx context.Context) (StepStatus, error) {
	record, err := s.load(ctx)
	if err != nil {
		return StepStatusUninitialized, err
	}
	return record.Status, nil
}

// Result reads the persisted worker result, nil until the step finishes.
func (s *Step) Result(ctx context.Context) (any, error) {
	record, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return record.Result, nil
}

// machine builds the step state machine over external storage: the accessor
// reads the persisted status, the mutator writes it back through the record
// layer, so a fired trigger is durable the moment it lands.
func (s *Step) machine() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			record, err := s.load(ctx)
			if err != nil {
				return nil, err
			}
			return record.Status, nil
		},
		func(ctx context.Context, state stateless.State) error {
			_, err := s.rc.update(ctx, s.table(), string(s.id), map[string]any{"status": state})
			return err
		},
		stateless.FiringQueued,
	)

	sm.Configure(StepStatusCreated).
		Permit(triggerEnqueue, StepStatusQueued)
	sm.Configure(StepStatusWaitingForCompensation).
		Permit(triggerEnqueue, StepStatusQueued)
	sm.Configure(StepStatusQueued).
		Permit(triggerDispatch, StepStatusRunning).
		Permit(triggerFail, StepStatusFailed)
	sm.Configure(StepStatusRunning).
		Permit(triggerFinish, StepStatusFinished).
		Permit(triggerFail, StepStatusFailed)
	sm.Configure(StepStatusFinished).
		Permit(triggerRollback, StepStatusRolledBack)

	return sm
}

// fire drives one transition, translating trigger rejection into
// ErrIllegalTransition while letting store failures through untouched. The
// pre-load surfaces store and missing-record errors before the machine gets
// a chance to wrap them.
func (s *Step) fire(ctx context.Context, t trigger) error {
	if _, err := s.load(ctx); err != nil {
		return err
	}
	if err := s.machine().FireCtx(ctx, t); err != nil {
		if errors.Is(err, ErrStore) || errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrUninitialized) {
			return err
		}
		return fmt.Errorf("%w: step %s cannot %s: %v", ErrIllegalTransition, s.id, t, err)
	}
	return nil
}

// createStep persists a fresh step record for a saga.
func createStep(ctx context.Context, rc *recordClient, logger Logger, sagaID SagaID, workerName string, args []any, dependsOn []string, status StepStatus) (*Step, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("%w: saga has no id", ErrUninitialized)
	}
	if args == nil {
		args = []any{}
	}
	if dependsOn == nil {
		dependsOn = []string{}
	}

	record, err := rc.create(ctx, stepTable(sagaID), map[string]any{
		"workerName": workerName,
		"args":       args,
		"dependsOn":  dependsOn,
		"status":     status,
	})
	if err != nil {
		return nil, err
	}

	step := &Step{
		id:     StepID(record["id"].(string)),
		sagaID: sagaID,
		rc:     rc,
		logger: logger,
	}
	logger.Debug(ctx, "step created", "sagaID", sagaID, "stepID", step.id, "workerName", workerName, "status", status)
	return step, nil
}

// CompensateWith attaches a compensator: a new step depending solely on this
// one, parked in WaitingForCompensation until a rollback enqueues it. The
// compensated step's result is handed to the compensator as its only
// dependency arg.
func (s *Step) CompensateWith(ctx context.Context, workerName string, args []any) (*Step, error) {
	if s.id == "" {
		return nil, fmt.Errorf("%w: step has no id", ErrUninitialized)
	}

	compensator, err := createStep(ctx, s.rc, s.logger, s.sagaID, workerName, args, []string{string(s.id)}, StepStatusWaitingForCompensation)
	if err != nil {
		return nil, err
	}

	if _, err := s.rc.update(ctx, s.table(), string(s.id), map[string]any{"compensatorId": string(compensator.id)}); err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "compensator attached", "sagaID", s.sagaID, "stepID", s.id, "compensatorID", compensator.id)
	return compensator, nil
}

// enqueue promotes the step to Queued, capturing its dependency args. Every
// dependency must already be Finished or RolledBack; the scheduler only calls
// this on ready steps, so an unsatisfied dependency is a scheduling bug.
func (s *Step) enqueue(ctx context.Context) error {
	record, err := s.load(ctx)
	if err != nil {
		return err
	}

	dependencyArgs := make([]any, 0, len(record.DependsOn))
	if len(record.DependsOn) > 0 {
		deps, err := s.rc.getMultiple(ctx, s.table(), record.DependsOn)
		if err != nil {
			return err
		}
		for i, raw := range deps {
			if raw == nil {
				return fmt.Errorf("%w: step %s depends on missing step %s", ErrInvariantViolation, s.id, record.DependsOn[i])
			}
			var dep stepRecord
			if err := decodeInto(raw, &dep); err != nil {
				return err
			}
			if !dep.Status.SatisfiesDependency() {
				return fmt.Errorf("%w: step %s depends on step %s in state %s", ErrInvariantViolation, s.id, dep.ID, dep.Status)
			}
			dependencyArgs = append(dependencyArgs, dep.Result)
		}
	}

	if _, err := s.rc.update(ctx, s.table(), string(s.id), map[string]any{"dependencyArgs": dependencyArgs}); err != nil {
		return err
	}
	if err := s.fire(ctx, triggerEnqueue); err != nil {
		return err
	}

	s.logger.Debug(ctx, "step queued", "sagaID", s.sagaID, "stepID", s.id)
	return nil
}

// dispatch marks the step Running. The queue manager calls this before
// handing the step to a worker.
func (s *Step) dispatch(ctx context.Context) error {
	if err := s.fire(ctx, triggerDispatch); err != nil {
		return err
	}
	s.logger.Debug(ctx, "step running", "sagaID", s.sagaID, "stepID", s.id)
	return nil
}

// finished records the worker result and marks the step Finished.
func (s *Step) finished(ctx context.Context, result any) error {
	if _, err := s.rc.update(ctx, s.table(), string(s.id), map[string]any{"result": result}); err != nil {
		return err
	}
	if err := s.fire(ctx, triggerFinish); err != nil {
		return err
	}
	s.logger.Debug(ctx, "step finished", "sagaID", s.sagaID, "stepID", s.id)
	return nil
}

// fail marks the step Failed. Terminal.
func (s *Step) fail(ctx context.Context) error {
	if err := s.fire(ctx, triggerFail); err != nil {
		return err
	}
	s.logger.Debug(ctx, "step failed", "sagaID", s.sagaID, "stepID", s.id)
	return nil
}

// rollback marks a finished step RolledBack and, if a compensator is
// attached, enqueues it. The compensator's sole dependency is the step being
// rolled back, which now satisfies it.
func (s *Step) rollback(ctx context.Context) error {
	record, err := s.load(ctx)
	if err != nil {
		return err
	}

	if err := s.fire(ctx, triggerRollback); err != nil {
		return err
	}
	s.logger.Debug(ctx, "step rolled back", "sagaID", s.sagaID, "stepID", s.id)

	if record.CompensatorID == "" {
		return nil
	}

	compensator := &Step{
		id:     StepID(record.CompensatorID),
		sagaID: s.sagaID,
		rc:     s.rc,
		logger: s.logger,
	}
	if err := compensator.enqueue(ctx); err != nil {
		return fmt.Errorf("enqueue compensator %s: %w", compensator.id, err)
	}
	return nil
}
