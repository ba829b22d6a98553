package sagalite

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, opts ...sagaliteOption) *Sagalite {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	return newTestOrchestratorOver(t, store, opts...)
}

func newTestOrchestratorOver(t *testing.T, store Store, opts ...sagaliteOption) *Sagalite {
	opts = append([]sagaliteOption{
		WithTickInterval(10 * time.Millisecond),
		WithLogger(NewZerologLogger(zerolog.New(io.Discard))),
	}, opts...)
	tp, err := New(context.Background(), store, "test", opts...)
	require.NoError(t, err)
	t.Cleanup(tp.Close)
	return tp
}

func TestOrchestratorSingleStepSuccess(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	release := make(chan struct{})
	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		if err := job.Saga.StepFinished(ctx, job.StepID, map[string]any{"ok": true}); err != nil {
			t.Errorf("StepFinished failed: %v", err)
		}
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "W", []any{"x"})
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Eventually(t, func() bool {
		status, err := step.Status(ctx)
		return err == nil && status == StepStatusRunning
	}, 2*time.Second, 10*time.Millisecond, "step should be dispatched")

	close(release)

	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond, "saga should finish")

	requireStepStatus(t, ctx, step, StepStatusFinished)

	require.Eventually(t, func() bool {
		return len(tp.ScheduledSagas()) == 0 && tp.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond, "terminal saga should leave the scan")
}

func TestOrchestratorParallelIndependentSteps(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	var invocations atomic.Int32
	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		invocations.Add(1)
		if err := job.Saga.StepFinished(ctx, job.StepID, string(job.StepID)); err != nil {
			t.Errorf("StepFinished failed: %v", err)
		}
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step1, err := saga.AddStep(ctx, "W", []any{"a"})
	require.NoError(t, err)
	step2, err := saga.AddStep(ctx, "W", []any{"b"})
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, int32(2), invocations.Load())
	requireStepStatus(t, ctx, step1, StepStatusFinished)
	requireStepStatus(t, ctx, step2, StepStatusFinished)
}

func TestOrchestratorDependencyArgsFlow(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	var gotDependencyArgs atomic.Value
	tp.RegisterWorker(NewWorker("produce", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, map[string]any{"value": job.Args[0]})
	}))
	tp.RegisterWorker(NewWorker("consume", func(ctx context.Context, job Job) {
		gotDependencyArgs.Store(job.DependencyArgs)
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step1, err := saga.AddStep(ctx, "produce", []any{"left"})
	require.NoError(t, err)
	step2, err := saga.AddStep(ctx, "produce", []any{"right"})
	require.NoError(t, err)
	_, err = saga.AddStep(ctx, "consume", nil, step1, step2)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []any{
		map[string]any{"value": "left"},
		map[string]any{"value": "right"},
	}, gotDependencyArgs.Load())
}

func TestOrchestratorUnknownWorkerFailsSaga(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "Missing", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	requireStepStatus(t, ctx, step, StepStatusFailed)

	require.Eventually(t, func() bool {
		return len(tp.ScheduledSagas()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorUnknownWorkerKeptQueued(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t, WithKeepQueuedOnUnknownWorker())

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "Missing", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Never(t, func() bool {
		status, err := step.Status(ctx)
		return err != nil || (status != StepStatusQueued && status != StepStatusCreated)
	}, 300*time.Millisecond, 20*time.Millisecond, "step should stay queued")

	requireSagaStatus(t, ctx, saga, SagaStatusRunning)
}

func TestOrchestratorCapacityBound(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t, WithCapacity(1))

	release := make(chan struct{})
	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	_, err = saga.AddStep(ctx, "W", nil)
	require.NoError(t, err)
	_, err = saga.AddStep(ctx, "W", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	countByStatus := func(want StepStatus) int {
		records, err := saga.loadSteps(ctx)
		require.NoError(t, err)
		n := 0
		for _, record := range records {
			if record.Status == want {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool {
		return countByStatus(StepStatusRunning) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The second step cannot claim a slot while the first holds it.
	require.Never(t, func() bool {
		return tp.InFlight() > 1 || countByStatus(StepStatusRunning) > 1
	}, 300*time.Millisecond, 20*time.Millisecond, "capacity must bound in-flight work")
	require.Equal(t, 1, countByStatus(StepStatusQueued))

	close(release)

	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorCompensationThroughQueueManager(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	var destroyArgs atomic.Value
	tp.RegisterWorker(NewWorker("Create", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, map[string]any{"id": 42})
	}))
	tp.RegisterWorker(NewWorker("Boom", func(ctx context.Context, job Job) {
		job.Saga.StepFailed(ctx, job.StepID)
	}))
	tp.RegisterWorker(NewWorker("Destroy", func(ctx context.Context, job Job) {
		destroyArgs.Store(job.DependencyArgs)
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step1, err := saga.AddStep(ctx, "Create", []any{"A"})
	require.NoError(t, err)
	compensator, err := step1.CompensateWith(ctx, "Destroy", nil)
	require.NoError(t, err)
	_, err = saga.AddStep(ctx, "Boom", []any{"B"}, step1)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	// The compensator runs through the queue manager even though the saga
	// is already terminal.
	require.Eventually(t, func() bool {
		status, err := compensator.Status(ctx)
		return err == nil && status == StepStatusFinished
	}, 2*time.Second, 10*time.Millisecond, "compensator should execute")

	requireSagaStatus(t, ctx, saga, SagaStatusFailed)
	requireStepStatus(t, ctx, step1, StepStatusRolledBack)
	require.Equal(t, []any{map[string]any{"id": float64(42)}}, destroyArgs.Load())

	require.Eventually(t, func() bool {
		return len(tp.ScheduledSagas()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueManagerTickNotReentrant(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)
	tp.Stop()

	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "W", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))
	requireStepStatus(t, ctx, step, StepStatusQueued)

	// A tick that fires while another is marked running is dropped.
	tp.qm.ticking.Store(true)
	tp.qm.tick(ctx)
	requireStepStatus(t, ctx, step, StepStatusQueued)
	tp.qm.ticking.Store(false)

	tp.qm.tick(ctx)
	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorStopFreezesQueuedSteps(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)
	tp.Stop()

	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "W", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	require.Never(t, func() bool {
		status, err := step.Status(ctx)
		return err != nil || status != StepStatusQueued
	}, 300*time.Millisecond, 20*time.Millisecond, "no dispatch while stopped")

	tp.Start()
	require.Eventually(t, func() bool {
		status, err := saga.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorDrain(t *testing.T) {
	ctx := context.Background()
	tp := newTestOrchestrator(t)

	tp.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))

	saga, err := tp.CreateSaga(ctx)
	require.NoError(t, err)
	_, err = saga.AddStep(ctx, "W", nil)
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, tp.Drain(drainCtx))
	requireSagaStatus(t, ctx, saga, SagaStatusFinished)
}
