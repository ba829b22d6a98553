package sagalite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestorePreviousState(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore()
	require.NoError(t, err)

	first := newTestOrchestratorOver(t, store)
	first.RegisterWorker(NewWorker("done", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))
	first.RegisterWorker(NewWorker("stuck", func(ctx context.Context, job Job) {
		<-ctx.Done()
	}))

	finished, err := first.CreateSaga(ctx)
	require.NoError(t, err)
	_, err = finished.AddStep(ctx, "done", nil)
	require.NoError(t, err)
	require.NoError(t, finished.Start(ctx))

	interrupted, err := first.CreateSaga(ctx)
	require.NoError(t, err)
	stuckStep, err := interrupted.AddStep(ctx, "stuck", nil)
	require.NoError(t, err)
	require.NoError(t, interrupted.Start(ctx))

	require.Eventually(t, func() bool {
		status, err := finished.Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, err := stuckStep.Status(ctx)
		return err == nil && status == StepStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Simulate a process restart over the same store.
	first.Close()

	second := newTestOrchestratorOver(t, store)
	restored, err := second.RestorePreviousState(ctx)
	require.NoError(t, err)

	// Only the non-terminal saga comes back.
	require.Len(t, restored, 1)
	require.Equal(t, interrupted.ID(), restored[0].ID())

	_, ok := second.GetSaga(finished.ID())
	require.False(t, ok)
	resumed, ok := second.GetSaga(interrupted.ID())
	require.True(t, ok)
	require.Equal(t, []SagaID{interrupted.ID()}, second.ScheduledSagas())

	// The step the dead process left Running completes through a host
	// notification, exactly as it would have without the restart.
	require.NoError(t, resumed.StepFinished(ctx, stuckStep.ID(), map[string]any{"ok": true}))

	requireSagaStatus(t, ctx, resumed, SagaStatusFinished)
	require.Eventually(t, func() bool {
		return len(second.ScheduledSagas()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestoreQueuedStepResumesDispatch(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore()
	require.NoError(t, err)

	first := newTestOrchestratorOver(t, store)
	first.Stop()

	saga, err := first.CreateSaga(ctx)
	require.NoError(t, err)
	step, err := saga.AddStep(ctx, "W", []any{"x"})
	require.NoError(t, err)
	require.NoError(t, saga.Start(ctx))
	requireStepStatus(t, ctx, step, StepStatusQueued)
	first.Close()

	second := newTestOrchestratorOver(t, store)
	second.RegisterWorker(NewWorker("W", func(ctx context.Context, job Job) {
		job.Saga.StepFinished(ctx, job.StepID, nil)
	}))
	restored, err := second.RestorePreviousState(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	require.Eventually(t, func() bool {
		status, err := restored[0].Status(ctx)
		return err == nil && status == SagaStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}
