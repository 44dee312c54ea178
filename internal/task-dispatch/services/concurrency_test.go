package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/workflow"
	"task-dispatch-service/pkg/apperr"
)

func TestConcurrentOverlappingDispatchesToOneOperator(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.addUser(t, "op-1", true)

	// A second service over the same store stands in for another replica.
	other := NewDispatchService(f.repo, f.svc.Engine, f.svc.Directory, f.pub, zerolog.Nop())
	services := []*DispatchService{f.svc, other}

	const n = 8
	tasks := make([]*db.Task, n)
	for i := range tasks {
		tasks[i] = f.seedTask(t, workflow.StateDraft, "", hour(9), hour(11))
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i, task := range tasks {
		wg.Add(1)
		go func(svc *DispatchService, id string) {
			defer wg.Done()
			<-start
			_, err := svc.Dispatch(ctx, tenant, id, "chief-1", DispatchInput{AssignedTo: "op-1"})
			switch {
			case err == nil:
				successes.Add(1)
			case apperr.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(services[i%len(services)], task.ID)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())

	active, err := f.repo.ListActiveAssignments(ctx, tenant, "op-1", "")
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, f.pub.all(), 1)
}

func TestConcurrentDispatchesWithoutOverlapAllSucceed(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.addUser(t, "op-1", true)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		task := f.seedTask(t, workflow.StateDraft, "", hour(i+6), hour(i+7))
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.Dispatch(ctx, tenant, id, "chief-1", DispatchInput{AssignedTo: "op-1"})
		}(i, task.ID)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	active, err := f.repo.ListActiveAssignments(ctx, tenant, "op-1", "")
	require.NoError(t, err)
	assert.Len(t, active, n)
}

func TestConcurrentTransitionsOfOneTask(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, workflow.StateDispatched, "op-1", nil, nil)

	const n = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transition(ctx, tenant, task.ID, "op-1", workflow.StateInProgress, "")
			if err == nil {
				successes.Add(1)
				return
			}
			assert.True(t, apperr.IsConflict(err), err.Error())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, []string{ActionStateChanged}, f.historyActions(t, task.ID))

	stored, err := f.repo.Get(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateInProgress, stored.State)
	assert.Equal(t, 2, stored.Version)
}
