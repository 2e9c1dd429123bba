package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentichr/hrflow/internal/engine"
	"github.com/agentichr/hrflow/internal/persistence"
	"github.com/agentichr/hrflow/internal/taskqueue"
	"github.com/agentichr/hrflow/pkg/activity"
	"github.com/agentichr/hrflow/pkg/api"
)

const typeGreeting api.WorkflowType = "greeting"

func newTestRig(t *testing.T) (*engine.Engine, taskqueue.Queue, persistence.Persistence) {
	t.Helper()

	p := persistence.NewMemoryPersistence()
	q := taskqueue.NewInMemoryQueue(64)

	x := activity.NewExecutor()
	require.NoError(t, x.Register("greet", func(ctx context.Context, args json.RawMessage) (any, error) {
		return "hello", nil
	}))

	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(api.WorkflowDefinition{
		Type: typeGreeting,
		Fn: func(wf *api.WorkflowContext) error {
			if _, err := wf.ExecuteActivity("greet", nil, nil); err != nil {
				return err
			}
			return wf.SetResult("done")
		},
	}))

	return engine.NewEngine(reg, p, q, x), q, p
}

func TestProcessTaskDrivesInstanceToCompletion(t *testing.T) {
	ctx := context.Background()
	eng, q, p := newTestRig(t)

	report, err := eng.StartWorkflow(ctx, "wf-1", typeGreeting, nil)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, report.Status)

	pool := NewPool(eng, q, p.Instances, Config{})
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.ProcessTask(ctx, "worker-test", *task))

	report, err = eng.GetStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, report.Status)
	assert.JSONEq(t, `"done"`, string(report.Result))
}

func TestProcessTaskRequeuesOnHeldLease(t *testing.T) {
	ctx := context.Background()
	eng, q, p := newTestRig(t)

	_, err := eng.StartWorkflow(ctx, "wf-1", typeGreeting, nil)
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Another owner holds the instance.
	acquired, err := p.Instances.TryAcquireLease(ctx, "wf-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	pool := NewPool(eng, q, p.Instances, Config{RetryBackoff: time.Millisecond})
	require.NoError(t, pool.ProcessTask(ctx, "worker-test", *task))

	// The task came back as a retry rather than being processed.
	requeued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", requeued.InstanceID)
	assert.Equal(t, taskqueue.ReasonRetry, requeued.Reason)
	assert.Equal(t, 1, requeued.Attempts)

	report, err := eng.GetStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, report.Status)
}

func TestRequeueDoesNotStallTheWorkerSlot(t *testing.T) {
	ctx := context.Background()
	eng, q, p := newTestRig(t)

	_, err := eng.StartWorkflow(ctx, "wf-1", typeGreeting, nil)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)

	acquired, err := p.Instances.TryAcquireLease(ctx, "wf-1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// With a long backoff, ProcessTask must still return right away;
	// the delayed enqueue happens off the processing slot.
	pool := NewPool(eng, q, p.Instances, Config{RetryBackoff: 2 * time.Second})
	start := time.Now()
	require.NoError(t, pool.ProcessTask(ctx, "worker-test", *task))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, q.Len())

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	requeued, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", requeued.InstanceID)
	assert.Equal(t, taskqueue.ReasonRetry, requeued.Reason)
}

func TestRequeueDropsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	eng, q, p := newTestRig(t)

	pool := NewPool(eng, q, p.Instances, Config{RetryBackoff: time.Millisecond, MaxTaskRetries: 2})

	task := taskqueue.Task{InstanceID: "wf-1", Reason: taskqueue.ReasonRetry, Attempts: 2}
	require.NoError(t, pool.requeue(ctx, task))
	assert.Equal(t, 0, q.Len())
}

func TestPoolRunProcessesUntilCancelled(t *testing.T) {
	eng, q, p := newTestRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(eng, q, p.Instances, Config{Concurrency: 2})
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	_, err := eng.StartWorkflow(ctx, "wf-1", typeGreeting, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		report, err := eng.GetStatus(context.Background(), "wf-1")
		return err == nil && report.Status == api.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
