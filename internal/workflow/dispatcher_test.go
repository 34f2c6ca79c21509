package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/internal/queue"
	wfperrors "workflow-platform/pkg/errors"
)

func newTestDispatcher(t *testing.T, source WorkflowSource) (*Dispatcher, *queue.Manager, *Coordinator) {
	t.Helper()
	qm := queue.NewManager(queue.ManagerConfig{
		DefaultBackoff:  queue.Backoff{Strategy: queue.BackoffFixed},
		PromoteInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, qm.CreateQueue("workflows", queue.QueueOptions{Concurrency: 2}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = qm.Close(ctx)
	})
	c, _ := newTestCoordinator(t, nil)
	return NewDispatcher(qm, "workflows", source, c, nil), qm, c
}

func TestDispatcher_EnqueueAndExecute(t *testing.T) {
	g := chain("A", "B")
	g.ID = "wf-1"
	g.Nodes[0].Type = "echo"
	g.Nodes[1].Type = "fail"
	d, qm, _ := newTestDispatcher(t, NewMemoryWorkflowSource(g))
	ctx := context.Background()

	jobID, execID, err := d.Enqueue(ctx, "wf-1", map[string]any{"k": "v"}, EnqueueOptions{UserID: "u"})
	require.NoError(t, err)
	st, err := d.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)

	require.NoError(t, d.Start())
	require.Eventually(t, func() bool {
		st, err := d.Status(ctx, execID)
		return err == nil && st.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	st, _ = d.Status(ctx, execID)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "boom")

	require.Eventually(t, func() bool {
		j, _ := qm.GetJob("workflows", jobID)
		return j != nil && j.Status == queue.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "a failed execution still completes its job")
	j, _ := qm.GetJob("workflows", jobID)
	assert.Equal(t, 0, j.Attempts)
}

func TestDispatcher_UnknownWorkflow(t *testing.T) {
	d, _, _ := newTestDispatcher(t, NewMemoryWorkflowSource())
	_, _, err := d.Enqueue(context.Background(), "ghost", nil, EnqueueOptions{})
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
	_, _, err = d.Enqueue(context.Background(), "", nil, EnqueueOptions{})
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))
}

// flakySource 首次 Get（入队校验）成功，随后 failures 次返回错误
type flakySource struct {
	g        *Graph
	calls    int32
	failures int32
}

func (f *flakySource) Get(context.Context, string) (*Graph, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n > 1 && n <= 1+f.failures {
		return nil, errors.New("definition store unavailable")
	}
	return f.g, nil
}

func TestDispatcher_RetriesWhenDefinitionUnavailable(t *testing.T) {
	g := chain("A")
	g.ID = "wf"
	g.Nodes[0].Type = "echo"
	src := &flakySource{g: g, failures: 1}
	d, qm, _ := newTestDispatcher(t, src)
	ctx := context.Background()
	jobID, execID, err := d.Enqueue(ctx, "wf", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool {
		st, err := d.Status(ctx, execID)
		return err == nil && st.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	j, _ := qm.GetJob("workflows", jobID)
	assert.Equal(t, 1, j.Attempts)
}

func TestDispatcher_SkipsTerminalRedelivery(t *testing.T) {
	g := chain("A")
	g.ID = "wf"
	g.Nodes[0].Type = "echo"
	d, _, c := newTestDispatcher(t, NewMemoryWorkflowSource(g))
	ctx := context.Background()
	exec, err := c.Execute(ctx, g, nil, ExecuteOptions{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)

	job := &queue.Job{ID: "j", Payload: map[string]any{"workflowId": "wf", "executionId": "e-1"}}
	require.NoError(t, d.Handle(ctx, job))
	list, _ := c.ListExecutions(ctx, "wf", 0)
	assert.Len(t, list, 1)
}

func TestDispatcher_ResumesUnfinishedRedelivery(t *testing.T) {
	g := chain("A", "B")
	g.ID = "wf"
	g.Nodes[0].Type = "echo"
	g.Nodes[1].Type = "echo"
	src := NewMemoryWorkflowSource(g)
	ctx := context.Background()

	// worker 中断前留下的 running 记录
	store := NewMemoryExecutionStore()
	_, err := store.Create(ctx, &Execution{ID: "e-1", WorkflowID: "wf", Status: StatusRunning, NodeResults: map[string]*NodeResult{}})
	require.NoError(t, err)

	_, qm, _ := newTestDispatcher(t, src)
	c, _ := newTestCoordinator(t, store)
	d := NewDispatcher(qm, "workflows", src, c, nil)

	job := &queue.Job{ID: "j", Payload: map[string]any{"workflowId": "wf", "executionId": "e-1"}}
	require.NoError(t, d.Handle(ctx, job))

	exec, err := store.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Len(t, exec.NodeResults, 2)
	assert.False(t, exec.Temporary)
	list, _ := c.ListExecutions(ctx, "wf", 0)
	assert.Len(t, list, 1)
}

func TestDispatcher_ForgetsRemovedJobs(t *testing.T) {
	g := chain("A")
	g.ID = "wf"
	g.Nodes[0].Type = "echo"
	d, qm, _ := newTestDispatcher(t, NewMemoryWorkflowSource(g))
	ctx := context.Background()

	jobID, execID, err := d.Enqueue(ctx, "wf", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, _, err = d.Enqueue(ctx, "wf", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, d.pending())

	require.NoError(t, qm.RemoveJob("workflows", jobID))
	assert.Equal(t, 1, d.pending())
	_, err = d.Status(ctx, execID)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
}
