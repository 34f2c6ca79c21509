package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wfperrors "workflow-platform/pkg/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		DefaultMaxAttempts: 3,
		DefaultBackoff:     Backoff{Strategy: BackoffFixed, BaseDelay: 0},
		PromoteInterval:    10 * time.Millisecond,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func TestManager_PriorityBeforeFIFO(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{Concurrency: 1}))
	ctx := context.Background()

	idA, err := m.Enqueue(ctx, "q", "t", map[string]any{"name": "A"}, EnqueueOptions{Priority: 3})
	require.NoError(t, err)
	idB, err := m.Enqueue(ctx, "q", "t", map[string]any{"name": "B"}, EnqueueOptions{Priority: 9})
	require.NoError(t, err)
	idC, err := m.Enqueue(ctx, "q", "t", map[string]any{"name": "C"}, EnqueueOptions{Priority: 3})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	require.NoError(t, m.Process("q", func(_ context.Context, j *Job) error {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{idB, idA, idC}, order)
}

func TestManager_AttemptsNeverExceedMax(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{Concurrency: 2}))
	var runs int32
	require.NoError(t, m.Process("q", func(context.Context, *Job) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("boom")
	}))
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{MaxAttempts: 4})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	j, err := m.GetJob("q", id)
	require.NoError(t, err)
	assert.Equal(t, 4, j.Attempts)
	assert.Equal(t, "boom", j.LastError)
	assert.EqualValues(t, 4, atomic.LoadInt32(&runs))
	assert.False(t, j.FinishedAt.IsZero())
}

func TestManager_RetryWithBackoffThenSuccess(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{Concurrency: 1}))
	var runs int32
	require.NoError(t, m.Process("q", func(context.Context, *Job) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{
		Backoff: &Backoff{Strategy: BackoffExponential, BaseDelay: 150 * time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusDelayed
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	j, _ := m.GetJob("q", id)
	assert.Equal(t, 1, j.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestManager_PanicCountsAsFailure(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	require.NoError(t, m.Process("q", func(context.Context, *Job) error {
		panic("bad handler")
	}))
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	j, _ := m.GetJob("q", id)
	assert.Contains(t, j.LastError, "bad handler")
}

func TestManager_DelayedJob(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	done := make(chan time.Time, 1)
	require.NoError(t, m.Process("q", func(context.Context, *Job) error {
		done <- time.Now()
		return nil
	}))
	start := time.Now()
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{DelayMs: 80})
	require.NoError(t, err)
	j, _ := m.GetJob("q", id)
	assert.Equal(t, StatusDelayed, j.Status)

	select {
	case ranAt := <-done:
		assert.GreaterOrEqual(t, ranAt.Sub(start), 80*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestManager_PauseResume(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	require.NoError(t, m.PauseQueue("q"))
	var runs int32
	require.NoError(t, m.Process("q", func(context.Context, *Job) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	j, _ := m.GetJob("q", id)
	assert.Equal(t, StatusPaused, j.Status)
	assert.EqualValues(t, 0, atomic.LoadInt32(&runs))

	require.NoError(t, m.ResumeQueue("q"))
	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_RemoveAndRetry(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	ctx := context.Background()
	id, err := m.Enqueue(ctx, "q", "t", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	// 非 failed 不可手动重试
	err = m.RetryJob("q", id)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))

	claimed := m.claim(m.queues["q"])
	require.NotNil(t, claimed)
	err = m.RemoveJob("q", id)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation), "active job must not be removable")

	m.fail(m.queues["q"], id, errors.New("x"))
	j, _ := m.GetJob("q", id)
	require.Equal(t, StatusFailed, j.Status)

	require.NoError(t, m.RetryJob("q", id))
	j, _ = m.GetJob("q", id)
	assert.Equal(t, StatusWaiting, j.Status)
	assert.Equal(t, 0, j.Attempts)

	require.NoError(t, m.RemoveJob("q", id))
	_, err = m.GetJob("q", id)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
	counts, _ := m.Counts("q")
	assert.Equal(t, 0, counts[StatusWaiting])
}

func TestManager_EnqueueValidation(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "missing", "t", nil, EnqueueOptions{})
	var nf *wfperrors.NotFoundError
	assert.True(t, wfperrors.As(err, &nf))

	cases := []EnqueueOptions{
		{MaxAttempts: -1},
		{DelayMs: -5},
		{Backoff: &Backoff{Strategy: "random", BaseDelay: time.Second}},
	}
	for _, opts := range cases {
		_, err := m.Enqueue(ctx, "q", "t", nil, opts)
		assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation), "opts %+v", opts)
	}
	_, err = m.Enqueue(ctx, "q", "", nil, EnqueueOptions{})
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))

	counts, _ := m.Counts("q")
	for st, n := range counts {
		assert.Zero(t, n, "status %s", st)
	}
	assert.True(t, wfperrors.Is(m.CreateQueue("", QueueOptions{}), wfperrors.ErrValidation))
}

func TestManager_ListJobsRange(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Enqueue(ctx, "q", "t", nil, EnqueueOptions{Priority: i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	jobs, err := m.ListJobs("q", StatusWaiting, Range{Start: 0, End: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[4], jobs[0].ID)
	assert.Equal(t, ids[3], jobs[1].ID)

	all, err := m.ListJobs("q", "", All)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := m.ListJobs("q", StatusFailed, All)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = m.ListJobs("q", Status("bogus"), All)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))
}

func TestManager_JobTimeout(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{JobTimeout: 20 * time.Millisecond}))
	require.NoError(t, m.Process("q", func(ctx context.Context, _ *Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	id, err := m.Enqueue(context.Background(), "q", "t", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", id)
		return j != nil && j.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	j, _ := m.GetJob("q", id)
	assert.Contains(t, j.LastError, "deadline exceeded")
}

func TestManager_ProcessTwice(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{}))
	h := func(context.Context, *Job) error { return nil }
	require.NoError(t, m.Process("q", h))
	assert.Error(t, m.Process("q", h))
	assert.True(t, wfperrors.Is(m.Process("nope", h), wfperrors.ErrNotFound))
}

func TestManager_Clean(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{Concurrency: 2}))
	ctx := context.Background()

	okID, err := m.Enqueue(ctx, "q", "t", map[string]any{"ok": true}, EnqueueOptions{})
	require.NoError(t, err)
	badID, err := m.Enqueue(ctx, "q", "t", map[string]any{"ok": false}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, m.Process("q", func(_ context.Context, j *Job) error {
		if j.Payload["ok"] == true {
			return nil
		}
		return errors.New("boom")
	}))
	require.Eventually(t, func() bool {
		counts, _ := m.Counts("q")
		return counts[StatusCompleted] == 1 && counts[StatusFailed] == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := m.Clean("q", StatusCompleted, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "recently finished jobs are kept")

	n, err = m.Clean("q", StatusCompleted, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.GetJob("q", okID)
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
	_, err = m.GetJob("q", badID)
	assert.NoError(t, err, "failed jobs are cleaned separately")

	_, err = m.Clean("q", StatusWaiting, time.Now())
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))
	_, err = m.Clean("nope", StatusFailed, time.Now())
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
}

func TestManager_OnRemove(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateQueue("q", QueueOptions{Concurrency: 1}))
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	m.OnRemove(func(queueName, id string) {
		mu.Lock()
		got = append(got, queueName+"/"+id)
		mu.Unlock()
	})

	waitingID, err := m.Enqueue(ctx, "q", "t", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, m.RemoveJob("q", waitingID))
	assert.Error(t, m.RemoveJob("q", waitingID))

	doneID, err := m.Enqueue(ctx, "q", "t", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Process("q", func(context.Context, *Job) error { return nil }))
	require.Eventually(t, func() bool {
		j, _ := m.GetJob("q", doneID)
		return j != nil && j.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	n, err := m.Clean("q", StatusCompleted, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"q/" + waitingID, "q/" + doneID}, got)
}
