package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wfperrors "workflow-platform/pkg/errors"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  int // 前 fail 次返回错误
}

func (r *recordingEnqueuer) EnqueueWorkflowExecution(_ context.Context, workflowID string, input map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, input)
	if len(r.calls) <= r.fail {
		return "", errors.New("queue unavailable")
	}
	return "job-" + workflowID, nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduler_RegisterReplaces(t *testing.T) {
	s := NewScheduler(&recordingEnqueuer{}, nil)
	first, err := s.Register("wf", Spec{Interval: 5, Unit: UnitMinutes}, "UTC")
	require.NoError(t, err)
	second, err := s.Register("wf", Spec{Interval: 5, Unit: UnitMinutes}, "UTC")
	require.NoError(t, err)
	assert.Equal(t, first.CronExpression, second.CronExpression)

	_, err = s.Register("wf", Spec{Cron: "0 0 * * *"}, "Asia/Shanghai")
	require.NoError(t, err)
	regs := s.List()
	require.Len(t, regs, 1)
	assert.Equal(t, "0 0 * * *", regs[0].CronExpression)
	assert.Equal(t, "Asia/Shanghai", regs[0].Timezone)
	assert.False(t, regs[0].Next.IsZero())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_ValidationKeepsPrevious(t *testing.T) {
	s := NewScheduler(&recordingEnqueuer{}, nil)
	_, err := s.Register("wf", Spec{Interval: 1, Unit: UnitHours}, "")
	require.NoError(t, err)

	bad := []struct {
		spec Spec
		tz   string
	}{
		{Spec{Interval: 0, Unit: UnitMinutes}, "UTC"},
		{Spec{Interval: 3, Unit: "fortnights"}, "UTC"},
		{Spec{Cron: "not a cron"}, "UTC"},
		{Spec{Cron: "* * * * *", Interval: 1, Unit: UnitMinutes}, "UTC"},
		{Spec{}, "UTC"},
		{Spec{Interval: 1, Unit: UnitMinutes}, "Mars/Olympus"},
		{Spec{Cron: "CRON_TZ=UTC * * * * *"}, "UTC"},
	}
	for _, b := range bad {
		_, err := s.Register("wf", b.spec, b.tz)
		assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation), "%+v: %v", b.spec, err)
	}
	reg, err := s.Get("wf")
	require.NoError(t, err)
	assert.Equal(t, "UTC", reg.Timezone)
	assert.Equal(t, UnitHours, reg.Spec.Unit)

	_, err = s.Register("", Spec{Interval: 1, Unit: UnitHours}, "")
	assert.True(t, wfperrors.Is(err, wfperrors.ErrValidation))
}

func TestScheduler_Unregister(t *testing.T) {
	s := NewScheduler(&recordingEnqueuer{}, nil)
	_, err := s.Register("wf", Spec{Cron: "@hourly"}, "UTC")
	require.NoError(t, err)
	require.NoError(t, s.Unregister("wf"))
	assert.True(t, wfperrors.Is(s.Unregister("wf"), wfperrors.ErrNotFound))
	_, err = s.Get("wf")
	assert.True(t, wfperrors.Is(err, wfperrors.ErrNotFound))
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_FiresAndSurvivesEnqueueErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for real cron ticks")
	}
	enq := &recordingEnqueuer{fail: 1}
	s := NewScheduler(enq, nil)
	_, err := s.Register("wf", Spec{Interval: 1, Unit: UnitSeconds}, "UTC")
	require.NoError(t, err)
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return enq.count() >= 2 }, 4*time.Second, 50*time.Millisecond)
	enq.mu.Lock()
	defer enq.mu.Unlock()
	assert.Equal(t, "schedule", enq.calls[0]["trigger"])
}
