package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/internal/coordination"
	"workflow-platform/internal/schedule"
	"workflow-platform/internal/workflow"
	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/secrets"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.PromoteInterval = "10ms"
	cfg.Queue.Backoff.BaseDelay = "10ms"
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	handlers := workflow.NewHandlerRegistry()
	require.NoError(t, handlers.Register("upper", 1, workflow.HandlerFunc(func(_ context.Context, in workflow.NodeInput) (any, error) {
		s, _ := in.TriggerInput["text"].(string)
		return strings.ToUpper(s), nil
	})))
	source := workflow.NewMemoryWorkflowSource(&workflow.Graph{
		ID:    "wf-upper",
		Nodes: []workflow.Node{{ID: "n1", Type: "upper"}},
	})
	c, err := NewCore(context.Background(), cfg, nil, Deps{Handlers: handlers, Source: source})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestCore_EnqueueAndStatus(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	jobID, execID, err := c.EnqueueWorkflowExecution(ctx, "wf-upper", map[string]any{"text": "hi"}, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	st, err := c.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, st.Status)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx), "second Start is a no-op")
	require.Eventually(t, func() bool {
		st, err := c.GetExecutionStatus(ctx, execID)
		return err == nil && st.Status == workflow.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	st, _ = c.GetExecutionStatus(ctx, execID)
	assert.Equal(t, "HI", st.Output)
}

func TestCore_EnqueueErrors(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	_, _, err := c.EnqueueWorkflowExecution(ctx, "ghost", nil, EnqueueOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, _, err = c.EnqueueWorkflowExecution(ctx, "wf-upper", nil, EnqueueOptions{Queue: "nope"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = c.GetExecutionStatus(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = c.GetExecutionStatus(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestCore_ScheduleQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.Queue = "scheduled"
	c := newTestCore(t, cfg)
	ctx := context.Background()

	assert.Contains(t, c.Queues.QueueNames(), "scheduled")
	jobID, execID, err := c.EnqueueWorkflowExecution(ctx, "wf-upper", map[string]any{"text": "x"}, EnqueueOptions{Queue: "scheduled"})
	require.NoError(t, err)
	j, err := c.Queues.GetJob("scheduled", jobID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", j.Queue)

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool {
		st, err := c.GetExecutionStatus(ctx, execID)
		return err == nil && st.Status == workflow.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCore_RegisterSchedule(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	reg, err := c.RegisterSchedule(ctx, "wf-upper", schedule.Spec{Interval: 5, Unit: schedule.UnitMinutes}, "UTC")
	require.NoError(t, err)
	fields := strings.Fields(reg.CronExpression)
	require.Len(t, fields, 6)
	assert.Equal(t, "*/5", fields[1])

	again, err := c.RegisterSchedule(ctx, "wf-upper", schedule.Spec{Interval: 5, Unit: schedule.UnitMinutes}, "UTC")
	require.NoError(t, err)
	assert.Equal(t, reg.CronExpression, again.CronExpression)

	_, err = c.RegisterSchedule(ctx, "ghost", schedule.Spec{Cron: "0 * * * *"}, "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = c.RegisterSchedule(ctx, "wf-upper", schedule.Spec{Interval: 0, Unit: schedule.UnitMinutes}, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestCore_ScheduleDisabled(t *testing.T) {
	cfg := testConfig()
	disabled := false
	cfg.Schedule.Enabled = &disabled
	c := newTestCore(t, cfg)

	_, err := c.RegisterSchedule(context.Background(), "wf-upper", schedule.Spec{Cron: "0 * * * *"}, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestCore_Coordination(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	_, err := c.RegisterAgent("a1", []string{"search"}, coordination.AgentOptions{})
	require.NoError(t, err)
	_, err = c.RegisterAgent("a2", []string{"write"}, coordination.AgentOptions{})
	require.NoError(t, err)

	id, err := c.SendCoordinationMessage(ctx, coordination.Message{
		Type:    coordination.MessageSignal,
		From:    "a1",
		To:      []string{"a2"},
		Payload: map[string]any{"hello": true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, c.Coordination.Pending("a2"), 1)

	_, err = c.SendCoordinationMessage(ctx, coordination.Message{Type: coordination.MessageSignal, From: "a1", To: []string{"ghost"}})
	assert.Error(t, err)
}

func TestNewCore_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Persistence.Type = "kafka"
	_, err := NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	cfg = testConfig()
	cfg.Workflow.ExecutionStore.Type = "postgres"
	_, err = NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	cfg = testConfig()
	cfg.Queue.Backoff.Strategy = "random"
	_, err = NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNewBootstrap(t *testing.T) {
	b, err := NewBootstrap(nil)
	require.NoError(t, err)
	assert.NotNil(t, b.Logger)
	assert.Equal(t, 8080, b.Config.API.Port)
}

func TestNewCore_BuiltinsAndDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.json"), []byte(`{
		"id": "greet",
		"nodes": [{"id": "s", "type": "set", "parameters": {"values": {"greeting": "hello"}}}]
	}`), 0o644))
	cfg := testConfig()
	cfg.Workflow.DefinitionsDir = dir

	c, err := NewCore(context.Background(), cfg, nil, Deps{})
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = c.Shutdown(ctx) })
	require.NoError(t, c.Start(ctx))

	_, execID, err := c.EnqueueWorkflowExecution(ctx, "greet", map[string]any{"name": "x"}, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := c.GetExecutionStatus(ctx, execID)
		return err == nil && st.Status == workflow.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	st, _ := c.GetExecutionStatus(ctx, execID)
	assert.Equal(t, map[string]any{"name": "x", "greeting": "hello"}, st.Output)
}

func TestCore_RedactsExecutionOutput(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.Redaction = []config.RedactionRule{{Path: "token"}}
	handlers := workflow.NewHandlerRegistry()
	require.NoError(t, handlers.Register("login", 1, workflow.HandlerFunc(func(context.Context, workflow.NodeInput) (any, error) {
		return map[string]any{"user": "u1", "token": "secret"}, nil
	})))
	source := workflow.NewMemoryWorkflowSource(&workflow.Graph{ID: "wf-login", Nodes: []workflow.Node{{ID: "n1", Type: "login"}}})
	c, err := NewCore(context.Background(), cfg, nil, Deps{Handlers: handlers, Source: source})
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = c.Shutdown(ctx) })
	require.NoError(t, c.Start(ctx))

	_, execID, err := c.EnqueueWorkflowExecution(ctx, "wf-login", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := c.GetExecutionStatus(ctx, execID)
		return err == nil && st.Status == workflow.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	st, err := c.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "u1", "token": "***REDACTED***"}, st.Output)

	cfg = testConfig()
	cfg.Workflow.Redaction = []config.RedactionRule{{Path: "x", Mode: "encrypt"}}
	_, err = NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNewCore_UnresolvedSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.ExecutionStore.Type = "postgres"
	cfg.Workflow.ExecutionStore.DSN = "secret:PG_DSN"
	_, err := NewCore(context.Background(), cfg, nil, Deps{Secrets: secrets.NewMemoryStore(nil)})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestNewCore_SecretsProviderFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Secrets = config.SecretsConfig{Provider: "memory", Values: map[string]string{"other": "x"}}
	cfg.Workflow.ExecutionStore.Type = "postgres"
	cfg.Workflow.ExecutionStore.DSN = "secret:postgres/dsn"
	_, err := NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "lookup goes to the configured memory provider: %v", err)

	cfg = testConfig()
	cfg.Secrets.Provider = "keychain"
	_, err = NewCore(context.Background(), cfg, nil, Deps{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
