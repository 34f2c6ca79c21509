// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package multiagent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/internal/coordination"
	"workflow-platform/pkg/errors"
)

func newTestCoordinator(t *testing.T, exec Executor) (*Coordinator, *coordination.Service) {
	t.Helper()
	svc := coordination.New(coordination.Config{HeartbeatInterval: time.Minute}, nil)
	return NewCoordinator(svc, exec, Config{DecisionTimeout: time.Second}, nil), svc
}

func register(t *testing.T, svc *coordination.Service, id string, caps []string, styles ...string) {
	t.Helper()
	_, err := svc.RegisterAgent(id, caps, coordination.AgentOptions{Styles: styles})
	require.NoError(t, err)
}

func echoExecutor(_ context.Context, agentID string, a Assignment) (any, error) {
	return agentID + ":" + a.Subtask.ID, nil
}

func TestSelectAgentScoring(t *testing.T) {
	c, svc := newTestCoordinator(t, echoExecutor)
	register(t, svc, "writer", []string{"write"})
	register(t, svc, "polyglot", []string{"write", "translate"})
	register(t, svc, "stylist", []string{"write"}, "collaborative")

	a, err := c.SelectAgent([]string{"write", "translate"}, StyleSequential)
	require.NoError(t, err)
	assert.Equal(t, "polyglot", a.ID)

	// 同为 write：stylist 有风格加分
	a, err = c.SelectAgent([]string{"write"}, StyleCollaborative)
	require.NoError(t, err)
	assert.Equal(t, "stylist", a.ID)

	// 完全同分时先注册者胜出
	a, err = c.SelectAgent([]string{"write"}, StyleParallel)
	require.NoError(t, err)
	assert.Equal(t, "writer", a.ID)

	// 可用性：busy 不加分
	_, err = svc.UpdateAgentStatus("writer", coordination.AgentBusy, "x")
	require.NoError(t, err)
	a, err = c.SelectAgent([]string{"write"}, StyleParallel)
	require.NoError(t, err)
	assert.Equal(t, "polyglot", a.ID)

	// error 状态被排除
	_, err = svc.UpdateAgentStatus("polyglot", coordination.AgentError)
	require.NoError(t, err)
	a, err = c.SelectAgent([]string{"translate"}, StyleParallel)
	assert.Nil(t, a)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = c.SelectAgent([]string{"paint"}, StyleParallel)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSelectAgentDeterministic(t *testing.T) {
	c, svc := newTestCoordinator(t, echoExecutor)
	for i := 0; i < 5; i++ {
		register(t, svc, fmt.Sprintf("a%d", i), []string{"x", "y"})
	}
	first, err := c.SelectAgent([]string{"x"}, StyleParallel)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.SelectAgent([]string{"x"}, StyleParallel)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
	assert.Equal(t, "a0", first.ID)
}

func TestScore(t *testing.T) {
	a := &coordination.Agent{Capabilities: []string{"a", "b"}, Styles: []string{"parallel"}, Status: coordination.AgentActive}
	assert.Equal(t, 10*2+5+1, Score(a, []string{"a", "b", "c"}, StyleParallel))
	a.Status = coordination.AgentIdle
	assert.Equal(t, 10+3, Score(a, []string{"a"}, StyleSequential))
}

func TestExecuteTaskParallelKeepsSubmissionOrder(t *testing.T) {
	delays := map[string]time.Duration{"s1": 60 * time.Millisecond, "s2": 0, "s3": 30 * time.Millisecond}
	c, svc := newTestCoordinator(t, func(ctx context.Context, agentID string, a Assignment) (any, error) {
		time.Sleep(delays[a.Subtask.ID])
		return a.Subtask.ID, nil
	})
	register(t, svc, "a1", []string{"work"})
	register(t, svc, "a2", []string{"work"})
	sess, err := svc.CreateSession([]string{"a1", "a2"}, coordination.DecisionMajority)
	require.NoError(t, err)

	res, err := c.ExecuteTask(context.Background(), sess.ID, Task{
		ID:    "t",
		Style: StyleParallel,
		Subtasks: []Subtask{
			{ID: "s1", Requirements: []string{"work"}},
			{ID: "s2", Requirements: []string{"work"}},
			{ID: "s3", Requirements: []string{"work"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Success)
	for i, want := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, want, res.Results[i].SubtaskID)
		assert.Equal(t, want, res.Results[i].Output)
	}

	// 执行完成后 Agent 回到 idle，表现已记录
	total := 0
	for _, id := range []string{"a1", "a2"} {
		a, err := svc.GetAgent(id)
		require.NoError(t, err)
		assert.Equal(t, coordination.AgentIdle, a.Status)
		total += a.Performance.TasksCompleted
	}
	assert.Equal(t, 3, total)

	got, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, coordination.SessionActive, got.Status)
	assert.NotEmpty(t, got.CommunicationLog)
}

func TestExecuteTaskCollaborativeSharesResults(t *testing.T) {
	var seen []map[string]any
	var mu sync.Mutex
	c, svc := newTestCoordinator(t, func(_ context.Context, agentID string, a Assignment) (any, error) {
		mu.Lock()
		seen = append(seen, a.Shared)
		mu.Unlock()
		return "out-" + a.Subtask.ID, nil
	})
	register(t, svc, "a1", []string{"draft"})
	sess, err := svc.CreateSession([]string{"a1"}, coordination.DecisionAuthority)
	require.NoError(t, err)

	res, err := c.ExecuteTask(context.Background(), sess.ID, Task{
		ID:       "t",
		Style:    StyleCollaborative,
		Subtasks: []Subtask{{ID: "outline"}, {ID: "body"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Equal(t, "out-outline", seen[1]["outline"])

	v, ok, err := svc.GetShared(sess.ID, "body")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "out-body", v)
}

func TestExecuteTaskSequentialStopsOnFailure(t *testing.T) {
	var ran []string
	c, svc := newTestCoordinator(t, func(_ context.Context, _ string, a Assignment) (any, error) {
		ran = append(ran, a.Subtask.ID)
		if a.Subtask.ID == "b" {
			return nil, errors.New("broken")
		}
		return nil, nil
	})
	register(t, svc, "a1", nil)
	sess, err := svc.CreateSession([]string{"a1"}, coordination.DecisionAuthority)
	require.NoError(t, err)

	res, err := c.ExecuteTask(context.Background(), sess.ID, Task{
		ID:       "t",
		Style:    StyleSequential,
		Subtasks: []Subtask{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, ran)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "broken", res.Results[1].Error)

	a, err := svc.GetAgent("a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, a.Performance.SuccessRate, 1e-9)
}

func TestExecuteTaskCompetitive(t *testing.T) {
	c, svc := newTestCoordinator(t, func(_ context.Context, agentID string, a Assignment) (any, error) {
		return len(agentID), nil
	})
	register(t, svc, "short", nil)
	register(t, svc, "longer", nil)
	sess, err := svc.CreateSession([]string{"short", "longer"}, coordination.DecisionCompetition)
	require.NoError(t, err)

	_, err = c.ExecuteTask(context.Background(), sess.ID, Task{ID: "t", Style: StyleCompetitive, Subtasks: []Subtask{{ID: "s"}}})
	assert.True(t, errors.Is(err, errors.ErrValidation), "select is required")

	longest := func(cs []Candidate) (Candidate, error) {
		best := cs[0]
		for _, c := range cs[1:] {
			if c.Output.(int) > best.Output.(int) {
				best = c
			}
		}
		return best, nil
	}
	res, err := c.ExecuteTask(context.Background(), sess.ID, Task{ID: "t", Style: StyleCompetitive, Subtasks: []Subtask{{ID: "s"}}, Select: longest})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "longer", res.Results[0].AgentID)
	assert.Equal(t, 6, res.Results[0].Output)
}

func TestCoordinate(t *testing.T) {
	c, svc := newTestCoordinator(t, echoExecutor)
	register(t, svc, "a1", []string{"x"})
	register(t, svc, "a2", []string{"x"})

	res, err := c.Coordinate(context.Background(), Task{ID: "ok", Style: StyleParallel, Subtasks: []Subtask{{ID: "s"}}}, []string{"a1", "a2"}, coordination.DecisionMajority)
	require.NoError(t, err)
	sess, err := svc.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, coordination.SessionCompleted, sess.Status)

	res, err = c.Coordinate(context.Background(), Task{ID: "bad", Style: StyleSequential, Subtasks: []Subtask{{ID: "s", Requirements: []string{"fly"}}}}, []string{"a1"}, coordination.DecisionMajority)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCoordinationFailure))
	sess, err = svc.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, coordination.SessionFailed, sess.Status)
}

func voterOf(votes map[string]coordination.Vote) Voter {
	return func(ctx context.Context, agentID string, _ any) (coordination.Vote, error) {
		v, ok := votes[agentID]
		if !ok {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return v, nil
	}
}

func newDecisionSession(t *testing.T, ids ...string) (*Coordinator, *coordination.Service, string) {
	t.Helper()
	c, svc := newTestCoordinator(t, echoExecutor)
	for _, id := range ids {
		register(t, svc, id, nil)
	}
	sess, err := svc.CreateSession(ids, coordination.DecisionConsensus)
	require.NoError(t, err)
	return c, svc, sess.ID
}

func TestDecideConsensus(t *testing.T) {
	ctx := context.Background()

	t.Run("all agree", func(t *testing.T) {
		c, svc, id := newDecisionSession(t, "a", "b", "c")
		d, err := c.Decide(ctx, id, DecisionRequest{
			Type:     coordination.DecisionConsensus,
			Proposal: "deploy",
			Voter:    voterOf(map[string]coordination.Vote{"a": coordination.VoteAgree, "b": coordination.VoteAgree, "c": coordination.VoteAgree}),
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, d.Outcome)
		assert.Len(t, d.Votes, 3)
		sess, err := svc.GetSession(id)
		require.NoError(t, err)
		assert.Len(t, sess.Decisions, 1)
		assert.Equal(t, coordination.SessionActive, sess.Status)
	})

	t.Run("missing vote times out", func(t *testing.T) {
		c, svc, id := newDecisionSession(t, "a", "b")
		_, err := c.Decide(ctx, id, DecisionRequest{
			Type:    coordination.DecisionConsensus,
			Voter:   voterOf(map[string]coordination.Vote{"a": coordination.VoteAgree}),
			Timeout: 30 * time.Millisecond,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCoordinationTimeout))
		sess, err := svc.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, coordination.SessionFailed, sess.Status)
		assert.Empty(t, sess.Decisions)
	})

	t.Run("dissent breaks down", func(t *testing.T) {
		c, svc, id := newDecisionSession(t, "a", "b")
		_, err := c.Decide(ctx, id, DecisionRequest{
			Type:  coordination.DecisionConsensus,
			Voter: voterOf(map[string]coordination.Vote{"a": coordination.VoteAgree, "b": coordination.VoteDisagree}),
		})
		assert.True(t, errors.Is(err, errors.ErrCoordinationFailure))
		sess, err := svc.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, coordination.SessionFailed, sess.Status)
	})
}

func TestDecideMajority(t *testing.T) {
	c, _, id := newDecisionSession(t, "a", "b", "c")
	d, err := c.Decide(context.Background(), id, DecisionRequest{
		Type: coordination.DecisionMajority,
		Voter: voterOf(map[string]coordination.Vote{
			"a": coordination.VoteAgree, "b": coordination.VoteDisagree, "c": coordination.VoteAgree,
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, d.Outcome)
	assert.InDelta(t, 2.0/3.0, d.Confidence, 1e-9)

	d, err = c.Decide(context.Background(), id, DecisionRequest{
		Type: coordination.DecisionMajority,
		Voter: voterOf(map[string]coordination.Vote{
			"a": coordination.VoteAgree, "b": coordination.VoteDisagree, "c": coordination.VoteAbstain,
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome, "tie is not a majority")
}

func TestDecideAuthorityAndDelegation(t *testing.T) {
	ctx := context.Background()
	c, _, id := newDecisionSession(t, "lead", "member")

	_, err := c.Decide(ctx, id, DecisionRequest{Type: coordination.DecisionAuthority, Authority: "outsider", Voter: voterOf(nil)})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	d, err := c.Decide(ctx, id, DecisionRequest{
		Type:      coordination.DecisionAuthority,
		Authority: "lead",
		Voter:     voterOf(map[string]coordination.Vote{"lead": coordination.VoteDisagree, "member": coordination.VoteAgree}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Len(t, d.Votes, 1)

	d, err = c.Decide(ctx, id, DecisionRequest{
		Type:     coordination.DecisionDelegation,
		Delegate: "member",
		Voter:    voterOf(map[string]coordination.Vote{"member": coordination.VoteAgree}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, d.Outcome)

	_, err = c.Decide(ctx, id, DecisionRequest{
		Type:     coordination.DecisionDelegation,
		Delegate: "member",
		Voter:    voterOf(map[string]coordination.Vote{"member": coordination.VoteDisagree}),
	})
	assert.True(t, errors.Is(err, errors.ErrCoordinationFailure))
}

func TestDecideCompetition(t *testing.T) {
	ctx := context.Background()
	c, _, id := newDecisionSession(t, "a", "bb", "ccc")

	_, err := c.Decide(ctx, id, DecisionRequest{Type: coordination.DecisionCompetition})
	assert.True(t, errors.Is(err, errors.ErrValidation), "select is required")

	d, err := c.Decide(ctx, id, DecisionRequest{
		Type:     coordination.DecisionCompetition,
		Proposal: 10,
		Execute: func(_ context.Context, agentID string, proposal any) (any, error) {
			if agentID == "ccc" {
				return nil, errors.New("gave up")
			}
			return proposal.(int) * len(agentID), nil
		},
		Select: func(cs []Candidate) (Candidate, error) {
			best := cs[0]
			for _, c := range cs {
				if c.Output.(int) > best.Output.(int) {
					best = c
				}
			}
			return best, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, d.Outcome)
	assert.InDelta(t, 2.0/3.0, d.Confidence, 1e-9)
}

func TestCoordinateTaskTimeout(t *testing.T) {
	svc := coordination.New(coordination.Config{HeartbeatInterval: time.Minute}, nil)
	blocking := func(ctx context.Context, _ string, _ Assignment) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := NewCoordinator(svc, blocking, Config{TaskTimeout: 50 * time.Millisecond}, nil)
	register(t, svc, "a1", []string{"x"})

	done := make(chan struct{})
	var (
		res *TaskResult
		err error
	)
	go func() {
		defer close(done)
		res, err = c.Coordinate(context.Background(), Task{ID: "slow", Style: StyleParallel, Subtasks: []Subtask{{ID: "s"}}}, []string{"a1"}, coordination.DecisionMajority)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Coordinate did not return after the task timeout")
	}

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCoordinationTimeout))
	require.NotNil(t, res)
	sess, serr := svc.GetSession(res.SessionID)
	require.NoError(t, serr)
	assert.Equal(t, coordination.SessionFailed, sess.Status)
	a, aerr := svc.GetAgent("a1")
	require.NoError(t, aerr)
	assert.Equal(t, coordination.AgentIdle, a.Status)
}

func TestExecuteTaskIgnoringExecutorStillTimesOut(t *testing.T) {
	svc := coordination.New(coordination.Config{HeartbeatInterval: time.Minute}, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := func(context.Context, string, Assignment) (any, error) {
		<-release
		return "late", nil
	}
	c := NewCoordinator(svc, stubborn, Config{TaskTimeout: 50 * time.Millisecond}, nil)
	register(t, svc, "a1", []string{"x"})
	sess, err := svc.CreateSession([]string{"a1"}, coordination.DecisionMajority)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.ExecuteTask(context.Background(), sess.ID, Task{ID: "t", Style: StyleSequential, Subtasks: []Subtask{{ID: "s"}}})
	assert.True(t, errors.Is(err, errors.ErrCoordinationTimeout))
	assert.Less(t, time.Since(start), time.Second)
}
