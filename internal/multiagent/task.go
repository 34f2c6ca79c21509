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
	"time"

	"golang.org/x/sync/errgroup"

	"workflow-platform/internal/coordination"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/tracing"
)

// Style 任务执行风格
type Style string

const (
	StyleSequential    Style = "sequential"
	StyleParallel      Style = "parallel"
	StyleCollaborative Style = "collaborative"
	StyleCompetitive   Style = "competitive"
)

// Valid 是否为已知风格
func (s Style) Valid() bool {
	switch s {
	case StyleSequential, StyleParallel, StyleCollaborative, StyleCompetitive:
		return true
	}
	return false
}

// Subtask 子任务
type Subtask struct {
	ID           string         `json:"id"`
	Requirements []string       `json:"requirements,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

// Task 在 session 内执行的任务
type Task struct {
	ID       string    `json:"id"`
	Subtasks []Subtask `json:"subtasks"`
	Style    Style     `json:"style"`
	// Select competitive 风格必填
	Select SelectFunc `json:"-"`
}

// SubtaskResult 子任务结果；competitive 时为胜出者的结果
type SubtaskResult struct {
	SubtaskID string        `json:"subtaskId"`
	AgentID   string        `json:"agentId,omitempty"`
	Success   bool          `json:"success"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// TaskResult 任务结果；Results 与提交顺序一致
type TaskResult struct {
	TaskID    string          `json:"taskId"`
	SessionID string          `json:"sessionId"`
	Style     Style           `json:"style"`
	Results   []SubtaskResult `json:"results"`
	Success   bool            `json:"success"`
}

// FirstError 第一个失败子任务的错误
func (r *TaskResult) FirstError() string {
	for _, sr := range r.Results {
		if !sr.Success {
			return sr.SubtaskID + ": " + sr.Error
		}
	}
	return ""
}

func (t Task) validate() error {
	if t.ID == "" {
		return errors.Validation("id", "task id is required")
	}
	if !t.Style.Valid() {
		return errors.Validationf("style", "unknown execution style %q", t.Style)
	}
	if len(t.Subtasks) == 0 {
		return errors.Validation("subtasks", "at least one subtask is required")
	}
	if t.Style == StyleCompetitive && t.Select == nil {
		return errors.Validation("select", "competitive style requires a selection function")
	}
	return nil
}

// ExecuteTask 在 session 内按风格执行任务。子任务失败记录在结果中，不作为 error 返回；
// 超过 TaskTimeout 时 session 失败并返回 CoordinationTimeoutError
func (c *Coordinator) ExecuteTask(ctx context.Context, sessionID string, task Task) (result *TaskResult, err error) {
	if err := task.validate(); err != nil {
		return nil, err
	}
	if c.exec == nil {
		return nil, errors.Validation("executor", "no executor configured")
	}
	sess, err := c.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSessionSpan(ctx, sessionID, task.ID, string(task.Style))
	defer func() { tracing.EndSpan(span, err) }()
	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.TaskTimeout, errTaskDeadline)
	defer cancel()

	result = &TaskResult{TaskID: task.ID, SessionID: sessionID, Style: task.Style}
	switch task.Style {
	case StyleSequential:
		result.Results = c.runSequential(ctx, sess, task, false)
	case StyleCollaborative:
		result.Results = c.runSequential(ctx, sess, task, true)
	case StyleParallel:
		result.Results = c.runParallel(ctx, sess, task)
	case StyleCompetitive:
		result.Results = c.runCompetitive(ctx, sess, task)
	}
	if err := ctx.Err(); err != nil {
		if context.Cause(ctx) == errTaskDeadline {
			_ = c.breakdown(sessionID, "task "+task.ID+" timed out after "+c.cfg.TaskTimeout.String())
			return result, errors.Timeout("task "+task.ID, c.cfg.TaskTimeout)
		}
		return result, err
	}
	result.Success = len(result.Results) == len(task.Subtasks)
	for _, sr := range result.Results {
		if !sr.Success {
			result.Success = false
		}
	}
	c.logger.Info("任务执行结束", "session_id", sessionID, "task_id", task.ID, "style", task.Style, "success", result.Success)
	return result, nil
}

var errTaskDeadline = errors.New("task deadline exceeded")

// runSequential 依次执行，失败即停止；collaborative 时成功结果写入共享内存供后续子任务读取
func (c *Coordinator) runSequential(ctx context.Context, sess *coordination.Session, task Task, shareResults bool) []SubtaskResult {
	out := make([]SubtaskResult, 0, len(task.Subtasks))
	for _, st := range task.Subtasks {
		if ctx.Err() != nil {
			break
		}
		r := c.runOnBest(ctx, sess, task, st)
		out = append(out, r)
		if !r.Success {
			break
		}
		if shareResults {
			if err := c.svc.SetShared(sess.ID, st.ID, r.Output); err != nil {
				c.logger.Warn("共享内存写入失败", "session_id", sess.ID, "subtask_id", st.ID, "error", err)
			}
		}
	}
	return out
}

// runParallel 并发执行全部子任务，结果按提交顺序排列
func (c *Coordinator) runParallel(ctx context.Context, sess *coordination.Session, task Task) []SubtaskResult {
	out := make([]SubtaskResult, len(task.Subtasks))
	var g errgroup.Group
	for i, st := range task.Subtasks {
		g.Go(func() error {
			out[i] = c.runOnBest(ctx, sess, task, st)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// runCompetitive 每个子任务由所有可用参与方独立执行，Select 选出胜者
func (c *Coordinator) runCompetitive(ctx context.Context, sess *coordination.Session, task Task) []SubtaskResult {
	out := make([]SubtaskResult, 0, len(task.Subtasks))
	for _, st := range task.Subtasks {
		if ctx.Err() != nil {
			break
		}
		started := time.Now()
		shared := c.sharedSnapshot(sess.ID)
		candidates := c.compete(ctx, sess.ID, task.ID+"/"+st.ID, sess.Participants, func(ctx context.Context, agentID string) (any, error) {
			return c.exec(ctx, agentID, Assignment{TaskID: task.ID, SessionID: sess.ID, Subtask: st, Shared: shared})
		})
		r := SubtaskResult{SubtaskID: st.ID, Duration: time.Since(started)}
		if len(candidates) == 0 {
			r.Error = "no participant produced a result"
			out = append(out, r)
			continue
		}
		best, err := task.Select(candidates)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.AgentID, r.Output, r.Success = best.AgentID, best.Output, true
		}
		out = append(out, r)
	}
	return out
}

// compete 参与方并发执行 fn，返回成功结果（按参与方顺序）
func (c *Coordinator) compete(ctx context.Context, sessionID, workID string, participants []string, fn func(ctx context.Context, agentID string) (any, error)) []Candidate {
	var (
		results = make([]*Candidate, len(participants))
		g       errgroup.Group
	)
	for i, agentID := range participants {
		a, err := c.svc.GetAgent(agentID)
		if err != nil || !selectable(a) {
			continue
		}
		g.Go(func() error {
			out, took, err := c.work(ctx, sessionID, agentID, workID, func(ctx context.Context) (any, error) {
				return fn(ctx, agentID)
			})
			if err == nil {
				results[i] = &Candidate{AgentID: agentID, Output: out, Duration: took}
			}
			return nil
		})
	}
	_ = g.Wait()
	var out []Candidate
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (c *Coordinator) sharedSnapshot(sessionID string) map[string]any {
	sess, err := c.svc.GetSession(sessionID)
	if err != nil {
		return nil
	}
	return sess.SharedMemory
}

// runOnBest 为子任务在参与方中选 Agent 并执行
func (c *Coordinator) runOnBest(ctx context.Context, sess *coordination.Session, task Task, st Subtask) SubtaskResult {
	r := SubtaskResult{SubtaskID: st.ID}
	agent, err := c.selectParticipant(sess, st.Requirements, task.Style)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.AgentID = agent.ID
	a := Assignment{TaskID: task.ID, SessionID: sess.ID, Subtask: st, Shared: c.sharedSnapshot(sess.ID)}
	out, took, err := c.work(ctx, sess.ID, agent.ID, task.ID+"/"+st.ID, func(ctx context.Context) (any, error) {
		return c.exec(ctx, agent.ID, a)
	})
	r.Duration = took
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Output, r.Success = out, true
	return r
}

// work 在 Agent 上执行一次：标记 busy，经总线发送 assignment 与 completion，记录表现
func (c *Coordinator) work(ctx context.Context, sessionID, agentID, workID string, fn func(ctx context.Context) (any, error)) (out any, took time.Duration, err error) {
	c.beginWork(agentID, workID)
	defer c.endWork(agentID, workID)

	c.notify(ctx, coordination.Message{
		Type:      coordination.MessageAssignment,
		To:        []string{agentID},
		Payload:   map[string]any{"work": workID},
		SessionID: sessionID,
	})
	started := time.Now()
	out, err = invoke(ctx, fn)
	took = time.Since(started)
	if rerr := c.svc.RecordTaskOutcome(agentID, err == nil, took); rerr != nil {
		c.logger.Debug("Agent 表现记录失败", "agent_id", agentID, "error", rerr)
	}

	done := coordination.Message{
		Type:      coordination.MessageCompletion,
		From:      agentID,
		Payload:   map[string]any{"work": workID, "success": err == nil},
		SessionID: sessionID,
	}
	if err != nil {
		done.Type = coordination.MessageError
		done.Payload["error"] = err.Error()
	}
	c.report(ctx, sessionID, agentID, done)
	return out, took, err
}

// invoke 执行 fn，panic 转为错误；ctx 结束时立即返回，不等待忽略 ctx 的 executor
func invoke(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("executor panic: %v", r)
			}
			done <- o
		}()
		o.out, o.err = fn(ctx)
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) notify(ctx context.Context, msg coordination.Message) {
	if _, err := c.svc.SendMessage(ctx, msg); err != nil {
		c.logger.Debug("协调消息发送失败", "type", msg.Type, "error", err)
	}
}

// report 将结果发给 session 其余参与方；没有其他参与方时只写入 session 日志
func (c *Coordinator) report(ctx context.Context, sessionID, agentID string, msg coordination.Message) {
	sess, err := c.svc.GetSession(sessionID)
	if err != nil {
		return
	}
	for _, p := range sess.Participants {
		if p != agentID {
			msg.To = append(msg.To, p)
		}
	}
	if len(msg.To) == 0 {
		if err := c.svc.AppendLog(sessionID, msg); err != nil {
			c.logger.Debug("session 日志写入失败", "session_id", sessionID, "error", err)
		}
		return
	}
	c.notify(ctx, msg)
}
