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

// Package multiagent 多 Agent 任务协调：能力匹配选 Agent、决策协议、
// 以及在协调 session 内按风格执行任务。建立在 coordination.Service 之上。
package multiagent

import (
	"context"
	"slices"
	"sync"
	"time"

	"workflow-platform/internal/coordination"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
)

// Assignment 交给 Agent 执行的一次子任务
type Assignment struct {
	TaskID    string
	SessionID string
	Subtask   Subtask
	// Shared 派发时 session 共享内存的快照
	Shared map[string]any
}

// Executor 在指定 Agent 上执行子任务；Agent 的具体工作不属于本包
type Executor func(ctx context.Context, agentID string, a Assignment) (any, error)

// Config 协调器配置
type Config struct {
	DecisionTimeout time.Duration // 投票未指定超时时使用
	TaskTimeout     time.Duration // 单个任务在 session 内执行的上限，超时后 session 失败
}

// Coordinator 多 Agent 任务协调器
type Coordinator struct {
	svc    *coordination.Service
	exec   Executor
	cfg    Config
	logger *log.Logger

	mu sync.Mutex
	// working Agent 正在处理的子任务，非空时 Agent 为 busy
	working map[string][]string
}

// NewCoordinator 创建协调器
func NewCoordinator(svc *coordination.Service, exec Executor, cfg Config, logger *log.Logger) *Coordinator {
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	return &Coordinator{
		svc:     svc,
		exec:    exec,
		cfg:     cfg,
		logger:  log.OrNop(logger).With("component", "multiagent"),
		working: make(map[string][]string),
	}
}

// activeSession 返回未结束的 session；initializing 时先激活
func (c *Coordinator) activeSession(sessionID string) (*coordination.Session, error) {
	sess, err := c.svc.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case coordination.SessionActive:
		return sess, nil
	case coordination.SessionInitializing:
		return c.svc.ActivateSession(sessionID)
	default:
		return nil, errors.Validationf("status", "session %s is %s", sessionID, sess.Status)
	}
}

// breakdown 使 session 失败并返回 CoordinationFailure
func (c *Coordinator) breakdown(sessionID, reason string) error {
	if _, err := c.svc.FailSession(sessionID, reason); err != nil {
		c.logger.Warn("session 失败状态写入未成功", "session_id", sessionID, "error", err)
	}
	c.logger.Warn("协调失败", "session_id", sessionID, "reason", reason)
	return errors.Failure(sessionID, reason)
}

// beginWork 标记 Agent busy。状态写入在 c.mu 内完成，保证与 working 一致
func (c *Coordinator) beginWork(agentID, workID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.working[agentID] = append(c.working[agentID], workID)
	c.syncStatusLocked(agentID)
}

// endWork 子任务结束；无剩余工作时 Agent 恢复 idle
func (c *Coordinator) endWork(agentID, workID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.working[agentID]
	if i := slices.Index(tasks, workID); i >= 0 {
		tasks = slices.Delete(tasks, i, i+1)
	}
	if len(tasks) == 0 {
		delete(c.working, agentID)
	} else {
		c.working[agentID] = tasks
	}
	c.syncStatusLocked(agentID)
}

func (c *Coordinator) syncStatusLocked(agentID string) {
	tasks := c.working[agentID]
	status := coordination.AgentIdle
	if len(tasks) > 0 {
		status = coordination.AgentBusy
	}
	if _, err := c.svc.UpdateAgentStatus(agentID, status, tasks...); err != nil {
		c.logger.Debug("Agent 状态更新失败", "agent_id", agentID, "error", err)
	}
}

// Coordinate 为任务创建 session，执行后完成或失败该 session
func (c *Coordinator) Coordinate(ctx context.Context, task Task, participants []string, protocol coordination.DecisionType) (*TaskResult, error) {
	sess, err := c.svc.CreateSession(participants, protocol)
	if err != nil {
		return nil, err
	}
	if _, err := c.svc.ActivateSession(sess.ID); err != nil {
		return nil, err
	}
	result, err := c.ExecuteTask(ctx, sess.ID, task)
	if err != nil {
		if errors.Is(err, errors.ErrCoordinationFailure) || errors.Is(err, errors.ErrCoordinationTimeout) {
			return result, err
		}
		return result, c.breakdown(sess.ID, err.Error())
	}
	if !result.Success {
		return result, c.breakdown(sess.ID, "task "+task.ID+" failed: "+result.FirstError())
	}
	if _, err := c.svc.CompleteSession(sess.ID); err != nil {
		return result, err
	}
	return result, nil
}
