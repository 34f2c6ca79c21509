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

package coordination

import (
	"slices"
	"sort"
	"sync"
	"time"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/metrics"
)

// AgentStatus Agent 状态
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentActive  AgentStatus = "active"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// AgentStatuses 全部状态，用于汇总
var AgentStatuses = []AgentStatus{AgentIdle, AgentBusy, AgentActive, AgentError, AgentOffline}

// Performance Agent 任务表现
type Performance struct {
	TasksCompleted  int           `json:"tasksCompleted"`
	TasksSucceeded  int           `json:"tasksSucceeded"`
	SuccessRate     float64       `json:"successRate"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

// Agent 注册表中的 Agent 快照
type Agent struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Styles        []string    `json:"styles,omitempty"`
	Status        AgentStatus `json:"status"`
	Workload      int         `json:"workload"`
	Tasks         []string    `json:"tasks,omitempty"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	RegisteredAt  time.Time   `json:"registeredAt"`
	Performance   Performance `json:"performance"`

	seq uint64
}

// HasCapability 是否声明了该能力
func (a *Agent) HasCapability(c string) bool {
	_, found := slices.BinarySearch(a.Capabilities, c)
	return found
}

// HasStyle 是否声明了该协作风格
func (a *Agent) HasStyle(style string) bool {
	return slices.Contains(a.Styles, style)
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Styles = slices.Clone(a.Styles)
	c.Tasks = slices.Clone(a.Tasks)
	return &c
}

// AgentOptions 注册可选项
type AgentOptions struct {
	Styles []string
}

type agentTable struct {
	mu   sync.RWMutex
	byID map[string]*Agent
	seq  uint64
}

func newAgentTable() *agentTable {
	return &agentTable{byID: make(map[string]*Agent)}
}

// refreshGaugeLocked 调用方持有 t.mu
func (t *agentTable) refreshGaugeLocked() {
	counts := make(map[AgentStatus]int, len(AgentStatuses))
	for _, a := range t.byID {
		counts[a.Status]++
	}
	for _, st := range AgentStatuses {
		metrics.CoordinationAgents.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func (t *agentTable) get(id string) (*Agent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byID[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	return a.clone(), nil
}

func (t *agentTable) exists(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[id]
	return ok
}

// list 按注册顺序
func (t *agentTable) list() []*Agent {
	t.mu.RLock()
	out := make([]*Agent, 0, len(t.byID))
	for _, a := range t.byID {
		out = append(out, a.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (t *agentTable) countByStatus() map[AgentStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[AgentStatus]int, len(AgentStatuses))
	for _, st := range AgentStatuses {
		out[st] = 0
	}
	for _, a := range t.byID {
		out[a.Status]++
	}
	return out
}

// update 在表锁内修改单个 Agent
func (t *agentTable) update(id string, fn func(a *Agent) error) (*Agent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byID[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	t.refreshGaugeLocked()
	return a.clone(), nil
}

func (t *agentTable) markStale(now time.Time, deadline time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []*Agent
	for _, a := range t.byID {
		if a.Status != AgentOffline && now.Sub(a.LastHeartbeat) > deadline {
			a.Status = AgentOffline
			lost = append(lost, a)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	t.refreshGaugeLocked()
	sort.Slice(lost, func(i, j int) bool { return lost[i].seq < lost[j].seq })
	ids := make([]string, len(lost))
	for i, a := range lost {
		ids[i] = a.ID
	}
	return ids
}

// RegisterAgent 注册 Agent；已注册的 Agent 重新注册时更新能力并恢复为 idle，保留注册顺序与表现数据
func (s *Service) RegisterAgent(id string, capabilities []string, opts AgentOptions) (*Agent, error) {
	if id == "" {
		return nil, errors.Validation("id", "agent id is required")
	}
	now := s.now()
	t := s.agents
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byID[id]
	if !ok {
		t.seq++
		a = &Agent{ID: id, RegisteredAt: now, seq: t.seq}
		t.byID[id] = a
	}
	a.Capabilities = normalizeSet(capabilities)
	a.Styles = normalizeSet(opts.Styles)
	a.Status = AgentIdle
	a.Workload = 0
	a.Tasks = nil
	a.LastHeartbeat = now
	t.refreshGaugeLocked()
	s.logger.Info("Agent 已注册", "agent_id", id, "capabilities", a.Capabilities, "reregistered", ok)
	return a.clone(), nil
}

// UnregisterAgent 注销 Agent，并以 "agent disconnected" 使其参与的未结束 session 失败
func (s *Service) UnregisterAgent(id string) error {
	t := s.agents
	t.mu.Lock()
	if _, ok := t.byID[id]; !ok {
		t.mu.Unlock()
		return errors.NotFound("agent", id)
	}
	delete(t.byID, id)
	t.refreshGaugeLocked()
	t.mu.Unlock()

	s.bus.dropRecipient(id)
	s.failSessionsWith(id, "agent disconnected")
	s.logger.Info("Agent 已注销", "agent_id", id)
	return nil
}

// UpdateAgentStatus 更新状态与当前任务，workload 为任务数。offline 只能由心跳检查或注销产生
func (s *Service) UpdateAgentStatus(id string, status AgentStatus, tasks ...string) (*Agent, error) {
	switch status {
	case AgentIdle, AgentBusy, AgentActive, AgentError:
	case AgentOffline:
		return nil, errors.Validation("status", "offline is set by the heartbeat monitor only")
	default:
		return nil, errors.Validationf("status", "unknown agent status %q", status)
	}
	return s.agents.update(id, func(a *Agent) error {
		a.Status = status
		a.Tasks = slices.Clone(tasks)
		a.Workload = len(tasks)
		return nil
	})
}

// Heartbeat 记录心跳；offline 的 Agent 恢复为 idle
func (s *Service) Heartbeat(id string) (*Agent, error) {
	now := s.now()
	return s.agents.update(id, func(a *Agent) error {
		a.LastHeartbeat = now
		if a.Status == AgentOffline {
			a.Status = AgentIdle
			s.logger.Info("Agent 恢复在线", "agent_id", id)
		}
		return nil
	})
}

// GetAgent 返回 Agent 快照
func (s *Service) GetAgent(id string) (*Agent, error) {
	return s.agents.get(id)
}

// ListAgents 按注册顺序返回全部 Agent
func (s *Service) ListAgents() []*Agent {
	return s.agents.list()
}

// RecordTaskOutcome 记录一次任务结果，更新完成数、成功率与平均响应时间
func (s *Service) RecordTaskOutcome(id string, success bool, took time.Duration) error {
	_, err := s.agents.update(id, func(a *Agent) error {
		p := &a.Performance
		prev := p.TasksCompleted
		p.TasksCompleted++
		if success {
			p.TasksSucceeded++
		}
		p.SuccessRate = float64(p.TasksSucceeded) / float64(p.TasksCompleted)
		p.AvgResponseTime = (p.AvgResponseTime*time.Duration(prev) + took) / time.Duration(p.TasksCompleted)
		return nil
	})
	return err
}
