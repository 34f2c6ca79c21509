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
	"slices"
	"strings"

	"workflow-platform/internal/coordination"
	"workflow-platform/pkg/errors"
)

// 评分权重
const (
	capabilityWeight = 10
	styleBonus       = 5
	idleBonus        = 3
	activeBonus      = 1
)

// Score 10×|R∩caps| + 声明了 style 时 5 + 可用性（idle 3，active 1）
func Score(a *coordination.Agent, requirements []string, style Style) int {
	score := 0
	for _, r := range requirements {
		if a.HasCapability(r) {
			score += capabilityWeight
		}
	}
	if style != "" && a.HasStyle(string(style)) {
		score += styleBonus
	}
	switch a.Status {
	case coordination.AgentIdle:
		score += idleBonus
	case coordination.AgentActive:
		score += activeBonus
	}
	return score
}

func selectable(a *coordination.Agent) bool {
	return a.Status != coordination.AgentOffline && a.Status != coordination.AgentError
}

func matchesAny(a *coordination.Agent, requirements []string) bool {
	return slices.ContainsFunc(requirements, a.HasCapability)
}

// pick 在 candidates（注册顺序）中取最高分，同分取先注册者
func pick(candidates []*coordination.Agent, requirements []string, style Style) (*coordination.Agent, error) {
	var (
		best      *coordination.Agent
		bestScore int
	)
	for _, a := range candidates {
		if !selectable(a) {
			continue
		}
		if len(requirements) > 0 && !matchesAny(a, requirements) {
			continue
		}
		if s := Score(a, requirements, style); best == nil || s > bestScore {
			best, bestScore = a, s
		}
	}
	if best == nil {
		return nil, errors.NotFound("agent with capabilities", strings.Join(requirements, ","))
	}
	return best, nil
}

// SelectAgent 按能力、风格与可用性为任务选择 Agent；相同注册表状态与需求总是得到同一结果
func (c *Coordinator) SelectAgent(requirements []string, style Style) (*coordination.Agent, error) {
	return pick(c.svc.ListAgents(), requirements, style)
}

// selectParticipant 只在 session 参与方中选择
func (c *Coordinator) selectParticipant(sess *coordination.Session, requirements []string, style Style) (*coordination.Agent, error) {
	var candidates []*coordination.Agent
	for _, a := range c.svc.ListAgents() {
		if sess.HasParticipant(a.ID) {
			candidates = append(candidates, a)
		}
	}
	return pick(candidates, requirements, style)
}
