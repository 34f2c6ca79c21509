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

// Package workflow 执行 workflow 节点依赖图：拓扑分层、并发派发、逐节点结果与执行记录
package workflow

import (
	"workflow-platform/pkg/errors"
)

// Graph workflow 定义（节点 + 有向边），由外部持久层提供
type Graph struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node 图中单个节点
type Node struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Type           string         `json:"type"`
	TypeVersion    int            `json:"typeVersion,omitempty"` // 0 表示最新版本
	Parameters     map[string]any `json:"parameters,omitempty"`
	ContinueOnFail bool           `json:"continueOnFail,omitempty"`
	Disabled       bool           `json:"disabled,omitempty"` // 跳过执行，上游数据透传
}

// Edge From 的输出是 To 的数据依赖
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Validate 节点 ID 非空且唯一、类型非空、边指向已知节点、无环
func (g *Graph) Validate() error {
	if g == nil || len(g.Nodes) == 0 {
		return errors.Validation("nodes", "graph has no nodes")
	}
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errors.Validation("nodes", "node id is required")
		}
		if n.Type == "" {
			return errors.Validationf("nodes", "node %s has no type", n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return errors.Validationf("nodes", "duplicate node id %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := seen[e.From]; !ok {
			return errors.Validationf("edges", "edge references unknown node %s", e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return errors.Validationf("edges", "edge references unknown node %s", e.To)
		}
		if e.From == e.To {
			return errors.Validationf("edges", "self loop on node %s", e.From)
		}
	}
	if _, err := g.Waves(); err != nil {
		return err
	}
	return nil
}

// Predecessors 每个节点的直接前驱（按边声明顺序，去重）
func (g *Graph) Predecessors() map[string][]string {
	preds := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		dup := false
		for _, p := range preds[e.To] {
			if p == e.From {
				dup = true
				break
			}
		}
		if !dup {
			preds[e.To] = append(preds[e.To], e.From)
		}
	}
	return preds
}

// Waves 按依赖分层（Kahn）：同一层节点互不依赖，可并发执行；层内保持节点声明顺序。存在环时返回 ValidationError
func (g *Graph) Waves() ([][]Node, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.ID] = i
	}
	indegree := make([]int, len(g.Nodes))
	succ := make([][]int, len(g.Nodes))
	for from, tos := range g.successorSets(index) {
		for to := range tos {
			succ[from] = append(succ[from], to)
			indegree[to]++
		}
	}

	var current []int
	for i := range g.Nodes {
		if indegree[i] == 0 {
			current = append(current, i)
		}
	}
	var waves [][]Node
	visited := 0
	for len(current) > 0 {
		wave := make([]Node, 0, len(current))
		nextSet := make(map[int]struct{})
		for _, i := range current {
			wave = append(wave, g.Nodes[i])
			visited++
			for _, to := range succ[i] {
				indegree[to]--
				if indegree[to] == 0 {
					nextSet[to] = struct{}{}
				}
			}
		}
		waves = append(waves, wave)
		current = current[:0:0]
		for i := range g.Nodes {
			if _, ok := nextSet[i]; ok {
				current = append(current, i)
			}
		}
	}
	if visited != len(g.Nodes) {
		return nil, errors.Validation("edges", "graph contains a cycle")
	}
	return waves, nil
}

func (g *Graph) successorSets(index map[string]int) map[int]map[int]struct{} {
	out := make(map[int]map[int]struct{})
	for _, e := range g.Edges {
		from, ok1 := index[e.From]
		to, ok2 := index[e.To]
		if !ok1 || !ok2 {
			continue
		}
		if out[from] == nil {
			out[from] = make(map[int]struct{})
		}
		out[from][to] = struct{}{}
	}
	return out
}

// TopologicalOrder 拓扑序（逐层展开）
func (g *Graph) TopologicalOrder() ([]string, error) {
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.Nodes))
	for _, w := range waves {
		for _, n := range w {
			order = append(order, n.ID)
		}
	}
	return order, nil
}

// Sinks 没有出边的节点 ID（声明顺序）
func (g *Graph) Sinks() []string {
	hasOut := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		hasOut[e.From] = true
	}
	var out []string
	for _, n := range g.Nodes {
		if !hasOut[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}
