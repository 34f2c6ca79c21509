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

package workflow

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"workflow-platform/pkg/errors"
)

// NodeInput 单个节点执行时可见的数据
type NodeInput struct {
	ExecutionID  string
	WorkflowID   string
	UserID       string
	Node         Node
	TriggerInput map[string]any
	// Upstream 直接前驱节点的输出，key 为前驱 nodeID
	Upstream map[string]any
}

// NodeHandler 节点类型的执行实现（外部集成适配器由此接入）
type NodeHandler interface {
	Execute(ctx context.Context, in NodeInput) (any, error)
}

// HandlerFunc 函数适配 NodeHandler
type HandlerFunc func(ctx context.Context, in NodeInput) (any, error)

// Execute 实现 NodeHandler
func (f HandlerFunc) Execute(ctx context.Context, in NodeInput) (any, error) {
	return f(ctx, in)
}

// HandlerRegistry 节点类型 → 版本 → handler；执行前一次性解析，不在调用时逐个探测
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[int]NodeHandler
}

// NewHandlerRegistry 创建空注册表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]map[int]NodeHandler)}
}

// Register 注册或覆盖 nodeType 的某个版本；version<=0 视为 1
func (r *HandlerRegistry) Register(nodeType string, version int, h NodeHandler) error {
	if nodeType == "" {
		return errors.Validation("nodeType", "required")
	}
	if h == nil {
		return errors.Validation("handler", "required")
	}
	if version <= 0 {
		version = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[nodeType] == nil {
		r.handlers[nodeType] = make(map[int]NodeHandler)
	}
	r.handlers[nodeType][version] = h
	return nil
}

// Resolve 查找 handler；version 为 0 时取最高版本
func (r *HandlerRegistry) Resolve(nodeType string, version int) (NodeHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.handlers[nodeType]
	if !ok || len(versions) == 0 {
		return nil, errors.NotFound("node type", nodeType)
	}
	if version > 0 {
		h, ok := versions[version]
		if !ok {
			return nil, errors.NotFound("node type version", nodeTypeKey(nodeType, version))
		}
		return h, nil
	}
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return versions[latest], nil
}

// resolveAll 为图中所有启用节点解析 handler
func (r *HandlerRegistry) resolveAll(g *Graph) (map[string]NodeHandler, error) {
	out := make(map[string]NodeHandler, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Disabled {
			continue
		}
		h, err := r.Resolve(n.Type, n.TypeVersion)
		if err != nil {
			return nil, err
		}
		out[n.ID] = h
	}
	return out, nil
}

// Types 已注册节点类型（字典序），用于 discovery
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func nodeTypeKey(nodeType string, version int) string {
	return nodeType + "@v" + strconv.Itoa(version)
}
