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
	"maps"
	"slices"
	"time"
)

// Status 执行状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal completed/failed/cancelled 后不再变化
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeResult 单节点结果：成功带 Output，失败带 Error，不依赖 panic/异常跨越执行边界
type NodeResult struct {
	NodeID     string    `json:"nodeId"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Execution 一次 workflow 运行的记录；只由 Coordinator 修改
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	UserID         string                 `json:"userId,omitempty"`
	Status         Status                 `json:"status"`
	Input          map[string]any         `json:"input,omitempty"`
	Output         any                    `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	NodeResults    map[string]*NodeResult `json:"nodeResults"`
	ExecutionOrder []string               `json:"executionOrder"`
	StartedAt      time.Time              `json:"startedAt,omitempty"`
	CompletedAt    time.Time              `json:"completedAt,omitempty"`
	Duration       time.Duration          `json:"duration,omitempty"` // CompletedAt - StartedAt
	// Temporary 执行记录未能写入存储，ID 为本地生成的临时 ID
	Temporary bool `json:"temporary,omitempty"`
}

// Clone 深拷贝 NodeResults 与 ExecutionOrder
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Input = maps.Clone(e.Input)
	cp.ExecutionOrder = slices.Clone(e.ExecutionOrder)
	cp.NodeResults = make(map[string]*NodeResult, len(e.NodeResults))
	for k, v := range e.NodeResults {
		r := *v
		cp.NodeResults[k] = &r
	}
	return &cp
}

// finish 置终态并计算 Duration
func (e *Execution) finish(status Status, at time.Time) {
	e.Status = status
	e.CompletedAt = at
	if !e.StartedAt.IsZero() {
		e.Duration = e.CompletedAt.Sub(e.StartedAt)
	}
}

// ExecutionStatus 对外查询结果
type ExecutionStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}
