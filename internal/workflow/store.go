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
	"sync"

	"github.com/google/uuid"

	"workflow-platform/pkg/errors"
)

// ExecutionStore 执行记录存储；写入可能失败，调用方不得因此中止执行
type ExecutionStore interface {
	// Create 保存新记录；exec.ID 为空时由存储分配并返回
	Create(ctx context.Context, exec *Execution) (string, error)
	Update(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// List 按 StartedAt 倒序；workflowID 为空表示全部，limit<=0 不限
	List(ctx context.Context, workflowID string, limit int) ([]*Execution, error)
}

// MemoryExecutionStore 内存实现
type MemoryExecutionStore struct {
	mu   sync.RWMutex
	byID map[string]*Execution
}

// NewMemoryExecutionStore 创建内存执行记录存储
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{byID: make(map[string]*Execution)}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, exec *Execution) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if _, exists := s.byID[exec.ID]; exists {
		return "", errors.Validationf("id", "execution %s already exists", exec.ID)
	}
	s.byID[exec.ID] = exec.Clone()
	return exec.ID, nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[exec.ID]; !ok {
		return errors.NotFound("execution", exec.ID)
	}
	s.byID[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("execution", id)
	}
	return e.Clone(), nil
}

func (s *MemoryExecutionStore) List(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	out := make([]*Execution, 0, len(s.byID))
	for _, e := range s.byID {
		if workflowID == "" || e.WorkflowID == workflowID {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
