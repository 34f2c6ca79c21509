package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"workflow-platform/pkg/errors"
)

// WorkflowSource 加载 workflow 定义；定义的持久化不在本模块内
type WorkflowSource interface {
	Get(ctx context.Context, workflowID string) (*Graph, error)
}

// MemoryWorkflowSource 内存定义表，供测试与单机运行
type MemoryWorkflowSource struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewMemoryWorkflowSource 创建内存定义表
func NewMemoryWorkflowSource(graphs ...*Graph) *MemoryWorkflowSource {
	s := &MemoryWorkflowSource{graphs: make(map[string]*Graph)}
	for _, g := range graphs {
		_ = s.Put(g)
	}
	return s
}

// Put 校验后写入（覆盖同 ID）
func (s *MemoryWorkflowSource) Put(g *Graph) error {
	if g == nil || g.ID == "" {
		return errors.Validation("id", "workflow id is required")
	}
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.graphs[g.ID] = g
	s.mu.Unlock()
	return nil
}

// Get 实现 WorkflowSource
func (s *MemoryWorkflowSource) Get(_ context.Context, workflowID string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[workflowID]
	if !ok {
		return nil, errors.NotFound("workflow", workflowID)
	}
	return g, nil
}

// LoadDir 读取 dir 下全部 *.json 定义（按文件名排序）并写入内存表，返回载入数量
func (s *MemoryWorkflowSource) LoadDir(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return i, errors.Wrapf(err, "read workflow %s", f)
		}
		var g Graph
		if err := json.Unmarshal(data, &g); err != nil {
			return i, errors.Validationf("definition", "%s: %v", filepath.Base(f), err)
		}
		if err := s.Put(&g); err != nil {
			return i, errors.Wrapf(err, "workflow %s", filepath.Base(f))
		}
	}
	return len(files), nil
}
