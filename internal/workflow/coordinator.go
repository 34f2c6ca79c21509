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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/metrics"
	"workflow-platform/pkg/tracing"
)

// ExecuteOptions 单次执行参数
type ExecuteOptions struct {
	UserID string
	// ExecutionID 预分配的执行 ID（由入队方生成），空则由存储分配
	ExecutionID string
}

// CoordinatorConfig 执行参数
type CoordinatorConfig struct {
	MaxParallelNodes int // 同一层内并发节点上限，<=0 不限
	// LocalRecordLimit 未写入存储的终态记录在本地保留的条数，<=0 取 1024，超出后淘汰最早的
	LocalRecordLimit int
	Now              func() time.Time
}

const defaultLocalRecordLimit = 1024

// Coordinator 按拓扑层执行 workflow 图并维护执行记录
type Coordinator struct {
	registry *HandlerRegistry
	store    ExecutionStore
	logger   *log.Logger
	cfg      CoordinatorConfig

	mu sync.RWMutex
	// local 执行中的记录，以及写存储失败、只能在本地查询的记录
	local     map[string]*Execution
	unstored  []string // local 中未落盘的终态记录，按完成顺序
	cancelled map[string]bool
}

// NewCoordinator 创建执行协调器；store 为 nil 时使用内存存储
func NewCoordinator(registry *HandlerRegistry, store ExecutionStore, cfg CoordinatorConfig, logger *log.Logger) *Coordinator {
	if store == nil {
		store = NewMemoryExecutionStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LocalRecordLimit <= 0 {
		cfg.LocalRecordLimit = defaultLocalRecordLimit
	}
	return &Coordinator{
		registry:  registry,
		store:     store,
		logger:    log.OrNop(logger).With("component", "workflow"),
		cfg:       cfg,
		local:     make(map[string]*Execution),
		cancelled: make(map[string]bool),
	}
}

// run 单次执行的可变状态
type run struct {
	c        *Coordinator
	graph    *Graph
	exec     *Execution
	handlers map[string]NodeHandler
	preds    map[string][]string

	mu          sync.Mutex
	aborted     atomic.Bool
	interrupted atomic.Bool // 因取消未派发的节点
	failure     error
	persists    bool // 记录已写入存储
}

// Execute 执行 workflow 图。节点错误写入执行记录并随返回值给出，不作为 error 抛出；
// 仅 graph 为 nil 时返回 error
func (c *Coordinator) Execute(ctx context.Context, graph *Graph, input map[string]any, opts ExecuteOptions) (*Execution, error) {
	if graph == nil {
		return nil, errors.Validation("graph", "graph is required")
	}
	exec := &Execution{
		ID:          opts.ExecutionID,
		WorkflowID:  graph.ID,
		UserID:      opts.UserID,
		Status:      StatusPending,
		Input:       input,
		NodeResults: make(map[string]*NodeResult),
	}
	r := &run{c: c, graph: graph, exec: exec}
	r.create(ctx)

	ctx, span := tracing.StartExecutionSpan(ctx, exec.ID, graph.ID)
	defer span.End()

	exec.StartedAt = c.cfg.Now()
	r.transition(ctx, func(e *Execution) { e.Status = StatusRunning })
	c.logger.Info("workflow 开始执行", "execution_id", exec.ID, "workflow_id", graph.ID, "nodes", len(graph.Nodes))

	var waves [][]Node
	err := graph.Validate()
	if err == nil {
		waves, err = graph.Waves()
	}
	if err == nil {
		r.handlers, err = c.registry.resolveAll(graph)
	}
	if err != nil {
		r.complete(ctx, StatusFailed, err)
		return r.snapshot(), nil
	}
	r.preds = graph.Predecessors()

	for _, wave := range waves {
		if r.halted(ctx) {
			r.complete(ctx, StatusCancelled, nil)
			return r.snapshot(), nil
		}
		r.runWave(ctx, wave)
		if r.aborted.Load() {
			r.complete(ctx, StatusFailed, r.failure)
			return r.snapshot(), nil
		}
		if r.interrupted.Load() {
			r.complete(ctx, StatusCancelled, nil)
			return r.snapshot(), nil
		}
	}
	r.complete(ctx, StatusCompleted, nil)
	return r.snapshot(), nil
}

// create 写入初始记录；失败时记录日志并改用临时 ID 继续
func (r *run) create(ctx context.Context) {
	c := r.c
	if r.resume(ctx) {
		r.persists = true
	} else if id, err := c.store.Create(ctx, r.exec.Clone()); err != nil {
		if r.exec.ID == "" {
			r.exec.ID = "tmp-" + uuid.New().String()
		}
		r.exec.Temporary = true
		c.logger.Error("执行记录写入失败，使用临时 ID 继续", "execution_id", r.exec.ID, "error", errors.TransientStore("create execution", err))
	} else {
		r.exec.ID = id
		r.persists = true
	}
	c.mu.Lock()
	c.local[r.exec.ID] = r.exec.Clone()
	c.mu.Unlock()
}

// resume 预分配 ID 的记录已存在且未到终态（worker 中断后 job 被重投递）时，
// 用新的初始记录覆盖它并在其上重新执行
func (r *run) resume(ctx context.Context) bool {
	if r.exec.ID == "" {
		return false
	}
	prev, err := r.c.store.Get(ctx, r.exec.ID)
	if err != nil || prev.Status.Terminal() {
		return false
	}
	if err := r.c.store.Update(ctx, r.exec.Clone()); err != nil {
		r.c.logger.Warn("重置未完成的执行记录失败", "execution_id", r.exec.ID, "error", errors.TransientStore("reset execution", err))
		return false
	}
	r.c.logger.Warn("执行记录未到终态，重新执行", "execution_id", r.exec.ID, "previous_status", prev.Status, "finished_nodes", len(prev.NodeResults))
	return true
}

// halted 已请求取消或 ctx 已结束；此后不再派发节点，执行以 cancelled 结束
func (r *run) halted(ctx context.Context) bool {
	if r.c.isCancelled(r.exec.ID) || ctx.Err() != nil {
		r.interrupted.Store(true)
		return true
	}
	return false
}

// transition 修改记录并同步到本地表与存储；返回是否已写入存储
func (r *run) transition(ctx context.Context, mutate func(*Execution)) bool {
	r.mu.Lock()
	mutate(r.exec)
	snap := r.exec.Clone()
	r.mu.Unlock()

	r.c.mu.Lock()
	r.c.local[snap.ID] = snap
	r.c.mu.Unlock()

	if !r.persists {
		return false
	}
	if err := r.c.store.Update(context.WithoutCancel(ctx), snap); err != nil {
		r.c.logger.Warn("执行记录更新失败", "execution_id", snap.ID, "status", snap.Status, "error", errors.TransientStore("update execution", err))
		return false
	}
	return true
}

// runWave 并发执行一层节点；出现未设置 continue-on-fail 的失败后不再启动新节点
func (r *run) runWave(ctx context.Context, wave []Node) {
	var g errgroup.Group
	if r.c.cfg.MaxParallelNodes > 0 {
		g.SetLimit(r.c.cfg.MaxParallelNodes)
	}
	for _, node := range wave {
		if r.aborted.Load() || r.halted(ctx) {
			break
		}
		node := node
		g.Go(func() error {
			if r.aborted.Load() || r.halted(ctx) {
				return nil
			}
			r.runNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) runNode(ctx context.Context, node Node) {
	c := r.c
	started := c.cfg.Now()
	upstream := r.upstream(node.ID)

	if node.Disabled {
		res := &NodeResult{NodeID: node.ID, Success: true, Skipped: true, Output: passthrough(upstream, r.exec.Input), StartedAt: started, FinishedAt: started}
		r.record(ctx, res)
		return
	}

	in := NodeInput{
		ExecutionID:  r.exec.ID,
		WorkflowID:   r.graph.ID,
		UserID:       r.exec.UserID,
		Node:         node,
		TriggerInput: r.exec.Input,
		Upstream:     upstream,
	}
	nctx, span := tracing.StartNodeSpan(ctx, node.ID, node.Type)
	out, err := invoke(nctx, r.handlers[node.ID], in)
	tracing.EndSpan(span, err)
	finished := c.cfg.Now()
	metrics.WorkflowNodeDuration.WithLabelValues(node.Type).Observe(finished.Sub(started).Seconds())

	res := &NodeResult{NodeID: node.ID, StartedAt: started, FinishedAt: finished}
	if err != nil {
		nodeErr := &errors.NodeExecutionError{NodeID: node.ID, NodeType: node.Type, Err: err}
		res.Error = nodeErr.Error()
		if !node.ContinueOnFail {
			r.mu.Lock()
			if r.failure == nil {
				r.failure = nodeErr
			}
			r.mu.Unlock()
			r.aborted.Store(true)
		}
		c.logger.Warn("节点执行失败", "execution_id", r.exec.ID, "node_id", node.ID, "continue_on_fail", node.ContinueOnFail, "error", err)
	} else {
		res.Success = true
		res.Output = out
	}
	r.record(ctx, res)
}

// invoke 调用 handler，panic 转为错误
func invoke(ctx context.Context, h NodeHandler, in NodeInput) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("node handler panic: %v", rec)
		}
	}()
	return h.Execute(ctx, in)
}

// upstream 直接前驱的输出；失败的前驱（continue-on-fail）不提供输出
func (r *run) upstream(nodeID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.preds[nodeID]))
	for _, p := range r.preds[nodeID] {
		if res, ok := r.exec.NodeResults[p]; ok && res.Success {
			out[p] = res.Output
		}
	}
	return out
}

// passthrough 禁用节点的输出：单一前驱时透传其输出，无前驱时透传触发输入
func passthrough(upstream map[string]any, trigger map[string]any) any {
	switch len(upstream) {
	case 0:
		return trigger
	case 1:
		for _, v := range upstream {
			return v
		}
	}
	return upstream
}

func (r *run) record(ctx context.Context, res *NodeResult) {
	r.transition(ctx, func(e *Execution) {
		e.NodeResults[res.NodeID] = res
		e.ExecutionOrder = append(e.ExecutionOrder, res.NodeID)
	})
}

// complete 置终态、汇总 sink 输出并写回
func (r *run) complete(ctx context.Context, status Status, cause error) {
	c := r.c
	stored := r.transition(ctx, func(e *Execution) {
		if cause != nil {
			e.Error = cause.Error()
		}
		if status == StatusCompleted {
			e.Output = r.sinkOutput()
		}
		e.finish(status, c.cfg.Now())
	})
	metrics.WorkflowExecutionsTotal.WithLabelValues(string(status)).Inc()
	c.logger.Info("workflow 执行结束", "execution_id", r.exec.ID, "status", status, "duration", r.exec.Duration, "error", r.exec.Error)

	c.mu.Lock()
	delete(c.cancelled, r.exec.ID)
	if stored {
		delete(c.local, r.exec.ID)
	} else {
		c.keepUnstoredLocked(r.exec.ID)
	}
	c.mu.Unlock()
}

// keepUnstoredLocked 未落盘的终态记录只在本地保留最近 LocalRecordLimit 条；调用方持有 c.mu
func (c *Coordinator) keepUnstoredLocked(id string) {
	c.unstored = append(c.unstored, id)
	for len(c.unstored) > c.cfg.LocalRecordLimit {
		delete(c.local, c.unstored[0])
		c.unstored = c.unstored[1:]
	}
}

// sinkOutput 单一 sink 时为其输出，多个 sink 时为 nodeID → 输出。调用方持有 r.mu
func (r *run) sinkOutput() any {
	sinks := r.graph.Sinks()
	if len(sinks) == 1 {
		if res, ok := r.exec.NodeResults[sinks[0]]; ok {
			return res.Output
		}
		return nil
	}
	out := make(map[string]any, len(sinks))
	for _, id := range sinks {
		if res, ok := r.exec.NodeResults[id]; ok && res.Success {
			out[id] = res.Output
		}
	}
	return out
}

func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// Cancel 请求取消：下一个节点派发前生效，不中断执行中的节点
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[executionID]
	if !ok {
		if _, err := c.store.Get(ctx, executionID); err != nil {
			return err
		}
		return errors.Validationf("execution", "execution %s is not running", executionID)
	}
	if e.Status.Terminal() {
		return errors.Validationf("execution", "execution %s already %s", executionID, e.Status)
	}
	c.cancelled[executionID] = true
	c.logger.Info("已请求取消执行", "execution_id", executionID)
	return nil
}

func (c *Coordinator) isCancelled(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled[id]
}

// GetExecution 先查本地（执行中或未落盘），再查存储
func (c *Coordinator) GetExecution(ctx context.Context, id string) (*Execution, error) {
	c.mu.RLock()
	e, ok := c.local[id]
	c.mu.RUnlock()
	if ok {
		return e.Clone(), nil
	}
	return c.store.Get(ctx, id)
}

// GetExecutionStatus 返回 {status, output, error}
func (c *Coordinator) GetExecutionStatus(ctx context.Context, id string) (*ExecutionStatus, error) {
	e, err := c.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{ID: e.ID, Status: e.Status, Output: e.Output, Error: e.Error}, nil
}

// ListExecutions 透传存储查询
func (c *Coordinator) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	return c.store.List(ctx, workflowID, limit)
}
