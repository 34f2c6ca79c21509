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
	"sync"

	"github.com/google/uuid"

	"workflow-platform/internal/queue"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
)

// JobType workflow 执行 job 的类型
const JobType = "workflow.execute"

// payload 字段
const (
	payloadWorkflowID  = "workflowId"
	payloadExecutionID = "executionId"
	payloadUserID      = "userId"
	payloadInput       = "input"
)

// EnqueueOptions 入队参数
type EnqueueOptions struct {
	UserID      string
	Priority    int
	DelayMs     int64
	MaxAttempts int
	Backoff     *queue.Backoff
}

// Dispatcher 连接队列与 Coordinator：入队 workflow 执行 job，并作为该队列的 handler 执行它们
type Dispatcher struct {
	queues    *queue.Manager
	queueName string
	source    WorkflowSource
	coord     *Coordinator
	logger    *log.Logger

	mu sync.Mutex
	// queued 已入队、执行记录尚未创建的 executionID → jobID；byJob 为其反向索引
	queued map[string]string
	byJob  map[string]string
}

// NewDispatcher 创建 Dispatcher；queueName 须已在 queues 中创建。
// Job 被删除或清理后，对应的待执行映射随之移除
func NewDispatcher(queues *queue.Manager, queueName string, source WorkflowSource, coord *Coordinator, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		queues:    queues,
		queueName: queueName,
		source:    source,
		coord:     coord,
		logger:    log.OrNop(logger).With("component", "dispatcher"),
		queued:    make(map[string]string),
		byJob:     make(map[string]string),
	}
	queues.OnRemove(func(queueName, jobID string) {
		if queueName == d.queueName {
			d.forgetJob(jobID)
		}
	})
	return d
}

// Start 注册为队列 handler，启动 worker 池
func (d *Dispatcher) Start() error {
	return d.queues.Process(d.queueName, d.Handle)
}

// Enqueue 入队一次 workflow 执行并预分配 executionID；未知 workflow 同步返回 NotFoundError
func (d *Dispatcher) Enqueue(ctx context.Context, workflowID string, input map[string]any, opts EnqueueOptions) (jobID, executionID string, err error) {
	if workflowID == "" {
		return "", "", errors.Validation("workflowId", "required")
	}
	if _, err := d.source.Get(ctx, workflowID); err != nil {
		return "", "", err
	}
	executionID = uuid.New().String()
	payload := map[string]any{
		payloadWorkflowID:  workflowID,
		payloadExecutionID: executionID,
		payloadUserID:      opts.UserID,
		payloadInput:       input,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	jobID, err = d.queues.Enqueue(ctx, d.queueName, JobType, payload, queue.EnqueueOptions{
		Priority:    opts.Priority,
		DelayMs:     opts.DelayMs,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
	})
	if err != nil {
		return "", "", err
	}
	d.queued[executionID] = jobID
	d.byJob[jobID] = executionID
	d.logger.Info("workflow 执行已入队", "workflow_id", workflowID, "execution_id", executionID, "job_id", jobID)
	return jobID, executionID, nil
}

// Handle 队列 handler。只有定义加载失败时返回 error 以触发重试；
// 执行失败已写入执行记录，job 本身视为完成，避免节点副作用被重复执行
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	workflowID, _ := job.Payload[payloadWorkflowID].(string)
	executionID, _ := job.Payload[payloadExecutionID].(string)
	userID, _ := job.Payload[payloadUserID].(string)
	input, _ := job.Payload[payloadInput].(map[string]any)
	if workflowID == "" {
		d.logger.Error("job payload 缺少 workflowId，丢弃", "job_id", job.ID)
		return nil
	}

	// 重投递：执行记录已是终态时不再执行
	if executionID != "" {
		if prev, err := d.coord.GetExecution(ctx, executionID); err == nil && prev.Status.Terminal() {
			d.forget(executionID)
			return nil
		}
	}

	graph, err := d.source.Get(ctx, workflowID)
	if err != nil {
		return errors.Wrapf(err, "load workflow %s", workflowID)
	}
	exec, err := d.coord.Execute(ctx, graph, input, ExecuteOptions{UserID: userID, ExecutionID: executionID})
	d.forget(executionID)
	if err != nil {
		return err
	}
	d.logger.Info("workflow job 完成", "job_id", job.ID, "execution_id", exec.ID, "status", exec.Status)
	return nil
}

func (d *Dispatcher) forget(executionID string) {
	d.mu.Lock()
	if jobID, ok := d.queued[executionID]; ok {
		delete(d.byJob, jobID)
		delete(d.queued, executionID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) forgetJob(jobID string) {
	d.mu.Lock()
	if executionID, ok := d.byJob[jobID]; ok {
		delete(d.queued, executionID)
		delete(d.byJob, jobID)
	}
	d.mu.Unlock()
}

// pending 尚未创建执行记录的映射数
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued)
}

// Status 查询执行状态；执行记录尚未创建时依据队列中 job 的状态回答
func (d *Dispatcher) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	st, err := d.coord.GetExecutionStatus(ctx, executionID)
	if err == nil || !errors.Is(err, errors.ErrNotFound) {
		return st, err
	}
	d.mu.Lock()
	jobID, ok := d.queued[executionID]
	d.mu.Unlock()
	if !ok {
		return nil, err
	}
	job, jerr := d.queues.GetJob(d.queueName, jobID)
	if jerr != nil {
		d.forgetJob(jobID)
		return nil, err
	}
	out := &ExecutionStatus{ID: executionID, Status: StatusPending}
	if job.Status == queue.StatusFailed {
		out.Status = StatusFailed
		out.Error = job.LastError
	}
	return out, nil
}
