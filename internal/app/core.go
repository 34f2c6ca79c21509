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

// Package app 装配执行协调核心：队列、调度、workflow 执行、Agent 协调，
// 对外只暴露 Core 上的边界操作。
package app

import (
	"context"
	"sync"
	"time"

	"workflow-platform/internal/coordination"
	"workflow-platform/internal/multiagent"
	"workflow-platform/internal/queue"
	"workflow-platform/internal/schedule"
	"workflow-platform/internal/workflow"
	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/redaction"
	"workflow-platform/pkg/retention"
	"workflow-platform/pkg/secrets"
)

const (
	defaultWorkflowQueue = "workflows"
	schedulerUserID      = "scheduler"
)

// Deps 外部协作方；为空的字段按配置创建或使用内存实现
type Deps struct {
	Handlers  *workflow.HandlerRegistry
	Source    workflow.WorkflowSource
	Store     workflow.ExecutionStore
	Persister queue.Persister
	Executor  multiagent.Executor
	Secrets   secrets.Store // 解析配置中的 secret: 引用，为空时按 secrets.provider 创建
	Now       func() time.Time
}

// EnqueueOptions 入队参数；Queue 为空时使用 workflow.queue
type EnqueueOptions struct {
	Queue string
	workflow.EnqueueOptions
}

// Core 执行协调核心。进程启动时构造一次，注入 HTTP 层等使用方
type Core struct {
	cfg    *config.Config
	logger *log.Logger

	Queues       *queue.Manager
	Workflows    *workflow.Coordinator
	Schedules    *schedule.Scheduler
	Coordination *coordination.Service
	Tasks        *multiagent.Coordinator
	Handlers     *workflow.HandlerRegistry
	Source       workflow.WorkflowSource

	workflowQueue string
	queueOrder    []string
	dispatchers   map[string]*workflow.Dispatcher
	closers       []func(ctx context.Context) error
	redactor      *redaction.Engine
	retention     *retention.Engine

	mu      sync.Mutex
	started bool
}

// NewCore 按配置装配各组件；持久化后端在此连接，队列状态在此恢复
func NewCore(ctx context.Context, cfg *config.Config, logger *log.Logger, deps Deps) (_ *Core, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = log.OrNop(logger)
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	c := &Core{
		cfg:         cfg,
		logger:      logger.With("component", "core"),
		dispatchers: make(map[string]*workflow.Dispatcher),
	}
	defer func() {
		if err != nil {
			_ = c.runClosers(context.Background())
		}
	}()

	if deps.Secrets == nil {
		if deps.Secrets, err = secrets.NewStore(ctx, cfg.Secrets); err != nil {
			return nil, err
		}
	}
	if c.redactor, err = redaction.NewEngine(cfg.Workflow.Redaction); err != nil {
		return nil, err
	}
	if err := c.initQueues(ctx, deps, now, logger); err != nil {
		return nil, err
	}
	if err := c.initWorkflows(ctx, deps, now, logger); err != nil {
		return nil, err
	}

	c.Schedules = schedule.NewScheduler(
		schedule.EnqueuerFunc(func(ctx context.Context, workflowID string, input map[string]any) (string, error) {
			jobID, _, err := c.EnqueueWorkflowExecution(ctx, workflowID, input, EnqueueOptions{
				Queue:          cfg.ScheduleQueue(),
				EnqueueOptions: workflow.EnqueueOptions{UserID: schedulerUserID},
			})
			return jobID, err
		}),
		logger,
		schedule.WithClock(now),
	)

	cc := cfg.Coordination
	c.Coordination = coordination.New(coordination.Config{
		HeartbeatInterval:   config.ParseDuration(cc.HeartbeatInterval, 10*time.Second),
		SweepInterval:       config.ParseDuration(cc.SweepInterval, time.Second),
		DeliveryInterval:    config.ParseDuration(cc.DeliveryInterval, 100*time.Millisecond),
		Ordering:            coordination.Ordering(cc.MessageOrdering),
		Guarantee:           coordination.DeliveryGuarantee(cc.DeliveryGuarantee),
		MaxDeliveryAttempts: cc.MaxDeliveryAttempts,
		DefaultTTL:          config.ParseDuration(cc.DefaultTTL, 5*time.Minute),
		SessionTimeout:      config.ParseDuration(cc.SessionTimeout, 10*time.Minute),
		Resources:           cc.Resources,
		Now:                 now,
	}, logger)
	c.Tasks = multiagent.NewCoordinator(c.Coordination, deps.Executor, multiagent.Config{
		DecisionTimeout: config.ParseDuration(cc.DecisionTimeout, 30*time.Second),
		TaskTimeout:     config.ParseDuration(cc.SessionTimeout, 10*time.Minute),
	}, logger)
	return c, nil
}

func (c *Core) initQueues(ctx context.Context, deps Deps, now func() time.Time, logger *log.Logger) error {
	qc := c.cfg.Queue
	backoff := queue.Backoff{
		Strategy:  queue.BackoffStrategy(qc.Backoff.Strategy),
		BaseDelay: config.ParseDuration(qc.Backoff.BaseDelay, time.Second),
	}
	if backoff.Strategy != "" {
		if err := backoff.Validate(); err != nil {
			return err
		}
	}
	c.Queues = queue.NewManager(queue.ManagerConfig{
		DefaultConcurrency: qc.DefaultConcurrency,
		DefaultMaxAttempts: qc.DefaultMaxAttempts,
		DefaultBackoff:     backoff,
		PromoteInterval:    config.ParseDuration(qc.PromoteInterval, 200*time.Millisecond),
		Now:                now,
	}, logger)
	// closers 逆序执行：worker 与写队列先于持久化连接关闭
	c.closers = append(c.closers, c.Queues.Close)
	c.retention = retention.NewEngine(retention.PolicyFromConfig(qc.Retention), c.Queues, logger, now)

	for _, q := range qc.Queues {
		if err := c.Queues.CreateQueue(q.Name, queue.QueueOptions{
			Concurrency: q.Concurrency,
			RateLimit:   q.RateLimit,
			RateBurst:   q.RateBurst,
			JobTimeout:  config.ParseDuration(q.JobTimeout, 0),
		}); err != nil {
			return err
		}
	}

	persister := deps.Persister
	switch qc.Persistence.Type {
	case "", "none":
	case "redis":
		if persister == nil {
			password, err := secrets.Resolve(ctx, deps.Secrets, qc.Persistence.Password)
			if err != nil {
				return err
			}
			rp, err := queue.NewRedisPersister(ctx, queue.RedisOptions{
				Addr:     qc.Persistence.Addr,
				Password: password,
				DB:       qc.Persistence.DB,
				Prefix:   qc.Persistence.Prefix,
			})
			if err != nil {
				return errors.TransientStore("connect redis", err)
			}
			c.closers = append(c.closers, func(context.Context) error { return rp.Close() })
			persister = rp
		}
	default:
		return errors.Validationf("queue.persistence.type", "unknown persistence type %q", qc.Persistence.Type)
	}
	if persister != nil {
		c.Queues.SetPersister(persister)
		if _, err := c.Queues.Restore(ctx, persister); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) initWorkflows(ctx context.Context, deps Deps, now func() time.Time, logger *log.Logger) error {
	wc := c.cfg.Workflow
	store := deps.Store
	if store == nil {
		switch wc.ExecutionStore.Type {
		case "", "memory":
			store = workflow.NewMemoryExecutionStore()
		case "postgres":
			if wc.ExecutionStore.DSN == "" {
				return errors.Validation("workflow.execution_store.dsn", "required when type is postgres")
			}
			dsn, err := secrets.Resolve(ctx, deps.Secrets, wc.ExecutionStore.DSN)
			if err != nil {
				return err
			}
			pg, err := workflow.NewPostgresExecutionStore(ctx, dsn)
			if err != nil {
				return errors.TransientStore("connect postgres", err)
			}
			c.closers = append(c.closers, func(context.Context) error { pg.Close(); return nil })
			store = pg
		default:
			return errors.Validationf("workflow.execution_store.type", "unknown store type %q", wc.ExecutionStore.Type)
		}
	}

	c.Handlers = deps.Handlers
	if c.Handlers == nil {
		c.Handlers = workflow.NewHandlerRegistry()
		if err := workflow.RegisterBuiltins(c.Handlers); err != nil {
			return err
		}
	}
	c.Source = deps.Source
	if c.Source == nil {
		src := workflow.NewMemoryWorkflowSource()
		if wc.DefinitionsDir != "" {
			n, err := src.LoadDir(wc.DefinitionsDir)
			if err != nil {
				return err
			}
			c.logger.Info("workflow 定义已载入", "dir", wc.DefinitionsDir, "count", n)
		}
		c.Source = src
	}
	c.Workflows = workflow.NewCoordinator(c.Handlers, store, workflow.CoordinatorConfig{
		MaxParallelNodes: wc.MaxParallelNodes,
		Now:              now,
	}, logger)

	c.workflowQueue = wc.Queue
	if c.workflowQueue == "" {
		c.workflowQueue = defaultWorkflowQueue
	}
	for _, name := range []string{c.workflowQueue, c.cfg.ScheduleQueue()} {
		if name == "" || c.dispatchers[name] != nil {
			continue
		}
		if err := c.Queues.CreateQueue(name, queue.QueueOptions{}); err != nil {
			return err
		}
		c.dispatchers[name] = workflow.NewDispatcher(c.Queues, name, c.Source, c.Workflows, logger)
		c.queueOrder = append(c.queueOrder, name)
	}
	return nil
}

// Config 当前生效配置
func (c *Core) Config() *config.Config { return c.cfg }

// WorkflowQueue workflow 执行 job 的默认队列
func (c *Core) WorkflowQueue() string { return c.workflowQueue }

// Start 启动 workflow 队列 worker、cron 调度、协调服务周期任务与 job 留存清理
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	for _, name := range c.queueOrder {
		if err := c.dispatchers[name].Start(); err != nil {
			return err
		}
	}
	if c.cfg.ScheduleEnabled() {
		c.Schedules.Start()
	}
	c.Coordination.Start(ctx)
	c.retention.Start(context.Background())
	c.started = true
	c.logger.Info("执行协调核心已启动", "queues", c.queueOrder, "schedule", c.cfg.ScheduleEnabled())
	return nil
}

// Shutdown 停止调度与协调，等待执行中的 job 结束后关闭存储连接
func (c *Core) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.Schedules.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	c.Coordination.Stop()
	c.retention.Stop()
	errs = append(errs, c.runClosers(ctx))
	c.logger.Info("执行协调核心已关闭")
	return errors.Join(errs...)
}

// runClosers 逆序关闭，只执行一次
func (c *Core) runClosers(ctx context.Context) error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnqueueWorkflowExecution 入队一次 workflow 执行，返回 jobID 与预分配的 executionID
func (c *Core) EnqueueWorkflowExecution(ctx context.Context, workflowID string, input map[string]any, opts EnqueueOptions) (jobID, executionID string, err error) {
	name := opts.Queue
	if name == "" {
		name = c.workflowQueue
	}
	d, ok := c.dispatchers[name]
	if !ok {
		return "", "", errors.NotFound("workflow queue", name)
	}
	return d.Enqueue(ctx, workflowID, input, opts.EnqueueOptions)
}

// GetExecutionStatus 查询执行状态；尚未开始执行的返回对应 job 的状态
func (c *Core) GetExecutionStatus(ctx context.Context, executionID string) (*workflow.ExecutionStatus, error) {
	if executionID == "" {
		return nil, errors.Validation("executionId", "required")
	}
	err := errors.NotFound("execution", executionID)
	for _, name := range c.queueOrder {
		st, serr := c.dispatchers[name].Status(ctx, executionID)
		if serr == nil {
			if !c.redactor.Enabled() {
				return st, nil
			}
			out := *st
			out.Output = c.redactor.Redact(st.Output)
			return &out, nil
		}
		if !errors.Is(serr, errors.ErrNotFound) {
			return nil, serr
		}
		err = serr
	}
	return nil, err
}

// RegisterAgent 注册或重新注册 Agent
func (c *Core) RegisterAgent(id string, capabilities []string, opts coordination.AgentOptions) (*coordination.Agent, error) {
	return c.Coordination.RegisterAgent(id, capabilities, opts)
}

// SendCoordinationMessage 发送协调消息，返回消息 ID
func (c *Core) SendCoordinationMessage(ctx context.Context, msg coordination.Message) (string, error) {
	return c.Coordination.SendMessage(ctx, msg)
}

// RegisterSchedule 为已存在的 workflow 注册调度，替换旧调度
func (c *Core) RegisterSchedule(ctx context.Context, workflowID string, spec schedule.Spec, timezone string) (*schedule.Registration, error) {
	if !c.cfg.ScheduleEnabled() {
		return nil, errors.Validation("schedule", "scheduling is disabled")
	}
	if _, err := c.Source.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return c.Schedules.Register(workflowID, spec, timezone)
}
