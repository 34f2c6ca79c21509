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

// Package schedule 将 cron 或间隔规格转换为按时区触发的定时器，每次触发入队一个 workflow 执行
package schedule

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/metrics"
)

// Enqueuer 触发时调用的入队方
type Enqueuer interface {
	EnqueueWorkflowExecution(ctx context.Context, workflowID string, input map[string]any) (string, error)
}

// EnqueuerFunc 函数适配 Enqueuer
type EnqueuerFunc func(ctx context.Context, workflowID string, input map[string]any) (string, error)

// EnqueueWorkflowExecution 实现 Enqueuer
func (f EnqueuerFunc) EnqueueWorkflowExecution(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	return f(ctx, workflowID, input)
}

// Registration 单个 workflow 的当前调度
type Registration struct {
	WorkflowID     string    `json:"workflowId"`
	CronExpression string    `json:"cronExpression"`
	Timezone       string    `json:"timezone"`
	Spec           Spec      `json:"spec"`
	RegisteredAt   time.Time `json:"registeredAt"`
	Next           time.Time `json:"next"`

	entryID  cron.EntryID
	schedule cron.Schedule
}

// Scheduler 每个 workflow 至多一个有效调度，重复注册替换旧调度
type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	enqueuer Enqueuer
	logger   *log.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	regs    map[string]*Registration
	running bool
}

// Option 可选配置
type Option func(*Scheduler)

// WithClock 注入时钟（Registration.Next 计算用）
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEnqueueTimeout 单次触发入队超时，默认 30s
func WithEnqueueTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler 创建调度器；调用 Start 之前注册的调度不会触发
func NewScheduler(enq Enqueuer, logger *log.Logger, opts ...Option) *Scheduler {
	l := log.OrNop(logger).With("component", "schedule")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		parser:   parser,
		enqueuer: enq,
		logger:   l,
		timeout:  30 * time.Second,
		now:      time.Now,
		regs:     make(map[string]*Registration),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{l}),
		cron.WithChain(cron.Recover(cronLogger{l})),
	)
	return s
}

// Resolve 校验规格并返回最终 cron 表达式（不含时区前缀）
func Resolve(workflowID string, spec Spec) (string, error) {
	hasCron := strings.TrimSpace(spec.Cron) != ""
	hasInterval := spec.Interval != 0 || spec.Unit != ""
	switch {
	case hasCron && hasInterval:
		return "", errors.Validation("spec", "cron and interval are mutually exclusive")
	case hasCron:
		expr := strings.TrimSpace(spec.Cron)
		if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
			return "", errors.Validation("cron", "timezone must be passed separately, not as a prefix")
		}
		return expr, nil
	case hasInterval:
		return IntervalToCron(spec.Interval, spec.Unit, workflowID)
	default:
		return "", errors.Validation("spec", "either cron or interval+unit is required")
	}
}

// Register 注册（或替换）workflow 的调度；任何校验失败都不会改变已有注册
func (s *Scheduler) Register(workflowID string, spec Spec, timezone string) (*Registration, error) {
	if workflowID == "" {
		return nil, errors.Validation("workflowId", "required")
	}
	expr, err := Resolve(workflowID, spec)
	if err != nil {
		return nil, err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, errors.Validationf("timezone", "unknown timezone %q", timezone)
	}
	sched, err := s.parser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, errors.Validationf("cron", "invalid expression %q: %v", expr, err)
	}

	reg := &Registration{
		WorkflowID:     workflowID,
		CronExpression: expr,
		Timezone:       timezone,
		Spec:           spec,
		RegisteredAt:   s.now(),
		schedule:       sched,
	}
	s.mu.Lock()
	if prev, ok := s.regs[workflowID]; ok {
		s.cron.Remove(prev.entryID)
	}
	reg.entryID = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(workflowID, expr) }))
	s.regs[workflowID] = reg
	s.mu.Unlock()

	s.logger.Info("调度已注册", "workflow_id", workflowID, "cron", expr, "timezone", timezone)
	return s.snapshot(reg), nil
}

// Unregister 移除调度
func (s *Scheduler) Unregister(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[workflowID]
	if !ok {
		return errors.NotFound("schedule", workflowID)
	}
	s.cron.Remove(reg.entryID)
	delete(s.regs, workflowID)
	s.logger.Info("调度已移除", "workflow_id", workflowID)
	return nil
}

// Get 返回注册副本
func (s *Scheduler) Get(workflowID string) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[workflowID]
	if !ok {
		return nil, errors.NotFound("schedule", workflowID)
	}
	return s.snapshot(reg), nil
}

// List 全部注册，按 workflowID 排序
func (s *Scheduler) List() []*Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Registration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, s.snapshot(reg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

func (s *Scheduler) snapshot(reg *Registration) *Registration {
	cp := *reg
	cp.Next = reg.schedule.Next(s.now())
	return &cp
}

// Start 启动定时器（独立 goroutine，不阻塞调用方）
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("调度器已启动", "registrations", len(s.regs))
}

// Stop 停止定时器并等待进行中的触发结束，ctx 到期提前返回
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire 单次触发：入队失败只记录日志与指标，下一次 tick 照常进行
func (s *Scheduler) fire(workflowID, expr string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	firedAt := s.now()
	input := map[string]any{
		"trigger": "schedule",
		"firedAt": firedAt.UTC().Format(time.RFC3339),
		"cron":    expr,
	}
	jobID, err := s.enqueuer.EnqueueWorkflowExecution(ctx, workflowID, input)
	if err != nil {
		metrics.ScheduleFiresTotal.WithLabelValues("error").Inc()
		s.logger.Error("调度触发入队失败", "workflow_id", workflowID, "error", err)
		return
	}
	metrics.ScheduleFiresTotal.WithLabelValues("enqueued").Inc()
	s.logger.Debug("调度触发", "workflow_id", workflowID, "job_id", jobID)
}

// cronLogger 将 cron 内部日志接入 slog
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
