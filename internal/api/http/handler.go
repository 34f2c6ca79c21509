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

package http

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	wfapp "workflow-platform/internal/app"
	"workflow-platform/internal/coordination"
	"workflow-platform/internal/queue"
	"workflow-platform/internal/schedule"
	"workflow-platform/internal/workflow"
	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/metrics"
)

// Handler HTTP 处理器，只调用 Core 暴露的操作
type Handler struct {
	core *wfapp.Core
}

// NewHandler 创建 HTTP 处理器
func NewHandler(core *wfapp.Core) *Handler {
	return &Handler{core: core}
}

// writeError 按错误类型映射状态码
func writeError(ctx context.Context, c *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrValidation):
		status = consts.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, errors.ErrCoordinationTimeout):
		status = consts.StatusGatewayTimeout
	default:
		hlog.CtxErrorf(ctx, "request %s %s failed: %v", c.Method(), c.Path(), err)
	}
	c.JSON(status, map[string]string{"error": err.Error()})
}

// bindOptional 请求体为空时保留零值
func bindOptional(c *app.RequestContext, v any) error {
	if len(bytes.TrimSpace(c.Request.Body())) == 0 {
		return nil
	}
	if err := c.BindJSON(v); err != nil {
		return errors.Validation("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "workflow-platform",
	})
}

// Metrics Prometheus 文本格式
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// BackoffRequest 重试退避；BaseDelay 为时长字符串，如 "2s"
type BackoffRequest struct {
	Strategy  string `json:"strategy"`
	BaseDelay string `json:"baseDelay"`
}

// EnqueueRequest 手动触发一次执行
type EnqueueRequest struct {
	Input       map[string]any  `json:"input"`
	Queue       string          `json:"queue,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	DelayMs     int64           `json:"delayMs,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Backoff     *BackoffRequest `json:"backoff,omitempty"`
}

func (r EnqueueRequest) options() (wfapp.EnqueueOptions, error) {
	opts := wfapp.EnqueueOptions{
		Queue: r.Queue,
		EnqueueOptions: workflow.EnqueueOptions{
			UserID:      r.UserID,
			Priority:    r.Priority,
			DelayMs:     r.DelayMs,
			MaxAttempts: r.MaxAttempts,
		},
	}
	if r.Backoff != nil {
		b := &queue.Backoff{Strategy: queue.BackoffStrategy(r.Backoff.Strategy)}
		if r.Backoff.BaseDelay != "" {
			d, err := time.ParseDuration(r.Backoff.BaseDelay)
			if err != nil {
				return opts, errors.Validation("backoff.baseDelay", err.Error())
			}
			b.BaseDelay = d
		}
		opts.Backoff = b
	}
	return opts, nil
}

// EnqueueExecution 入队一次 workflow 执行
// POST /api/workflows/:id/executions
func (h *Handler) EnqueueExecution(ctx context.Context, c *app.RequestContext) {
	var req EnqueueRequest
	if err := bindOptional(c, &req); err != nil {
		writeError(ctx, c, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	jobID, executionID, err := h.core.EnqueueWorkflowExecution(ctx, c.Param("id"), req.Input, opts)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{
		"jobId":       jobID,
		"executionId": executionID,
	})
}

// GetExecution 执行状态
// GET /api/executions/:id
func (h *Handler) GetExecution(ctx context.Context, c *app.RequestContext) {
	st, err := h.core.GetExecutionStatus(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, st)
}

// CancelExecution 请求取消执行中的 workflow
// POST /api/executions/:id/cancel
func (h *Handler) CancelExecution(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.core.Workflows.Cancel(ctx, id); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"executionId": id, "status": "cancelling"})
}

// ScheduleRequest 调度规格：cron 与 interval+unit 二选一
type ScheduleRequest struct {
	Cron     string `json:"cron,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RegisterSchedule 注册或替换调度
// POST /api/workflows/:id/schedule
func (h *Handler) RegisterSchedule(ctx context.Context, c *app.RequestContext) {
	var req ScheduleRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(ctx, c, errors.Validation("body", "invalid JSON: "+err.Error()))
		return
	}
	reg, err := h.core.RegisterSchedule(ctx, c.Param("id"), schedule.Spec{
		Cron:     req.Cron,
		Interval: req.Interval,
		Unit:     schedule.Unit(req.Unit),
	}, req.Timezone)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, reg)
}

// UnregisterSchedule 移除调度
// DELETE /api/workflows/:id/schedule
func (h *Handler) UnregisterSchedule(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Schedules.Unregister(c.Param("id")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}

// ListSchedules 当前全部调度
// GET /api/schedules
func (h *Handler) ListSchedules(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{"schedules": h.core.Schedules.List()})
}

// AgentRequest 注册 Agent
type AgentRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Styles       []string `json:"styles,omitempty"`
}

// RegisterAgent 注册或重新注册 Agent
// POST /api/agents
func (h *Handler) RegisterAgent(ctx context.Context, c *app.RequestContext) {
	var req AgentRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(ctx, c, errors.Validation("body", "invalid JSON: "+err.Error()))
		return
	}
	a, err := h.core.RegisterAgent(req.ID, req.Capabilities, coordination.AgentOptions{Styles: req.Styles})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, a)
}

// ListAgents 按注册顺序列出 Agent
// GET /api/agents
func (h *Handler) ListAgents(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{"agents": h.core.Coordination.ListAgents()})
}

// AgentHeartbeat 心跳
// POST /api/agents/:id/heartbeat
func (h *Handler) AgentHeartbeat(ctx context.Context, c *app.RequestContext) {
	a, err := h.core.Coordination.Heartbeat(c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, a)
}

// UnregisterAgent 注销 Agent，其所在 session 失败
// DELETE /api/agents/:id
func (h *Handler) UnregisterAgent(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Coordination.UnregisterAgent(c.Param("id")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}

// MessageRequest 协调消息；TTLMs<=0 使用默认 TTL
type MessageRequest struct {
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        []string       `json:"to"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	TTLMs     int64          `json:"ttlMs,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// SendMessage 发送协调消息
// POST /api/messages
func (h *Handler) SendMessage(ctx context.Context, c *app.RequestContext) {
	var req MessageRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(ctx, c, errors.Validation("body", "invalid JSON: "+err.Error()))
		return
	}
	id, err := h.core.SendCoordinationMessage(ctx, coordination.Message{
		Type:      coordination.MessageType(req.Type),
		From:      req.From,
		To:        req.To,
		Payload:   req.Payload,
		Priority:  req.Priority,
		TTL:       time.Duration(req.TTLMs) * time.Millisecond,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"messageId": id})
}

// CoordinationStatus Agent、session、消息与资源概要
// GET /api/coordination/status
func (h *Handler) CoordinationStatus(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, h.core.Coordination.Summary())
}

// GetSession 协调 session
// GET /api/sessions/:id
func (h *Handler) GetSession(ctx context.Context, c *app.RequestContext) {
	s, err := h.core.Coordination.GetSession(c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, s)
}

// ListJobs 队列中的 Job；status 为空表示全部，start/end 为闭区间，end=-1 到末尾
// GET /api/queues/:name/jobs?status=&start=&end=
func (h *Handler) ListJobs(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	status := queue.Status(c.Query("status"))
	r := queue.All
	var err error
	if s := c.Query("start"); s != "" {
		if r.Start, err = strconv.Atoi(s); err != nil {
			writeError(ctx, c, errors.Validation("start", "must be an integer"))
			return
		}
	}
	if s := c.Query("end"); s != "" {
		if r.End, err = strconv.Atoi(s); err != nil {
			writeError(ctx, c, errors.Validation("end", "must be an integer"))
			return
		}
	}
	jobs, err := h.core.Queues.ListJobs(name, status, r)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	counts, err := h.core.Queues.Counts(name)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"queue": name, "jobs": jobs, "counts": counts})
}

// PauseQueue 暂停派发
// POST /api/queues/:name/pause
func (h *Handler) PauseQueue(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Queues.PauseQueue(c.Param("name")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"queue": c.Param("name"), "status": "paused"})
}

// ResumeQueue 恢复派发
// POST /api/queues/:name/resume
func (h *Handler) ResumeQueue(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Queues.ResumeQueue(c.Param("name")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"queue": c.Param("name"), "status": "active"})
}

// RetryJob 失败 Job 重新入队
// POST /api/queues/:name/jobs/:jobId/retry
func (h *Handler) RetryJob(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Queues.RetryJob(c.Param("name"), c.Param("jobId")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"jobId": c.Param("jobId")})
}

// RemoveJob 删除非 active 的 Job
// DELETE /api/queues/:name/jobs/:jobId
func (h *Handler) RemoveJob(ctx context.Context, c *app.RequestContext) {
	if err := h.core.Queues.RemoveJob(c.Param("name"), c.Param("jobId")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}
