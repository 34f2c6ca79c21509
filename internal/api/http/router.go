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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"workflow-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 创建 Hertz 实例并注册全部路由；opts 追加在监听地址之后（如链路追踪 tracer）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	h.Use(r.middleware.CORS(), r.middleware.AccessLog(), r.middleware.Metrics())

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	workflows := api.Group("/workflows")
	{
		workflows.POST("/:id/executions", r.handler.EnqueueExecution)
		workflows.POST("/:id/schedule", r.handler.RegisterSchedule)
		workflows.DELETE("/:id/schedule", r.handler.UnregisterSchedule)
	}
	api.GET("/schedules", r.handler.ListSchedules)

	executions := api.Group("/executions")
	{
		executions.GET("/:id", r.handler.GetExecution)
		executions.POST("/:id/cancel", r.handler.CancelExecution)
	}

	agents := api.Group("/agents")
	{
		agents.POST("", r.handler.RegisterAgent)
		agents.GET("", r.handler.ListAgents)
		agents.POST("/:id/heartbeat", r.handler.AgentHeartbeat)
		agents.DELETE("/:id", r.handler.UnregisterAgent)
	}
	api.POST("/messages", r.handler.SendMessage)
	api.GET("/coordination/status", r.handler.CoordinationStatus)
	api.GET("/sessions/:id", r.handler.GetSession)

	queues := api.Group("/queues")
	{
		queues.GET("/:name/jobs", r.handler.ListJobs)
		queues.POST("/:name/pause", r.handler.PauseQueue)
		queues.POST("/:name/resume", r.handler.ResumeQueue)
		queues.POST("/:name/jobs/:jobId/retry", r.handler.RetryJob)
		queues.DELETE("/:name/jobs/:jobId", r.handler.RemoveJob)
	}
	return h
}
