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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"workflow-platform/internal/api/http"
	"workflow-platform/internal/api/http/middleware"
	"workflow-platform/internal/app"
	"workflow-platform/pkg/config"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/tracing"
)

const defaultServiceName = "workflow-platform"

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 Core、HTTP Router、Handler、Middleware）
type App struct {
	config       *app.Bootstrap
	core         *app.Core
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	core, err := app.NewCore(context.Background(), bootstrap.Config, bootstrap.Logger, app.Deps{})
	if err != nil {
		return nil, fmt.Errorf("初始化执行核心失败: %w", err)
	}
	handler := http.NewHandler(core)
	mw := middleware.NewMiddleware(bootstrap.Logger)
	return &App{
		config: bootstrap,
		core:   core,
		router: http.NewRouter(handler, mw),
	}, nil
}

// Core 返回装配好的执行核心
func (a *App) Core() *app.Core { return a.core }

// Run 启动后台组件与 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	var output io.Writer = os.Stdout
	if a.config.Config.Log.File != "" {
		f, err := os.OpenFile(a.config.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(a.config.Config.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	a.hertz = a.buildServer(addr)

	if err := a.core.Start(context.Background()); err != nil {
		return fmt.Errorf("启动执行核心失败: %w", err)
	}
	return a.hertz.Run()
}

// buildServer 创建 Hertz 实例；开启链路追踪时挂载 OpenTelemetry provider 与服务端中间件
func (a *App) buildServer(addr string) *server.Hertz {
	tc := a.config.Config.Monitoring.Tracing
	if !tc.Enable {
		return a.router.Build(addr)
	}
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	exportEndpoint := tc.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if exportEndpoint == "" {
		a.config.Logger.Warn("链路追踪已开启但未配置 export_endpoint，跳过")
		return a.router.Build(addr)
	}

	p, err := newOTelProvider(tc, serviceName, exportEndpoint)
	if err != nil {
		a.config.Logger.Warn("链路追踪初始化失败", "error", err)
		return a.router.Build(addr)
	}
	a.otelProvider = p
	tracerOpt, cfg := hertztracing.NewServerTracer()
	h := a.router.Build(addr, tracerOpt)
	h.Use(hertztracing.ServerMiddleware(cfg))
	a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint, "protocol", tc.Protocol)
	return h
}

// newOTelProvider protocol=http 时走 OTLP/HTTP exporter，否则使用 hertz-contrib 的 gRPC provider
func newOTelProvider(tc config.TracingConfig, serviceName, endpoint string) (otelProviderShutdown, error) {
	if tc.Protocol == "http" {
		return tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: endpoint,
			Insecure:       tc.Insecure,
		})
	}
	opts := []provider.Option{
		provider.WithServiceName(serviceName),
		provider.WithExportEndpoint(endpoint),
	}
	if tc.Insecure {
		opts = append(opts, provider.WithInsecure())
	}
	return provider.NewOpenTelemetryProvider(opts...), nil
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.core.Shutdown(ctx)
}
