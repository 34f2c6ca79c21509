// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

// Package tracing 提供链路追踪初始化与各执行层的 span 辅助；未初始化时使用全局 no-op provider
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "workflow-platform"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartJobSpan 开始队列 job 执行 span
func StartJobSpan(ctx context.Context, queue, jobID, jobType string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "queue.job",
		trace.WithAttributes(
			attribute.String("queue.name", queue),
			attribute.String("job.id", jobID),
			attribute.String("job.type", jobType),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// StartExecutionSpan 开始工作流执行 span
func StartExecutionSpan(ctx context.Context, executionID, workflowID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
		),
	)
}

// StartNodeSpan 开始 node execution span
func StartNodeSpan(ctx context.Context, nodeID string, nodeType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		),
	)
}

// StartSessionSpan 开始协调 session 内任务执行 span
func StartSessionSpan(ctx context.Context, sessionID, taskID, style string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "coordination.task",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("task.id", taskID),
			attribute.String("task.style", style),
		),
	)
}

// EndSpan 结束 span；err 非 nil 时记录错误状态
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
