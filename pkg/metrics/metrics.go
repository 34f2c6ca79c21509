package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		QueueJobsTotal, QueueJobDuration, QueueDepth,
		WorkflowExecutionsTotal, WorkflowNodeDuration,
		ScheduleFiresTotal,
		CoordinationMessagesTotal, CoordinationAgents, CoordinationSessionsTotal,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// QueueJobsTotal 队列 Job 状态转移次数
var QueueJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_queue_jobs_total",
		Help: "队列 Job 状态转移次数",
	},
	[]string{"queue", "status"}, // enqueued | completed | retried | failed
)

// QueueJobDuration Job handler 执行耗时（秒）
var QueueJobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wfp_queue_job_duration_seconds",
		Help:    "Job handler 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"queue"},
)

// QueueDepth 各队列各状态的 Job 数
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "wfp_queue_depth",
		Help: "各队列各状态的 Job 数",
	},
	[]string{"queue", "status"},
)

// WorkflowExecutionsTotal 工作流执行终态计数
var WorkflowExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_workflow_executions_total",
		Help: "工作流执行终态计数",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// WorkflowNodeDuration 单节点执行耗时（秒）
var WorkflowNodeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wfp_workflow_node_duration_seconds",
		Help:    "单节点执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"node_type"},
)

// ScheduleFiresTotal 调度触发次数
var ScheduleFiresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_schedule_fires_total",
		Help: "调度触发次数",
	},
	[]string{"result"}, // enqueued | error
)

// CoordinationMessagesTotal 消息总线事件
var CoordinationMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_coordination_messages_total",
		Help: "消息总线事件",
	},
	[]string{"event"}, // sent | delivered | redelivered | expired | dropped
)

// CoordinationAgents 各状态 Agent 数
var CoordinationAgents = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "wfp_coordination_agents",
		Help: "各状态 Agent 数",
	},
	[]string{"status"},
)

// CoordinationSessionsTotal session 终态计数
var CoordinationSessionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_coordination_sessions_total",
		Help: "session 终态计数",
	},
	[]string{"status"},
)

// HTTPRequestsTotal API 请求数；route 为注册的路由模板
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfp_http_requests_total",
		Help: "API 请求数",
	},
	[]string{"method", "route", "code"},
)

// HTTPRequestDuration API 请求耗时（秒）
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wfp_http_request_duration_seconds",
		Help:    "API 请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
