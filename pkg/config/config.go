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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"`
}

// QueueConfig 任务队列配置：默认重试、backoff、各队列并发与持久化
type QueueConfig struct {
	DefaultConcurrency int                  `mapstructure:"default_concurrency"` // 未单独配置的队列使用，<=0 时为 1
	DefaultMaxAttempts int                  `mapstructure:"default_max_attempts"` // 含首次，<=0 时为 3
	Backoff            BackoffConfig        `mapstructure:"backoff"`
	PromoteInterval    string               `mapstructure:"promote_interval"` // delayed → waiting 轮询间隔，如 "200ms"
	Queues             []QueueDefConfig     `mapstructure:"queues"`
	Persistence        QueuePersistenceConf `mapstructure:"persistence"`
	Retention          RetentionConfig      `mapstructure:"retention"`
}

// RetentionConfig 已结束 job 的留存时长；为空表示永久保留
type RetentionConfig struct {
	Completed    string `mapstructure:"completed"`     // 如 "24h"
	Failed       string `mapstructure:"failed"`        // 如 "168h"
	ScanInterval string `mapstructure:"scan_interval"` // 默认 "1m"
}

// BackoffConfig 重试退避
type BackoffConfig struct {
	Strategy  string `mapstructure:"strategy"`   // fixed | linear | exponential
	BaseDelay string `mapstructure:"base_delay"` // 如 "1s"
}

// QueueDefConfig 单个具名队列
type QueueDefConfig struct {
	Name        string  `mapstructure:"name"`
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"` // 每秒最多派发数，<=0 不限
	RateBurst   int     `mapstructure:"rate_burst"`
	JobTimeout  string  `mapstructure:"job_timeout"`
}

// QueuePersistenceConf 队列持久化：none | redis
type QueuePersistenceConf struct {
	Type     string `mapstructure:"type"`
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// ScheduleConfig Cron 调度配置
type ScheduleConfig struct {
	Enabled *bool  `mapstructure:"enabled"` // 未配置时默认 true
	Queue   string `mapstructure:"queue"`   // 调度触发入队的目标队列，空则使用 workflow.queue
}

// WorkflowConfig 工作流执行配置
type WorkflowConfig struct {
	Queue            string               `mapstructure:"queue"`              // workflow-execution job 所在队列
	MaxParallelNodes int                  `mapstructure:"max_parallel_nodes"` // 同一波次内并发节点上限
	ExecutionStore   ExecutionStoreConfig `mapstructure:"execution_store"`
	DefinitionsDir   string               `mapstructure:"definitions_dir"` // 启动时载入其中的 *.json 定义
	Redaction        []RedactionRule      `mapstructure:"redaction"`       // 查询执行状态时对 output 字段脱敏
}

// RedactionRule 字段脱敏规则；path 以 . 分隔嵌套字段
type RedactionRule struct {
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"` // redact | hash | remove
	Salt string `mapstructure:"salt"`
}

// ExecutionStoreConfig 执行记录存储：memory | postgres
type ExecutionStoreConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"` // type=postgres 时必填
}

// CoordinationConfig 协调服务配置
type CoordinationConfig struct {
	HeartbeatInterval   string         `mapstructure:"heartbeat_interval"`
	SweepInterval       string         `mapstructure:"sweep_interval"`
	DeliveryInterval    string         `mapstructure:"delivery_interval"`
	MessageOrdering     string         `mapstructure:"message_ordering"`   // fifo | priority | timestamp
	DeliveryGuarantee   string         `mapstructure:"delivery_guarantee"` // at-least-once | exactly-once
	MaxDeliveryAttempts int            `mapstructure:"max_delivery_attempts"`
	DefaultTTL          string         `mapstructure:"default_ttl"`
	DecisionTimeout     string         `mapstructure:"decision_timeout"`
	SessionTimeout      string         `mapstructure:"session_timeout"`
	Resources           map[string]int `mapstructure:"resources"` // 资源名 -> 容量
}

// SecretsConfig 配置值中 secret:KEY 引用的解析来源
type SecretsConfig struct {
	Provider  string            `mapstructure:"provider"`   // env（默认）| memory | vault
	EnvPrefix string            `mapstructure:"env_prefix"` // env：KEY 转为大写环境变量名后加此前缀
	Values    map[string]string `mapstructure:"values"`     // memory：固定取值，用于本地运行
	Vault     VaultConfig       `mapstructure:"vault"`
}

// VaultConfig HashiCorp Vault KV 引擎
type VaultConfig struct {
	Address   string `mapstructure:"address"`    // 空则读 VAULT_ADDR
	Token     string `mapstructure:"token"`      // 空则读 VAULT_TOKEN
	Mount     string `mapstructure:"mount"`      // KV 挂载点，默认 secret
	KVVersion int    `mapstructure:"kv_version"` // 1 | 2，默认 2
	Field     string `mapstructure:"field"`      // 引用未写 #field 时读取的字段，默认 value
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
	Protocol       string `mapstructure:"protocol"` // grpc（默认）| http
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// Default 返回不依赖配置文件即可运行的默认配置
func Default() *Config {
	return &Config{
		API: APIConfig{Port: 8080, Host: "0.0.0.0", Timeout: "30s"},
		Queue: QueueConfig{
			DefaultConcurrency: 4,
			DefaultMaxAttempts: 3,
			Backoff:            BackoffConfig{Strategy: "exponential", BaseDelay: "1s"},
			PromoteInterval:    "200ms",
			Queues:             []QueueDefConfig{{Name: "workflows", Concurrency: 4}},
			Persistence:        QueuePersistenceConf{Type: "none", Prefix: "wfp"},
		},
		Workflow: WorkflowConfig{
			Queue:            "workflows",
			MaxParallelNodes: 8,
			ExecutionStore:   ExecutionStoreConfig{Type: "memory"},
		},
		Coordination: CoordinationConfig{
			HeartbeatInterval:   "10s",
			SweepInterval:       "1s",
			DeliveryInterval:    "100ms",
			MessageOrdering:     "priority",
			DeliveryGuarantee:   "at-least-once",
			MaxDeliveryAttempts: 5,
			DefaultTTL:          "5m",
			DecisionTimeout:     "30s",
			SessionTimeout:      "10m",
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Secrets: SecretsConfig{Provider: "env"},
	}
}

// LoadConfig 加载配置文件；文件中未出现的键保留 Default() 的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return cfg, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml），文件不存在时回退默认配置
func LoadAPIConfig() (*Config, error) {
	return LoadConfigOrDefault("configs/api.yaml")
}

// LoadConfigOrDefault path 不存在时返回 Default()
func LoadConfigOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return LoadConfig(path)
}

// ScheduleEnabled 未配置时默认 true
func (c *Config) ScheduleEnabled() bool {
	if c.Schedule.Enabled == nil {
		return true
	}
	return *c.Schedule.Enabled
}

// ScheduleQueue 调度触发目标队列
func (c *Config) ScheduleQueue() string {
	if c.Schedule.Queue != "" {
		return c.Schedule.Queue
	}
	return c.Workflow.Queue
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
