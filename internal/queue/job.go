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

// Package queue 具名任务队列：优先级/延迟/重试元数据，按队列限并发的 worker 池拉取执行，至少一次投递
package queue

import (
	"context"
	"maps"
	"time"
)

// Status Job 状态
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
)

// AllStatuses 固定顺序，供 Counts 与指标遍历
var AllStatuses = []Status{StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusDelayed, StatusPaused}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Job 队列中的一条延后工作；只归属所在队列，状态转移由 Manager 完成
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	DelayMs     int64          `json:"delay_ms"`
	Attempts    int            `json:"attempts"` // 已失败次数
	MaxAttempts int            `json:"max_attempts"`
	Backoff     Backoff        `json:"backoff"`
	Status      Status         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt time.Time      `json:"processed_at,omitempty"` // 最近一次开始执行
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	RunAt       time.Time      `json:"run_at,omitempty"` // delayed 到期时间
}

// Clone 深拷贝 Payload 之外的值字段；Payload 做一层浅拷贝
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = maps.Clone(j.Payload)
	return &cp
}

// EnqueueOptions 入队参数；零值字段取 Manager 默认值
type EnqueueOptions struct {
	Priority    int
	DelayMs     int64
	MaxAttempts int
	Backoff     *Backoff
}

// QueueOptions 单个队列的 worker 池参数
type QueueOptions struct {
	Concurrency int           // worker 数，<=0 时取默认
	RateLimit   float64       // 每秒最多派发数，<=0 不限
	RateBurst   int           // 令牌桶容量，<=0 时为 1
	JobTimeout  time.Duration // 单次执行超时，0 不限
}

// Range 列表区间，两端均包含；End<0 表示到末尾
type Range struct {
	Start int
	End   int
}

// All 全部区间
var All = Range{Start: 0, End: -1}

// HandlerFunc 执行单条 Job；返回 error 或 panic 均进入重试/backoff 判定。handler 需幂等
type HandlerFunc func(ctx context.Context, job *Job) error
