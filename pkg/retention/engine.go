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

// Package retention 定期清理队列中已结束且超过留存时长的 job
package retention

import (
	"context"
	"sync"
	"time"

	"workflow-platform/internal/queue"
	"workflow-platform/pkg/config"
	"workflow-platform/pkg/log"
)

// Policy 留存策略；0 表示永久保留
type Policy struct {
	Completed    time.Duration
	Failed       time.Duration
	ScanInterval time.Duration
}

// PolicyFromConfig 解析配置；无法解析的时长视为永久保留
func PolicyFromConfig(c config.RetentionConfig) Policy {
	return Policy{
		Completed:    config.ParseDuration(c.Completed, 0),
		Failed:       config.ParseDuration(c.Failed, 0),
		ScanInterval: config.ParseDuration(c.ScanInterval, time.Minute),
	}
}

// Enabled 至少一种状态配置了留存时长
func (p Policy) Enabled() bool { return p.Completed > 0 || p.Failed > 0 }

// Cleaner 队列清理接口，由 queue.Manager 实现
type Cleaner interface {
	QueueNames() []string
	Clean(queueName string, status queue.Status, before time.Time) (int, error)
}

// Engine 留存引擎
type Engine struct {
	policy  Policy
	cleaner Cleaner
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine 创建留存引擎；now 为 nil 时使用 time.Now
func NewEngine(policy Policy, cleaner Cleaner, logger *log.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{policy: policy, cleaner: cleaner, logger: log.OrNop(logger), now: now}
}

// RunScan 扫描全部队列并删除过期 job，返回删除总数
func (e *Engine) RunScan(ctx context.Context) (int, error) {
	if !e.policy.Enabled() {
		return 0, nil
	}
	now := e.now()
	removed := 0
	for _, name := range e.cleaner.QueueNames() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		for status, ttl := range map[queue.Status]time.Duration{
			queue.StatusCompleted: e.policy.Completed,
			queue.StatusFailed:    e.policy.Failed,
		} {
			if ttl <= 0 {
				continue
			}
			n, err := e.cleaner.Clean(name, status, now.Add(-ttl))
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	if removed > 0 {
		e.logger.Info("已清理过期 job", "count", removed)
	}
	return removed, nil
}

// Start 按 ScanInterval 周期扫描；策略未启用或已启动时不做任何事
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.policy.Enabled() || e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.policy.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.RunScan(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("留存扫描失败", "error", err)
			}
		}
	}
}

// Stop 停止周期扫描并等待当前一轮结束
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
