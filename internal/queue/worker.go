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

package queue

import (
	"context"
	"fmt"
	"time"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/metrics"
	"workflow-platform/pkg/tracing"
)

// Process 为队列启动 Concurrency 个 worker；每个队列只能注册一个 handler
func (m *Manager) Process(queueName string, handler HandlerFunc) error {
	if handler == nil {
		return errors.Validation("handler", "handler is required")
	}
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	if m.ctx.Err() != nil {
		return errors.New("queue manager is closed")
	}
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.Validationf("queue", "queue %s already has a handler", queueName)
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.opts.Concurrency; i++ {
		m.wg.Add(1)
		go m.worker(q, handler)
	}
	m.logger.Info("队列 worker 已启动", "queue", queueName, "workers", q.opts.Concurrency)
	return nil
}

// worker 拉取循环：无 Job 时等待唤醒或 PromoteInterval 轮询 delayed 到期
func (m *Manager) worker(q *namedQueue, handler HandlerFunc) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		if m.ctx.Err() != nil {
			return
		}
		j := m.claim(q)
		if j == nil {
			select {
			case <-m.ctx.Done():
				return
			case <-q.wake:
			case <-ticker.C:
			}
			continue
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(m.ctx); err != nil {
				m.unclaim(q, j.ID)
				return
			}
		}
		m.execute(q, j, handler)
	}
}

// execute 执行单条 Job；Close 不会中断执行中的 handler，仅 JobTimeout 会
func (m *Manager) execute(q *namedQueue, j *Job, handler HandlerFunc) {
	ctx := context.WithoutCancel(m.ctx)
	if q.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.JobTimeout)
		defer cancel()
	}
	ctx, span := tracing.StartJobSpan(ctx, q.name, j.ID, j.Type, j.Attempts+1)
	start := time.Now()
	err := runHandler(ctx, handler, j)
	metrics.QueueJobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		m.fail(q, j.ID, err)
		return
	}
	m.complete(q, j.ID)
}

// runHandler 调用 handler，panic 视为一次失败
func runHandler(ctx context.Context, handler HandlerFunc, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, j)
}

// Close 停止所有 worker 并等待执行中的 Job 结束，随后刷新持久化写队列；ctx 到期则提前返回
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		if w := m.writer(); w != nil {
			w.close()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
