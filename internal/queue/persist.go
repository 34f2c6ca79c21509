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
	"sort"
	"sync"
	"time"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
)

// Persister Job 快照的持久化后端；每次状态转移写入一次，重启时 Load 恢复
type Persister interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, queue, id string) error
	Load(ctx context.Context) ([]*Job, error)
}

type persistOp struct {
	job   *Job
	del   bool
	queue string
	id    string
}

// persistWriter 单 goroutine 顺序写出，保证同一 Job 的快照按转移顺序落盘；写队列满时丢弃并告警，不阻塞派发
type persistWriter struct {
	p      Persister
	logger *log.Logger
	ch     chan persistOp
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPersistWriter(p Persister, logger *log.Logger, buf int) *persistWriter {
	w := &persistWriter{
		p:      p,
		logger: logger,
		ch:     make(chan persistOp, buf),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *persistWriter) run() {
	defer close(w.done)
	for op := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if op.del {
			err = w.p.Delete(ctx, op.queue, op.id)
		} else {
			err = w.p.Save(ctx, op.job)
		}
		cancel()
		if err != nil {
			w.logger.Error("job 持久化失败", "error", errors.TransientStore("persist job", err))
		}
	}
}

func (w *persistWriter) submit(op persistOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- op:
	default:
		w.logger.Warn("持久化写队列已满，丢弃快照", "job_id", op.id)
	}
}

// close 关闭写队列并等待已排队的写入完成
func (w *persistWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

// Restore 从 Persister 重建队列状态，应在 Process 之前调用。
// 重启前处于 active 的 Job 视为 worker 崩溃：attempts+1 后按 backoff 重排或进入 failed
func (m *Manager) Restore(ctx context.Context, p Persister) (int, error) {
	jobs, err := p.Load(ctx)
	if err != nil {
		return 0, errors.TransientStore("load jobs", err)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	now := m.cfg.Now()
	restored := 0
	for _, j := range jobs {
		if j == nil || j.ID == "" || j.Queue == "" {
			continue
		}
		if err := m.CreateQueue(j.Queue, QueueOptions{}); err != nil {
			return restored, err
		}
		q, err := m.queue(j.Queue)
		if err != nil {
			return restored, err
		}
		q.mu.Lock()
		if _, exists := q.entries[j.ID]; exists {
			q.mu.Unlock()
			continue
		}
		e := &entry{job: j.Clone(), index: -1}
		status := e.job.Status
		e.job.Status = ""
		q.entries[j.ID] = e
		switch status {
		case StatusWaiting, StatusPaused:
			q.pushReady(e)
		case StatusDelayed:
			q.setStatus(e, StatusDelayed)
			q.delayed[j.ID] = e
		case StatusActive:
			q.setStatus(e, StatusActive)
			m.failLocked(q, e, errors.New("worker lost before completion"), now)
		case StatusCompleted, StatusFailed:
			q.setStatus(e, status)
		default:
			q.pushReady(e)
		}
		q.mu.Unlock()
		restored++
	}
	m.logger.Info("队列状态已恢复", "jobs", restored)
	return restored, nil
}
