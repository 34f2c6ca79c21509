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
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/metrics"
)

// ManagerConfig 队列管理器默认值
type ManagerConfig struct {
	DefaultConcurrency int
	DefaultMaxAttempts int           // 含首次执行
	DefaultBackoff     Backoff
	PromoteInterval    time.Duration // 空闲 worker 检查 delayed 到期的间隔
	Now                func() time.Time
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 1
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultBackoff.Strategy == "" {
		c.DefaultBackoff = Backoff{Strategy: BackoffExponential, BaseDelay: time.Second}
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 200 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Manager 持有全部具名队列；进程启动时构造一次并注入使用方
type Manager struct {
	cfg    ManagerConfig
	logger *log.Logger

	mu      sync.RWMutex
	queues  map[string]*namedQueue
	persist *persistWriter
	// onRemove RemoveJob/Clean 删除 Job 后回调
	onRemove []func(queueName, id string)

	ctx    context.Context // worker 生命周期
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// namedQueue 单个队列；mu 只保护本队列，不同队列互不阻塞
type namedQueue struct {
	name    string
	opts    QueueOptions
	limiter *rate.Limiter
	wake    chan struct{}

	mu      sync.Mutex
	paused  bool
	started bool
	seq     uint64
	entries map[string]*entry
	ready   readyHeap
	delayed map[string]*entry
	counts  map[Status]int
}

// NewManager 创建队列管理器；logger 可为 nil
func NewManager(cfg ManagerConfig, logger *log.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: log.OrNop(logger),
		queues: make(map[string]*namedQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetPersister 设置写透持久化；须在入队前调用
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.persist = nil
		return
	}
	m.persist = newPersistWriter(p, m.logger, 1024)
}

// OnRemove 注册 Job 被 RemoveJob 或 Clean 删除后的回调；回调在队列锁外执行
func (m *Manager) OnRemove(fn func(queueName, id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

func (m *Manager) removed(queueName string, ids ...string) {
	m.mu.RLock()
	hooks := m.onRemove
	m.mu.RUnlock()
	for _, id := range ids {
		for _, fn := range hooks {
			fn(queueName, id)
		}
	}
}

// CreateQueue 创建具名队列；已存在时不做任何修改
func (m *Manager) CreateQueue(name string, opts QueueOptions) error {
	if name == "" {
		return errors.Validation("queue", "name is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = m.cfg.DefaultConcurrency
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; ok {
		return nil
	}
	q := &namedQueue{
		name:    name,
		opts:    opts,
		wake:    make(chan struct{}, opts.Concurrency),
		entries: make(map[string]*entry),
		delayed: make(map[string]*entry),
		counts:  make(map[Status]int),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	m.queues[name] = q
	m.logger.Info("队列已创建", "queue", name, "concurrency", opts.Concurrency, "rate_limit", opts.RateLimit)
	return nil
}

// QueueNames 已创建队列名（升序）
func (m *Manager) QueueNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) queue(name string) (*namedQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, errors.NotFound("queue", name)
	}
	return q, nil
}

func (m *Manager) writer() *persistWriter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persist
}

// Enqueue 入队并返回 jobID；参数不合法时同步返回 ValidationError 且不入队
func (m *Manager) Enqueue(ctx context.Context, queueName, jobType string, payload map[string]any, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", errors.Validation("type", "job type is required")
	}
	if opts.MaxAttempts < 0 {
		return "", errors.Validation("maxAttempts", "must be >= 0")
	}
	if opts.DelayMs < 0 {
		return "", errors.Validation("delayMs", "must be >= 0")
	}
	backoff := m.cfg.DefaultBackoff
	if opts.Backoff != nil {
		if err := opts.Backoff.Validate(); err != nil {
			return "", err
		}
		backoff = *opts.Backoff
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := m.queue(queueName)
	if err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.cfg.DefaultMaxAttempts
	}
	now := m.cfg.Now()
	j := &Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		DelayMs:     opts.DelayMs,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		CreatedAt:   now,
	}
	e := &entry{job: j, index: -1}

	q.mu.Lock()
	q.entries[j.ID] = e
	if opts.DelayMs > 0 {
		j.RunAt = now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
		q.setStatus(e, StatusDelayed)
		q.delayed[j.ID] = e
	} else {
		q.pushReady(e)
	}
	m.save(e.job)
	q.mu.Unlock()

	q.notify()
	metrics.QueueJobsTotal.WithLabelValues(queueName, "enqueued").Inc()
	m.logger.Debug("job 已入队", "queue", queueName, "job_id", j.ID, "type", jobType, "priority", opts.Priority)
	return j.ID, nil
}

// GetJob 返回 Job 副本
func (m *Manager) GetJob(queueName, id string) (*Job, error) {
	q, err := m.queue(queueName)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return e.job.Clone(), nil
}

// ListJobs 按状态列出 Job（status 为空表示全部）。waiting/paused 按派发顺序，其余按创建时间
func (m *Manager) ListJobs(queueName string, status Status, r Range) ([]*Job, error) {
	if status != "" && !status.Valid() {
		return nil, errors.Validationf("status", "unknown status %q", status)
	}
	q, err := m.queue(queueName)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	matched := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		if status == "" || e.job.Status == status {
			matched = append(matched, e)
		}
	}
	if status == StatusWaiting || status == StatusPaused {
		sort.Slice(matched, func(i, k int) bool { return dispatchBefore(matched[i], matched[k]) })
	} else {
		sort.Slice(matched, func(i, k int) bool {
			a, b := matched[i].job, matched[k].job
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return matched[i].seq < matched[k].seq
		})
	}
	start, end := r.bounds(len(matched))
	out := make([]*Job, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, e.job.Clone())
	}
	q.mu.Unlock()
	return out, nil
}

// bounds 将闭区间换算为切片下标 [start, end)
func (r Range) bounds(n int) (int, int) {
	start, end := r.Start, r.End
	if start < 0 {
		start = 0
	}
	if end < 0 || end >= n {
		end = n - 1
	}
	if start > end {
		return 0, 0
	}
	return start, end + 1
}

func dispatchBefore(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

// Counts 各状态 Job 数
func (m *Manager) Counts(queueName string) (map[Status]int, error) {
	q, err := m.queue(queueName)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		out[st] = q.counts[st]
	}
	return out, nil
}

// PauseQueue 暂停派发：waiting → paused，之后入队与到期的 Job 也为 paused；执行中的 Job 不受影响
func (m *Manager) PauseQueue(queueName string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}
	q.paused = true
	for _, e := range q.ready {
		q.setStatus(e, StatusPaused)
		m.save(e.job)
	}
	m.logger.Info("队列已暂停", "queue", queueName)
	return nil
}

// ResumeQueue 恢复派发：paused → waiting
func (m *Manager) ResumeQueue(queueName string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return nil
	}
	q.paused = false
	for _, e := range q.ready {
		q.setStatus(e, StatusWaiting)
		m.save(e.job)
	}
	q.mu.Unlock()
	q.notifyAll()
	m.logger.Info("队列已恢复", "queue", queueName)
	return nil
}

// RemoveJob 删除非执行中的 Job
func (m *Manager) RemoveJob(queueName, id string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return errors.NotFound("job", id)
	}
	if e.job.Status == StatusActive {
		q.mu.Unlock()
		return errors.Validation("job", "cannot remove an active job")
	}
	if e.index >= 0 {
		heap.Remove(&q.ready, e.index)
	}
	delete(q.delayed, id)
	delete(q.entries, id)
	q.setStatus(e, "")
	q.mu.Unlock()
	if w := m.writer(); w != nil {
		w.submit(persistOp{del: true, queue: queueName, id: id})
	}
	m.removed(queueName, id)
	return nil
}

// Clean 删除 status 状态且 FinishedAt 早于 before 的 Job，仅接受 completed/failed；返回删除数
func (m *Manager) Clean(queueName string, status Status, before time.Time) (int, error) {
	if status != StatusCompleted && status != StatusFailed {
		return 0, errors.Validationf("status", "only completed or failed jobs can be cleaned, got %q", status)
	}
	q, err := m.queue(queueName)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	var removed []string
	for id, e := range q.entries {
		if e.job.Status != status || !e.job.FinishedAt.Before(before) {
			continue
		}
		delete(q.entries, id)
		q.setStatus(e, "")
		removed = append(removed, id)
	}
	q.mu.Unlock()
	if w := m.writer(); w != nil {
		for _, id := range removed {
			w.submit(persistOp{del: true, queue: queueName, id: id})
		}
	}
	m.removed(queueName, removed...)
	return len(removed), nil
}

// RetryJob 手动重试 failed Job：attempts 归零后重新排队
func (m *Manager) RetryJob(queueName, id string) error {
	q, err := m.queue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return errors.NotFound("job", id)
	}
	if e.job.Status != StatusFailed {
		q.mu.Unlock()
		return errors.Validationf("job", "only failed jobs can be retried, status is %s", e.job.Status)
	}
	e.job.Attempts = 0
	e.job.LastError = ""
	e.job.FinishedAt = time.Time{}
	q.pushReady(e)
	m.save(e.job)
	q.mu.Unlock()
	q.notify()
	m.logger.Info("job 手动重试", "queue", queueName, "job_id", id)
	return nil
}

// claim 取出下一条可执行 Job 并置为 active；无可执行时返回 nil
func (m *Manager) claim(q *namedQueue) *Job {
	now := m.cfg.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.promoteDue(now) {
		m.save(e.job)
	}
	if q.paused || q.ready.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.ready).(*entry)
	e.job.ProcessedAt = now
	q.setStatus(e, StatusActive)
	m.save(e.job)
	return e.job.Clone()
}

// unclaim 将尚未开始执行的 active Job 放回队列（限流等待被中断时）
func (m *Manager) unclaim(q *namedQueue, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.job.Status != StatusActive {
		return
	}
	e.job.ProcessedAt = time.Time{}
	q.pushReady(e)
	m.save(e.job)
}

func (m *Manager) complete(q *namedQueue, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return
	}
	e.job.FinishedAt = m.cfg.Now()
	e.job.LastError = ""
	q.setStatus(e, StatusCompleted)
	m.save(e.job)
	metrics.QueueJobsTotal.WithLabelValues(q.name, "completed").Inc()
}

func (m *Manager) fail(q *namedQueue, id string, cause error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	m.failLocked(q, e, cause, m.cfg.Now())
	requeued := e.job.Status == StatusWaiting
	q.mu.Unlock()
	if requeued {
		q.notify()
	}
}

// failLocked attempts+1；达到 maxAttempts 进入终态 failed，否则按 backoff 延迟重排。调用方持有 q.mu
func (m *Manager) failLocked(q *namedQueue, e *entry, cause error, now time.Time) {
	j := e.job
	j.Attempts++
	j.LastError = cause.Error()
	if j.Attempts >= j.MaxAttempts {
		j.FinishedAt = now
		q.setStatus(e, StatusFailed)
		m.save(j)
		metrics.QueueJobsTotal.WithLabelValues(q.name, "failed").Inc()
		m.logger.Warn("job 达到最大重试次数", "queue", q.name, "job_id", j.ID, "attempts", j.Attempts, "error", cause)
		return
	}
	delay := j.Backoff.Delay(j.Attempts)
	metrics.QueueJobsTotal.WithLabelValues(q.name, "retried").Inc()
	m.logger.Info("job 失败，等待重试", "queue", q.name, "job_id", j.ID, "attempts", j.Attempts, "backoff", delay, "error", cause)
	if delay <= 0 {
		q.pushReady(e)
	} else {
		j.RunAt = now.Add(delay)
		q.setStatus(e, StatusDelayed)
		q.delayed[j.ID] = e
	}
	m.save(j)
}

func (m *Manager) save(j *Job) {
	if w := m.writer(); w != nil {
		w.submit(persistOp{job: j.Clone()})
	}
}

// pushReady 放入待派发堆；队列暂停时状态为 paused
func (q *namedQueue) pushReady(e *entry) {
	q.seq++
	e.seq = q.seq
	e.job.RunAt = time.Time{}
	if q.paused {
		q.setStatus(e, StatusPaused)
	} else {
		q.setStatus(e, StatusWaiting)
	}
	heap.Push(&q.ready, e)
}

// promoteDue 将到期的 delayed Job 按到期时间移入待派发堆
func (q *namedQueue) promoteDue(now time.Time) []*entry {
	var due []*entry
	for _, e := range q.delayed {
		if !e.job.RunAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].job.RunAt.Equal(due[k].job.RunAt) {
			return due[i].job.RunAt.Before(due[k].job.RunAt)
		}
		return due[i].seq < due[k].seq
	})
	for _, e := range due {
		delete(q.delayed, e.job.ID)
		q.pushReady(e)
	}
	return due
}

// setStatus 更新状态与计数；st 为空表示移出队列
func (q *namedQueue) setStatus(e *entry, st Status) {
	prev := e.job.Status
	if prev != "" {
		q.counts[prev]--
		metrics.QueueDepth.WithLabelValues(q.name, string(prev)).Set(float64(q.counts[prev]))
	}
	e.job.Status = st
	if st != "" {
		q.counts[st]++
		metrics.QueueDepth.WithLabelValues(q.name, string(st)).Set(float64(q.counts[st]))
	}
}

// notify 非阻塞唤醒一个空闲 worker
func (q *namedQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *namedQueue) notifyAll() {
	for i := 0; i < cap(q.wake); i++ {
		q.notify()
	}
}
