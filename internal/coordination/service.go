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

// Package coordination 多 Agent 协调服务：Agent 注册表与心跳、带 TTL 的优先级消息总线、
// 协调 session 状态机与资源准入。所有状态由 Service 持有，进程启动时构造一次并注入使用方。
package coordination

import (
	"context"
	"sync"
	"time"

	"workflow-platform/pkg/log"
)

// Ordering 消息队列排序策略
type Ordering string

const (
	OrderFIFO      Ordering = "fifo"
	OrderPriority  Ordering = "priority"  // priority 降序，同优先级按发送顺序
	OrderTimestamp Ordering = "timestamp" // timestamp 升序
)

// DeliveryGuarantee 投递保证
type DeliveryGuarantee string

const (
	AtLeastOnce DeliveryGuarantee = "at-least-once"
	// ExactlyOnce 仅作为配置值接受，不做去重
	ExactlyOnce DeliveryGuarantee = "exactly-once"
)

// Config 协调服务配置
type Config struct {
	HeartbeatInterval   time.Duration // 超过 3 倍未收到心跳即 offline
	SweepInterval       time.Duration
	DeliveryInterval    time.Duration
	Ordering            Ordering
	Guarantee           DeliveryGuarantee
	MaxDeliveryAttempts int
	DefaultTTL          time.Duration
	SessionTimeout      time.Duration // AwaitSession 未指定超时时使用
	Resources           map[string]int
	Now                 func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = 100 * time.Millisecond
	}
	switch c.Ordering {
	case OrderFIFO, OrderPriority, OrderTimestamp:
	default:
		c.Ordering = OrderPriority
	}
	if c.Guarantee == "" {
		c.Guarantee = AtLeastOnce
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Service 协调服务。注册表、消息总线、session 表各自持锁，跨表操作依次加锁、不嵌套
type Service struct {
	cfg    Config
	logger *log.Logger

	agents    *agentTable
	bus       *bus
	sessions  *sessionTable
	resources *Resources

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New 创建协调服务
func New(cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	logger = log.OrNop(logger).With("component", "coordination")
	if cfg.Guarantee == ExactlyOnce {
		logger.Warn("delivery_guarantee=exactly-once 不做去重，实际语义为 at-least-once")
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		agents:    newAgentTable(),
		bus:       newBus(cfg.Ordering),
		sessions:  newSessionTable(),
		resources: NewResources(cfg.Resources),
	}
}

// Resources 资源准入计数器
func (s *Service) Resources() *Resources { return s.resources }

func (s *Service) now() time.Time { return s.cfg.Now() }

// Start 启动心跳检查、过期清理与投递三个独立周期任务
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.loop(ctx, s.cfg.HeartbeatInterval, func(context.Context) { s.CheckHeartbeats() })
	s.loop(ctx, s.cfg.SweepInterval, func(context.Context) { s.SweepExpired() })
	s.wg.Add(1)
	go s.deliveryLoop(ctx)
	s.logger.Info("协调服务已启动",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"ordering", s.cfg.Ordering,
		"guarantee", s.cfg.Guarantee)
}

func (s *Service) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// deliveryLoop 按周期投递，发送或订阅时被提前唤醒
func (s *Service) deliveryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.bus.wake:
		}
		s.DeliverPending(ctx)
	}
}

// Stop 停止周期任务并等待退出
func (s *Service) Stop() {
	s.lifeMu.Lock()
	if !s.started {
		s.lifeMu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.lifeMu.Unlock()
	s.wg.Wait()
}

// CheckHeartbeats 将心跳超过 3×HeartbeatInterval 的 Agent 标记为 offline，
// 并使包含它们的所有未结束 session 失败。返回本次转为 offline 的 Agent
func (s *Service) CheckHeartbeats() []string {
	deadline := 3 * s.cfg.HeartbeatInterval
	lost := s.agents.markStale(s.now(), deadline)
	for _, id := range lost {
		s.logger.Warn("Agent 心跳超时，标记为 offline", "agent_id", id)
		s.failSessionsWith(id, "agent offline: heartbeat timeout")
	}
	return lost
}

// Summary 协调服务状态概要
type Summary struct {
	Agents            map[AgentStatus]int      `json:"agents"`
	TotalAgents       int                      `json:"totalAgents"`
	OfflineAgents     int                      `json:"offlineAgents"`
	ActiveSessions    int                      `json:"activeSessions"`
	ArchivedSessions  int                      `json:"archivedSessions"`
	PendingMessages   int                      `json:"pendingMessages"`
	DeliveredMessages int                      `json:"deliveredMessages"`
	Resources         map[string]ResourceUsage `json:"resources,omitempty"`
}

// Summary 返回当前概要
func (s *Service) Summary() Summary {
	out := Summary{Agents: s.agents.countByStatus()}
	for _, n := range out.Agents {
		out.TotalAgents += n
	}
	out.OfflineAgents = out.Agents[AgentOffline]
	out.ActiveSessions, out.ArchivedSessions = s.sessions.counts()
	out.PendingMessages, out.DeliveredMessages = s.bus.counts(s.now())
	out.Resources = s.resources.Usage()
	return out
}
