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

package coordination

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/metrics"
)

// MessageType 协调消息类型
type MessageType string

const (
	MessageAssignment      MessageType = "assignment"
	MessageCompletion      MessageType = "completion"
	MessageResourceRequest MessageType = "resource_request"
	MessageStatusUpdate    MessageType = "status_update"
	MessageError           MessageType = "error"
	MessageSignal          MessageType = "signal"
)

// Valid 是否为已知类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageAssignment, MessageCompletion, MessageResourceRequest, MessageStatusUpdate, MessageError, MessageSignal:
		return true
	}
	return false
}

// SystemSender 非 Agent 发出的消息的 From
const SystemSender = "system"

const defaultRequestTimeout = 30 * time.Second

// Message 协调消息，发送后不可变
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	From      string         `json:"from"`
	To        []string       `json:"to"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	TTL       time.Duration  `json:"ttl"`
	SessionID string         `json:"sessionId,omitempty"`
	// ReplyTo 应答所对应的原消息 ID
	ReplyTo string `json:"replyTo,omitempty"`
}

// Expired now − timestamp > ttl
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) > m.TTL
}

func (m Message) clone() Message {
	m.To = slices.Clone(m.To)
	m.Payload = maps.Clone(m.Payload)
	return m
}

// Handler 消息处理函数；返回 error 时消息保留待重投
type Handler func(ctx context.Context, msg Message) error

type envelope struct {
	msg Message
	seq uint64
	// pending 尚未投递的接收方 -> 已失败次数
	pending map[string]int
	dropped bool
}

type bus struct {
	ordering Ordering

	mu             sync.Mutex
	seq            uint64
	byID           map[string]*envelope
	delivered      map[string]time.Time
	deliveredTotal int
	subscribers    map[string]Handler
	waiters        map[string]chan Message

	// deliverMu 串行化 DeliverPending，避免同一消息被并发投递
	deliverMu sync.Mutex
	wake      chan struct{}
}

func newBus(ordering Ordering) *bus {
	return &bus{
		ordering:    ordering,
		byID:        make(map[string]*envelope),
		delivered:   make(map[string]time.Time),
		subscribers: make(map[string]Handler),
		waiters:     make(map[string]chan Message),
		wake:        make(chan struct{}, 1),
	}
}

func (b *bus) less(x, y *envelope) bool {
	switch b.ordering {
	case OrderPriority:
		if x.msg.Priority != y.msg.Priority {
			return x.msg.Priority > y.msg.Priority
		}
	case OrderTimestamp:
		if !x.msg.Timestamp.Equal(y.msg.Timestamp) {
			return x.msg.Timestamp.Before(y.msg.Timestamp)
		}
	}
	return x.seq < y.seq
}

// pendingFor 调用方持有 b.mu
func (b *bus) pendingFor(agentID string, now time.Time) []*envelope {
	var out []*envelope
	for _, env := range b.byID {
		if _, ok := env.pending[agentID]; ok && !env.msg.Expired(now) {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return b.less(out[i], out[j]) })
	return out
}

// settleLocked 接收方全部处理完后移出总线
func (b *bus) settleLocked(env *envelope, now time.Time) {
	if len(env.pending) > 0 {
		return
	}
	delete(b.byID, env.msg.ID)
	if !env.dropped {
		b.delivered[env.msg.ID] = now
		b.deliveredTotal++
	}
}

func (b *bus) counts(now time.Time) (pending, delivered int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, env := range b.byID {
		if !env.msg.Expired(now) {
			pending++
		}
	}
	return pending, b.deliveredTotal
}

func (b *bus) dropRecipient(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, agentID)
	for id, env := range b.byID {
		if _, ok := env.pending[agentID]; !ok {
			continue
		}
		delete(env.pending, agentID)
		if len(env.pending) == 0 {
			delete(b.byID, id)
		}
	}
}

func (b *bus) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// SendMessage 发送消息并返回 ID。To 中每个接收方须已注册；
// ReplyTo 对应一个等待中的 Request 时直接交给等待方
func (s *Service) SendMessage(ctx context.Context, msg Message) (string, error) {
	if !msg.Type.Valid() {
		return "", errors.Validationf("type", "unknown message type %q", msg.Type)
	}
	now := s.now()
	msg = msg.clone()
	if msg.From == "" {
		msg.From = SystemSender
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.TTL <= 0 {
		msg.TTL = s.cfg.DefaultTTL
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	if msg.ReplyTo != "" && s.routeReply(msg, now) {
		s.appendSessionLog(msg)
		return msg.ID, nil
	}

	if msg.Type == MessageResourceRequest && isSystemTarget(msg.To) {
		msg.To = []string{SystemSender}
		if msg.SessionID != "" {
			if _, err := s.sessions.get(msg.SessionID); err != nil {
				return "", err
			}
		}
		metrics.CoordinationMessagesTotal.WithLabelValues("sent").Inc()
		s.appendSessionLog(msg)
		if err := s.admitResource(ctx, msg); err != nil {
			return "", err
		}
		return msg.ID, nil
	}

	msg.To = normalizeSet(msg.To)
	if len(msg.To) == 0 {
		return "", errors.Validation("to", "at least one recipient is required")
	}
	for _, to := range msg.To {
		if !s.agents.exists(to) {
			return "", errors.NotFound("agent", to)
		}
	}
	if msg.SessionID != "" {
		if _, err := s.sessions.get(msg.SessionID); err != nil {
			return "", err
		}
	}

	env := &envelope{msg: msg, pending: make(map[string]int, len(msg.To))}
	for _, to := range msg.To {
		env.pending[to] = 0
	}
	s.bus.mu.Lock()
	if _, dup := s.bus.byID[msg.ID]; dup {
		s.bus.mu.Unlock()
		return "", errors.Validationf("id", "message %s already exists", msg.ID)
	}
	s.bus.seq++
	env.seq = s.bus.seq
	s.bus.byID[msg.ID] = env
	s.bus.mu.Unlock()

	metrics.CoordinationMessagesTotal.WithLabelValues("sent").Inc()
	s.appendSessionLog(msg)
	s.bus.notify()
	s.logger.Debug("消息已发送", "message_id", msg.ID, "type", msg.Type, "from", msg.From, "to", msg.To)
	return msg.ID, nil
}

func (s *Service) routeReply(msg Message, now time.Time) bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	ch, ok := s.bus.waiters[msg.ReplyTo]
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
		// 已有应答
		return false
	}
	s.bus.delivered[msg.ID] = now
	s.bus.deliveredTotal++
	metrics.CoordinationMessagesTotal.WithLabelValues("sent").Inc()
	metrics.CoordinationMessagesTotal.WithLabelValues("delivered").Inc()
	return true
}

func (s *Service) appendSessionLog(msg Message) {
	if msg.SessionID == "" {
		return
	}
	if err := s.sessions.appendLog(msg.SessionID, msg); err != nil {
		s.logger.Debug("消息未写入 session 日志", "message_id", msg.ID, "session_id", msg.SessionID, "error", err)
	}
}

// BroadcastMessage 向每个目标单独发送一条消息；未指定目标时为除发送方外所有在线 Agent
func (s *Service) BroadcastMessage(ctx context.Context, msg Message, targets ...string) ([]string, error) {
	if len(targets) == 0 {
		for _, a := range s.agents.list() {
			if a.ID != msg.From && a.Status != AgentOffline {
				targets = append(targets, a.ID)
			}
		}
	}
	ids := make([]string, 0, len(targets))
	for _, to := range targets {
		m := msg.clone()
		m.ID = ""
		m.To = []string{to}
		id, err := s.SendMessage(ctx, m)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Subscribe 注册 Agent 的消息 handler，DeliverPending 向其推送
func (s *Service) Subscribe(agentID string, h Handler) error {
	if h == nil {
		return errors.Validation("handler", "handler is required")
	}
	if !s.agents.exists(agentID) {
		return errors.NotFound("agent", agentID)
	}
	s.bus.mu.Lock()
	s.bus.subscribers[agentID] = h
	s.bus.mu.Unlock()
	s.bus.notify()
	return nil
}

// Unsubscribe 移除 handler；消息留在总线上供拉取
func (s *Service) Unsubscribe(agentID string) {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, agentID)
	s.bus.mu.Unlock()
}

// Pending 返回 Agent 尚未收到且未过期的消息，按排序策略排列
func (s *Service) Pending(agentID string) []Message {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	envs := s.bus.pendingFor(agentID, s.now())
	out := make([]Message, len(envs))
	for i, env := range envs {
		out[i] = env.msg.clone()
	}
	return out
}

// Ack 拉取模式下确认 Agent 已处理消息
func (s *Service) Ack(agentID, messageID string) error {
	now := s.now()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	env, ok := s.bus.byID[messageID]
	if !ok || env.msg.Expired(now) {
		return errors.NotFound("message", messageID)
	}
	if _, ok := env.pending[agentID]; !ok {
		return errors.NotFound("recipient", agentID)
	}
	delete(env.pending, agentID)
	metrics.CoordinationMessagesTotal.WithLabelValues("delivered").Inc()
	s.bus.settleLocked(env, now)
	return nil
}

// GetMessage 返回仍在总线上的消息
func (s *Service) GetMessage(id string) (Message, error) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	env, ok := s.bus.byID[id]
	if !ok || env.msg.Expired(s.now()) {
		return Message{}, errors.NotFound("message", id)
	}
	return env.msg.clone(), nil
}

// Delivered 消息是否已投递给全部接收方
func (s *Service) Delivered(id string) bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	_, ok := s.bus.delivered[id]
	return ok
}

// DeliverPending 将待投递消息推送给已订阅且不在 offline 状态的接收方，返回成功投递次数。
// handler 出错的消息保留重投，达到 MaxDeliveryAttempts 后丢弃
func (s *Service) DeliverPending(ctx context.Context) int {
	s.bus.deliverMu.Lock()
	defer s.bus.deliverMu.Unlock()

	type batch struct {
		agentID string
		handler Handler
		msgs    []Message
	}
	now := s.now()
	s.bus.mu.Lock()
	var batches []batch
	for agentID, h := range s.bus.subscribers {
		envs := s.bus.pendingFor(agentID, now)
		if len(envs) == 0 {
			continue
		}
		b := batch{agentID: agentID, handler: h, msgs: make([]Message, len(envs))}
		for i, env := range envs {
			b.msgs[i] = env.msg.clone()
		}
		batches = append(batches, b)
	}
	s.bus.mu.Unlock()
	sort.Slice(batches, func(i, j int) bool { return batches[i].agentID < batches[j].agentID })

	delivered := 0
	for _, b := range batches {
		if a, err := s.agents.get(b.agentID); err != nil || a.Status == AgentOffline {
			continue
		}
		for _, msg := range b.msgs {
			if ctx.Err() != nil {
				return delivered
			}
			if msg.Expired(s.now()) {
				continue
			}
			err := callHandler(ctx, b.handler, msg)
			if s.settleDelivery(b.agentID, msg.ID, err) {
				delivered++
			}
		}
	}
	return delivered
}

func callHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (s *Service) settleDelivery(agentID, messageID string, err error) bool {
	now := s.now()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	env, ok := s.bus.byID[messageID]
	if !ok {
		return false
	}
	failures, ok := env.pending[agentID]
	if !ok {
		return false
	}
	if err == nil {
		delete(env.pending, agentID)
		metrics.CoordinationMessagesTotal.WithLabelValues("delivered").Inc()
		s.bus.settleLocked(env, now)
		return true
	}
	failures++
	if failures >= s.cfg.MaxDeliveryAttempts {
		delete(env.pending, agentID)
		env.dropped = true
		metrics.CoordinationMessagesTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("消息投递次数耗尽，已丢弃", "message_id", messageID, "agent_id", agentID, "attempts", failures, "error", err)
		s.bus.settleLocked(env, now)
		return false
	}
	env.pending[agentID] = failures
	metrics.CoordinationMessagesTotal.WithLabelValues("redelivered").Inc()
	s.logger.Debug("消息投递失败，等待重投", "message_id", messageID, "agent_id", agentID, "attempts", failures, "error", err)
	return false
}

// SweepExpired 移除过期消息，返回移除数量
func (s *Service) SweepExpired() int {
	now := s.now()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	removed := 0
	for id, env := range s.bus.byID {
		if env.msg.Expired(now) {
			delete(s.bus.byID, id)
			removed++
		}
	}
	for id, at := range s.bus.delivered {
		if now.Sub(at) > s.cfg.DefaultTTL {
			delete(s.bus.delivered, id)
		}
	}
	if removed > 0 {
		metrics.CoordinationMessagesTotal.WithLabelValues("expired").Add(float64(removed))
		s.logger.Debug("已清理过期消息", "count", removed)
	}
	return removed
}

// Request 发送消息并等待应答（ReplyTo 为该消息 ID 的消息）；超时返回 CoordinationTimeoutError
func (s *Service) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	ch := make(chan Message, 1)
	s.bus.mu.Lock()
	s.bus.waiters[msg.ID] = ch
	s.bus.mu.Unlock()
	defer func() {
		s.bus.mu.Lock()
		delete(s.bus.waiters, msg.ID)
		s.bus.mu.Unlock()
	}()

	if _, err := s.SendMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return Message{}, errors.Timeout("request "+msg.ID, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply 应答 original，发送方为 original 的唯一接收方
func (s *Service) Reply(ctx context.Context, original Message, payload map[string]any) (string, error) {
	from := SystemSender
	if len(original.To) == 1 {
		from = original.To[0]
	}
	return s.SendMessage(ctx, Message{
		Type:      MessageCompletion,
		From:      from,
		To:        []string{original.From},
		Payload:   payload,
		Priority:  original.Priority,
		SessionID: original.SessionID,
		ReplyTo:   original.ID,
	})
}
