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
	"sync"
	"sync/atomic"

	"workflow-platform/pkg/errors"
)

// ResourceUsage 资源占用
type ResourceUsage struct {
	Capacity int `json:"capacity"`
	Used     int `json:"used"`
}

type resourcePool struct {
	capacity atomic.Int64
	used     atomic.Int64
}

// Resources 按资源名的容量准入；计数以 CAS 更新，不持锁
type Resources struct {
	mu    sync.RWMutex
	pools map[string]*resourcePool
}

// NewResources 以初始容量创建
func NewResources(capacities map[string]int) *Resources {
	r := &Resources{pools: make(map[string]*resourcePool)}
	for k, c := range capacities {
		r.SetCapacity(k, c)
	}
	return r
}

func (r *Resources) pool(key string) *resourcePool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[key]
}

// SetCapacity 设置容量；已占用超过新容量时不回收，只阻止新的占用
func (r *Resources) SetCapacity(key string, capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	r.mu.Lock()
	p, ok := r.pools[key]
	if !ok {
		p = &resourcePool{}
		r.pools[key] = p
	}
	r.mu.Unlock()
	p.capacity.Store(int64(capacity))
}

// TryAcquire 占用 n 个单位；未知资源或余量不足时返回 false
func (r *Resources) TryAcquire(key string, n int) bool {
	p := r.pool(key)
	if p == nil || n <= 0 {
		return false
	}
	for {
		used := p.used.Load()
		if used+int64(n) > p.capacity.Load() {
			return false
		}
		if p.used.CompareAndSwap(used, used+int64(n)) {
			return true
		}
	}
}

// Release 归还 n 个单位，不低于 0
func (r *Resources) Release(key string, n int) {
	p := r.pool(key)
	if p == nil || n <= 0 {
		return
	}
	for {
		used := p.used.Load()
		next := used - int64(n)
		if next < 0 {
			next = 0
		}
		if p.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// Available 剩余容量
func (r *Resources) Available(key string) int {
	p := r.pool(key)
	if p == nil {
		return 0
	}
	if free := p.capacity.Load() - p.used.Load(); free > 0 {
		return int(free)
	}
	return 0
}

// Usage 全部资源的占用快照
func (r *Resources) Usage() map[string]ResourceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.pools) == 0 {
		return nil
	}
	out := make(map[string]ResourceUsage, len(r.pools))
	for k, p := range r.pools {
		out[k] = ResourceUsage{Capacity: int(p.capacity.Load()), Used: int(p.used.Load())}
	}
	return out
}

// resource_request 消息的 payload 字段
const (
	payloadResource = "resource"
	payloadAmount   = "amount"
	payloadGranted  = "granted"
)

func isSystemTarget(to []string) bool {
	return len(to) == 0 || (len(to) == 1 && to[0] == SystemSender)
}

func payloadInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}

// admitResource 处理发给 system 的 resource_request：按容量准入，以 status_update 应答申请方
func (s *Service) admitResource(ctx context.Context, req Message) error {
	key, _ := req.Payload[payloadResource].(string)
	n, ok := payloadInt(req.Payload[payloadAmount])
	if key == "" || !ok || n <= 0 {
		return errors.Validation("payload", "resource_request needs a resource name and a positive amount")
	}
	granted := s.resources.TryAcquire(key, n)
	_, err := s.SendMessage(ctx, Message{
		Type:      MessageStatusUpdate,
		From:      SystemSender,
		To:        []string{req.From},
		Payload:   map[string]any{payloadResource: key, payloadAmount: n, payloadGranted: granted},
		Priority:  req.Priority,
		SessionID: req.SessionID,
		ReplyTo:   req.ID,
	})
	if err != nil && granted {
		s.resources.Release(key, n)
	}
	s.logger.Debug("资源申请", "agent_id", req.From, "resource", key, "amount", n, "granted", granted)
	return err
}

// RequestResource Agent 发送 resource_request 并等待准入应答
func (s *Service) RequestResource(ctx context.Context, agentID, key string, n int, sessionID string) (bool, error) {
	if !s.agents.exists(agentID) {
		return false, errors.NotFound("agent", agentID)
	}
	reply, err := s.Request(ctx, Message{
		Type:      MessageResourceRequest,
		From:      agentID,
		To:        []string{SystemSender},
		Payload:   map[string]any{payloadResource: key, payloadAmount: n},
		SessionID: sessionID,
	}, defaultRequestTimeout)
	if err != nil {
		return false, err
	}
	granted, _ := reply.Payload[payloadGranted].(bool)
	return granted, nil
}

// ReleaseResource 归还占用的资源
func (s *Service) ReleaseResource(key string, n int) {
	s.resources.Release(key, n)
}
