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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-platform/pkg/errors"
	"workflow-platform/pkg/metrics"
)

// SessionStatus 协调 session 状态
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionCancelled    SessionStatus = "cancelled"
)

// Terminal 是否为终态
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// initializing → active ⇄ paused → completed | failed | cancelled
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInitializing: {SessionActive, SessionFailed, SessionCancelled},
	SessionActive:       {SessionPaused, SessionCompleted, SessionFailed, SessionCancelled},
	SessionPaused:       {SessionActive, SessionFailed, SessionCancelled},
}

// DecisionType 决策协议
type DecisionType string

const (
	DecisionConsensus   DecisionType = "consensus"
	DecisionMajority    DecisionType = "majority"
	DecisionAuthority   DecisionType = "authority"
	DecisionDelegation  DecisionType = "delegation"
	DecisionCompetition DecisionType = "competition"
)

// Valid 是否为已知协议
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionConsensus, DecisionMajority, DecisionAuthority, DecisionDelegation, DecisionCompetition:
		return true
	}
	return false
}

// Vote 投票
type Vote string

const (
	VoteAgree    Vote = "agree"
	VoteDisagree Vote = "disagree"
	VoteAbstain  Vote = "abstain"
)

// Decision 一次已记录的决策，记录后不可变
type Decision struct {
	ID           string          `json:"id"`
	Type         DecisionType    `json:"type"`
	Participants []string        `json:"participants"`
	Proposal     any             `json:"proposal,omitempty"`
	Votes        map[string]Vote `json:"votes,omitempty"`
	Outcome      any             `json:"outcome,omitempty"`
	Confidence   float64         `json:"confidence"`
	Reasoning    string          `json:"reasoning,omitempty"`
	DecidedAt    time.Time       `json:"decidedAt"`
}

// Session 协调 session 快照
type Session struct {
	ID               string         `json:"id"`
	Participants     []string       `json:"participants"`
	Protocol         DecisionType   `json:"protocol"`
	Status           SessionStatus  `json:"status"`
	SharedMemory     map[string]any `json:"sharedMemory"`
	CommunicationLog []Message      `json:"communicationLog,omitempty"`
	Decisions        []Decision     `json:"decisions,omitempty"`
	FailureReason    string         `json:"failureReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	EndedAt          time.Time      `json:"endedAt,omitempty"`
}

// HasParticipant 是否包含该 Agent
func (s *Session) HasParticipant(agentID string) bool {
	return slices.Contains(s.Participants, agentID)
}

func (s *Session) clone() *Session {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.SharedMemory = maps.Clone(s.SharedMemory)
	c.CommunicationLog = slices.Clone(s.CommunicationLog)
	c.Decisions = slices.Clone(s.Decisions)
	return &c
}

// archiveLimit 归档 session 保留上限，超出后淘汰最早归档的
const archiveLimit = 1024

type sessionState struct {
	s    Session
	done chan struct{}
}

type sessionTable struct {
	mu           sync.RWMutex
	active       map[string]*sessionState
	archived     map[string]*sessionState
	archiveOrder []string
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		active:   make(map[string]*sessionState),
		archived: make(map[string]*sessionState),
	}
}

// lookupLocked 调用方持有 t.mu
func (t *sessionTable) lookupLocked(id string) (*sessionState, error) {
	if st, ok := t.active[id]; ok {
		return st, nil
	}
	if st, ok := t.archived[id]; ok {
		return st, nil
	}
	return nil, errors.NotFound("session", id)
}

func (t *sessionTable) get(id string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, err := t.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return st.s.clone(), nil
}

func (t *sessionTable) counts() (active, archived int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active), len(t.archived)
}

// mutate 修改未结束的 session
func (t *sessionTable) mutate(id string, now time.Time, fn func(s *Session) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.lookupLocked(id)
	if err != nil {
		return err
	}
	if st.s.Status.Terminal() {
		return errors.Validationf("status", "session %s is %s", id, st.s.Status)
	}
	if err := fn(&st.s); err != nil {
		return err
	}
	st.s.UpdatedAt = now
	return nil
}

func (t *sessionTable) appendLog(id string, msg Message) error {
	return t.mutate(id, msg.Timestamp, func(s *Session) error {
		s.CommunicationLog = append(s.CommunicationLog, msg.clone())
		return nil
	})
}

// transition 校验并执行状态转移；进入终态时归档并唤醒等待方
func (t *sessionTable) transition(id string, to SessionStatus, reason string, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	from := st.s.Status
	if !slices.Contains(sessionTransitions[from], to) {
		return nil, errors.Validationf("status", "session %s cannot move from %s to %s", id, from, to)
	}
	st.s.Status = to
	st.s.UpdatedAt = now
	if to.Terminal() {
		st.s.EndedAt = now
		st.s.FailureReason = reason
		delete(t.active, id)
		t.archived[id] = st
		t.archiveOrder = append(t.archiveOrder, id)
		if len(t.archiveOrder) > archiveLimit {
			delete(t.archived, t.archiveOrder[0])
			t.archiveOrder = t.archiveOrder[1:]
		}
		close(st.done)
		metrics.CoordinationSessionsTotal.WithLabelValues(string(to)).Inc()
	}
	return st.s.clone(), nil
}

// activeWith 包含该 Agent 的未结束 session
func (t *sessionTable) activeWith(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, st := range t.active {
		if st.s.HasParticipant(agentID) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Service) failSessionsWith(agentID, reason string) {
	for _, id := range s.sessions.activeWith(agentID) {
		if _, err := s.sessions.transition(id, SessionFailed, reason, s.now()); err != nil {
			// 并发下已进入终态
			continue
		}
		s.logger.Warn("session 失败", "session_id", id, "agent_id", agentID, "reason", reason)
	}
}

// CreateSession 创建 initializing 状态的 session；参与方须已注册
func (s *Service) CreateSession(participants []string, protocol DecisionType) (*Session, error) {
	participants = normalizeSet(participants)
	if len(participants) == 0 {
		return nil, errors.Validation("participants", "at least one participant is required")
	}
	if !protocol.Valid() {
		return nil, errors.Validationf("protocol", "unknown decision protocol %q", protocol)
	}
	for _, p := range participants {
		if !s.agents.exists(p) {
			return nil, errors.NotFound("agent", p)
		}
	}
	now := s.now()
	st := &sessionState{
		s: Session{
			ID:           uuid.New().String(),
			Participants: participants,
			Protocol:     protocol,
			Status:       SessionInitializing,
			SharedMemory: make(map[string]any),
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		done: make(chan struct{}),
	}
	s.sessions.mu.Lock()
	s.sessions.active[st.s.ID] = st
	s.sessions.mu.Unlock()
	s.logger.Info("session 已创建", "session_id", st.s.ID, "participants", participants, "protocol", protocol)
	return st.s.clone(), nil
}

// GetSession 返回 session 快照（含已归档）
func (s *Service) GetSession(id string) (*Session, error) {
	return s.sessions.get(id)
}

// ActivateSession initializing|paused → active
func (s *Service) ActivateSession(id string) (*Session, error) {
	return s.sessions.transition(id, SessionActive, "", s.now())
}

// PauseSession active → paused
func (s *Service) PauseSession(id string) (*Session, error) {
	return s.sessions.transition(id, SessionPaused, "", s.now())
}

// CompleteSession active → completed
func (s *Service) CompleteSession(id string) (*Session, error) {
	return s.sessions.transition(id, SessionCompleted, "", s.now())
}

// FailSession 以 reason 结束 session
func (s *Service) FailSession(id, reason string) (*Session, error) {
	return s.sessions.transition(id, SessionFailed, reason, s.now())
}

// CancelSession 取消 session
func (s *Service) CancelSession(id string) (*Session, error) {
	return s.sessions.transition(id, SessionCancelled, "cancelled", s.now())
}

// SetShared 写入共享内存
func (s *Service) SetShared(id, key string, value any) error {
	return s.sessions.mutate(id, s.now(), func(sess *Session) error {
		sess.SharedMemory[key] = value
		return nil
	})
}

// GetShared 读取共享内存
func (s *Service) GetShared(id, key string) (any, bool, error) {
	s.sessions.mu.RLock()
	defer s.sessions.mu.RUnlock()
	st, err := s.sessions.lookupLocked(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := st.s.SharedMemory[key]
	return v, ok, nil
}

// AppendLog 追加通信记录
func (s *Service) AppendLog(id string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.sessions.appendLog(id, msg)
}

// RecordDecision 追加决策，分配 ID 与时间
func (s *Service) RecordDecision(id string, d Decision) (Decision, error) {
	if !d.Type.Valid() {
		return Decision{}, errors.Validationf("type", "unknown decision type %q", d.Type)
	}
	now := s.now()
	d.ID = uuid.New().String()
	d.DecidedAt = now
	d.Participants = slices.Clone(d.Participants)
	d.Votes = maps.Clone(d.Votes)
	err := s.sessions.mutate(id, now, func(sess *Session) error {
		sess.Decisions = append(sess.Decisions, d)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// AwaitSession 等待 session 结束。completed 返回 nil；failed 或 cancelled 返回 CoordinationFailure；
// 超时返回 CoordinationTimeoutError
func (s *Service) AwaitSession(ctx context.Context, id string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = s.cfg.SessionTimeout
	}
	s.sessions.mu.RLock()
	st, err := s.sessions.lookupLocked(id)
	s.sessions.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.done:
	case <-timer.C:
		return nil, errors.Timeout("await session "+id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.sessions.mu.RLock()
	sess := st.s.clone()
	s.sessions.mu.RUnlock()
	if sess.Status != SessionCompleted {
		return sess, errors.Failure(id, sess.FailureReason)
	}
	return sess, nil
}
