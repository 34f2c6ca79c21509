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

package multiagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workflow-platform/internal/coordination"
	"workflow-platform/pkg/errors"
)

// 投票类协议的 Outcome
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Voter 向 Agent 征询投票；须在 ctx 截止前返回
type Voter func(ctx context.Context, agentID string, proposal any) (coordination.Vote, error)

// Candidate 竞争中一个参与方的成功结果
type Candidate struct {
	AgentID  string
	Output   any
	Duration time.Duration
}

// SelectFunc 从候选中选出最佳结果，由调用方提供
type SelectFunc func(candidates []Candidate) (Candidate, error)

// DecisionRequest 一次决策
type DecisionRequest struct {
	Type     coordination.DecisionType
	Proposal any
	// Voter consensus / majority / authority / delegation 必填
	Voter Voter
	// Authority authority 协议中拍板的参与方
	Authority string
	// Delegate delegation 协议中被委托的参与方
	Delegate string
	// Execute competition 中每个参与方的执行函数；为空时用 Coordinator 的 Executor
	Execute func(ctx context.Context, agentID string, proposal any) (any, error)
	Select  SelectFunc
	Timeout time.Duration
}

func (r DecisionRequest) validate(sess *coordination.Session) error {
	switch r.Type {
	case coordination.DecisionConsensus, coordination.DecisionMajority:
	case coordination.DecisionAuthority:
		if !sess.HasParticipant(r.Authority) {
			return errors.Validationf("authority", "%q is not a participant of session %s", r.Authority, sess.ID)
		}
	case coordination.DecisionDelegation:
		if !sess.HasParticipant(r.Delegate) {
			return errors.Validationf("delegate", "%q is not a participant of session %s", r.Delegate, sess.ID)
		}
	case coordination.DecisionCompetition:
		if r.Select == nil {
			return errors.Validation("select", "competition requires a selection function")
		}
		return nil
	default:
		return errors.Validationf("type", "unknown decision type %q", r.Type)
	}
	if r.Voter == nil {
		return errors.Validation("voter", "voter is required")
	}
	return nil
}

// Decide 在 session 内按协议做出决策并记录。协议无法得出结论时 session 失败：
// 缺票返回 CoordinationTimeoutError，其余返回 CoordinationFailure
func (c *Coordinator) Decide(ctx context.Context, sessionID string, req DecisionRequest) (coordination.Decision, error) {
	sess, err := c.activeSession(sessionID)
	if err != nil {
		return coordination.Decision{}, err
	}
	if err := req.validate(sess); err != nil {
		return coordination.Decision{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DecisionTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := coordination.Decision{Type: req.Type, Participants: sess.Participants, Proposal: req.Proposal}
	switch req.Type {
	case coordination.DecisionConsensus:
		err = c.consensus(dctx, sess, req, timeout, &d)
	case coordination.DecisionMajority:
		err = c.majority(dctx, sess, req, timeout, &d)
	case coordination.DecisionAuthority:
		err = c.single(dctx, sess, req.Authority, req, timeout, &d, false)
	case coordination.DecisionDelegation:
		err = c.single(dctx, sess, req.Delegate, req, timeout, &d, true)
	case coordination.DecisionCompetition:
		err = c.competition(dctx, sess, req, &d)
	}
	if err != nil {
		return coordination.Decision{}, err
	}
	recorded, err := c.svc.RecordDecision(sessionID, d)
	if err != nil {
		return coordination.Decision{}, err
	}
	c.logger.Info("决策已记录", "session_id", sessionID, "type", d.Type, "outcome", d.Outcome, "confidence", d.Confidence)
	return recorded, nil
}

type ballot struct {
	agentID string
	vote    coordination.Vote
	err     error
}

// collectVotes 并发征询投票，截止时未返回或出错的视为缺票
func collectVotes(ctx context.Context, voter Voter, voters []string, proposal any) map[string]coordination.Vote {
	ch := make(chan ballot, len(voters))
	for _, id := range voters {
		go func(id string) {
			var b ballot
			defer func() {
				if r := recover(); r != nil {
					b.err = fmt.Errorf("voter panic: %v", r)
				}
				ch <- b
			}()
			b.agentID = id
			b.vote, b.err = voter(ctx, id, proposal)
		}(id)
	}
	votes := make(map[string]coordination.Vote, len(voters))
	for received := 0; received < len(voters); received++ {
		select {
		case b := <-ch:
			if b.err != nil {
				continue
			}
			switch b.vote {
			case coordination.VoteAgree, coordination.VoteDisagree, coordination.VoteAbstain:
				votes[b.agentID] = b.vote
			}
		case <-ctx.Done():
			return votes
		}
	}
	return votes
}

func missing(voters []string, votes map[string]coordination.Vote) []string {
	var out []string
	for _, id := range voters {
		if _, ok := votes[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// timeoutBreakdown 缺票：session 失败，返回超时错误
func (c *Coordinator) timeoutBreakdown(sessionID string, kind coordination.DecisionType, absent []string, timeout time.Duration) error {
	_ = c.breakdown(sessionID, fmt.Sprintf("%s: no vote from %s", kind, strings.Join(absent, ",")))
	return errors.Timeout(string(kind)+" vote", timeout)
}

func tally(votes map[string]coordination.Vote) (agree, disagree int) {
	for _, v := range votes {
		switch v {
		case coordination.VoteAgree:
			agree++
		case coordination.VoteDisagree:
			disagree++
		}
	}
	return agree, disagree
}

// consensus 全体参与方投 agree 才形成结论
func (c *Coordinator) consensus(ctx context.Context, sess *coordination.Session, req DecisionRequest, timeout time.Duration, d *coordination.Decision) error {
	votes := collectVotes(ctx, req.Voter, sess.Participants, req.Proposal)
	d.Votes = votes
	if absent := missing(sess.Participants, votes); len(absent) > 0 {
		return c.timeoutBreakdown(sess.ID, req.Type, absent, timeout)
	}
	agree, _ := tally(votes)
	if agree != len(sess.Participants) {
		return c.breakdown(sess.ID, fmt.Sprintf("consensus not reached: %d of %d agreed", agree, len(sess.Participants)))
	}
	d.Outcome = OutcomeAccepted
	d.Confidence = 1
	d.Reasoning = "all participants agreed"
	return nil
}

// majority 已投票中 agree 多于 disagree 即通过；一票未收到时失败
func (c *Coordinator) majority(ctx context.Context, sess *coordination.Session, req DecisionRequest, timeout time.Duration, d *coordination.Decision) error {
	votes := collectVotes(ctx, req.Voter, sess.Participants, req.Proposal)
	d.Votes = votes
	if len(votes) == 0 {
		return c.timeoutBreakdown(sess.ID, req.Type, sess.Participants, timeout)
	}
	agree, disagree := tally(votes)
	d.Outcome = OutcomeRejected
	if agree > disagree {
		d.Outcome = OutcomeAccepted
	}
	if cast := agree + disagree; cast > 0 {
		d.Confidence = float64(max(agree, disagree)) / float64(cast)
	}
	d.Reasoning = fmt.Sprintf("%d agree, %d disagree, %d abstain", agree, disagree, len(votes)-agree-disagree)
	return nil
}

// single authority 由指定参与方裁决；delegation 须被委托方同意
func (c *Coordinator) single(ctx context.Context, sess *coordination.Session, agentID string, req DecisionRequest, timeout time.Duration, d *coordination.Decision, mustApprove bool) error {
	votes := collectVotes(ctx, req.Voter, []string{agentID}, req.Proposal)
	d.Votes = votes
	v, ok := votes[agentID]
	if !ok {
		return c.timeoutBreakdown(sess.ID, req.Type, []string{agentID}, timeout)
	}
	switch {
	case v == coordination.VoteAgree:
		d.Outcome = OutcomeAccepted
	case v == coordination.VoteDisagree && !mustApprove:
		d.Outcome = OutcomeRejected
	default:
		return c.breakdown(sess.ID, fmt.Sprintf("%s: %s voted %s", req.Type, agentID, v))
	}
	d.Confidence = 1
	d.Reasoning = fmt.Sprintf("decided by %s", agentID)
	return nil
}

// competition 每个参与方独立执行，Select 选出结果
func (c *Coordinator) competition(ctx context.Context, sess *coordination.Session, req DecisionRequest, d *coordination.Decision) error {
	run := req.Execute
	if run == nil {
		if c.exec == nil {
			return errors.Validation("execute", "competition requires an executor")
		}
		run = func(ctx context.Context, agentID string, proposal any) (any, error) {
			return c.exec(ctx, agentID, Assignment{
				TaskID:    "decision",
				SessionID: sess.ID,
				Subtask:   Subtask{ID: "proposal", Input: map[string]any{"proposal": proposal}},
			})
		}
	}
	candidates := c.compete(ctx, sess.ID, "decision", sess.Participants, func(ctx context.Context, agentID string) (any, error) {
		return run(ctx, agentID, req.Proposal)
	})
	if len(candidates) == 0 {
		return c.breakdown(sess.ID, "competition: no participant produced a result")
	}
	best, err := req.Select(candidates)
	if err != nil {
		return c.breakdown(sess.ID, "competition: "+err.Error())
	}
	d.Outcome = best.Output
	// 成功产出结果的参与方占比
	d.Confidence = float64(len(candidates)) / float64(len(sess.Participants))
	d.Reasoning = fmt.Sprintf("selected %s among %d results", best.AgentID, len(candidates))
	return nil
}
