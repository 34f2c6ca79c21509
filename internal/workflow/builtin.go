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

package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// 内置节点类型；外部集成的节点由调用方另行注册
const (
	NodeTypeNoop  = "noop"
	NodeTypeSet   = "set"
	NodeTypeDelay = "delay"
)

// RegisterBuiltins 注册与外部系统无关的内置节点（均为版本 1）
func RegisterBuiltins(r *HandlerRegistry) error {
	for typ, h := range map[string]NodeHandler{
		NodeTypeNoop:  HandlerFunc(noopNode),
		NodeTypeSet:   HandlerFunc(setNode),
		NodeTypeDelay: HandlerFunc(delayNode),
	} {
		if err := r.Register(typ, 1, h); err != nil {
			return err
		}
	}
	return nil
}

// noopNode 透传上游输出（无前驱时为触发输入）
func noopNode(_ context.Context, in NodeInput) (any, error) {
	return passthrough(in.Upstream, in.TriggerInput), nil
}

// setNode parameters.values 覆盖到上游 map 输出之上
func setNode(_ context.Context, in NodeInput) (any, error) {
	out := make(map[string]any)
	if m, ok := passthrough(in.Upstream, in.TriggerInput).(map[string]any); ok {
		maps.Copy(out, m)
	}
	if values, ok := in.Node.Parameters["values"].(map[string]any); ok {
		maps.Copy(out, values)
	}
	return out, nil
}

// delayNode 等待 parameters.ms 毫秒后透传
func delayNode(ctx context.Context, in NodeInput) (any, error) {
	var ms float64
	switch v := in.Node.Parameters["ms"].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case nil:
	default:
		return nil, fmt.Errorf("delay: parameter ms must be a number, got %T", v)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return passthrough(in.Upstream, in.TriggerInput), nil
}
