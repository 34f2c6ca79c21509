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

// Package redaction 对执行结果中的敏感字段做脱敏
package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
)

// Mode 脱敏模式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 "***REDACTED***"
	ModeHash   Mode = "hash"   // 替换为 SHA256 hash
	ModeRemove Mode = "remove" // 完全移除字段
)

const redactedValue = "***REDACTED***"

// FieldMask 字段掩码
type FieldMask struct {
	Path []string
	Mode Mode
	Salt string
}

// Engine 脱敏引擎；零规则时原样返回
type Engine struct {
	masks []FieldMask
}

// NewEngine 由配置规则创建引擎，未知模式返回校验错误
func NewEngine(rules []config.RedactionRule) (*Engine, error) {
	e := &Engine{}
	for _, r := range rules {
		mode := Mode(r.Mode)
		if mode == "" {
			mode = ModeRedact
		}
		switch mode {
		case ModeRedact, ModeHash, ModeRemove:
		default:
			return nil, errors.Validationf("redaction.mode", "unknown mode %q", r.Mode)
		}
		if strings.TrimSpace(r.Path) == "" {
			return nil, errors.Validation("redaction.path", "required")
		}
		e.masks = append(e.masks, FieldMask{Path: strings.Split(r.Path, "."), Mode: mode, Salt: r.Salt})
	}
	return e, nil
}

// Enabled 是否配置了规则
func (e *Engine) Enabled() bool { return e != nil && len(e.masks) > 0 }

// Redact 对 map 类型的值应用全部规则并返回副本；其他类型原样返回
func (e *Engine) Redact(v any) any {
	obj, ok := v.(map[string]any)
	if !e.Enabled() || !ok {
		return v
	}
	out := deepCopy(obj)
	for _, m := range e.masks {
		e.apply(out, m)
	}
	return out
}

func (e *Engine) apply(obj map[string]any, mask FieldMask) {
	current := obj
	for _, part := range mask.Path[:len(mask.Path)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return // 字段不存在
		}
		current = next
	}
	last := mask.Path[len(mask.Path)-1]
	value, exists := current[last]
	if !exists {
		return
	}
	switch mask.Mode {
	case ModeRedact:
		current[last] = redactedValue
	case ModeHash:
		current[last] = hashValue(fmt.Sprintf("%v", value), mask.Salt)
	case ModeRemove:
		delete(current, last)
	}
}

// hashValue 计算字段的 SHA256 hash
func hashValue(value, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}

// deepCopy 只复制嵌套 map，其余值共享
func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}
