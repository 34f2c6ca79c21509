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

package redaction

import (
	"strings"
	"testing"

	"workflow-platform/pkg/config"
	"workflow-platform/pkg/errors"
)

// TestRedaction_RedactMode 测试 redact 模式
func TestRedaction_RedactMode(t *testing.T) {
	e, err := NewEngine([]config.RedactionRule{{Path: "email"}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	in := map[string]any{"email": "user@example.com", "name": "John"}
	out := e.Redact(in).(map[string]any)

	if out["email"] != redactedValue {
		t.Errorf("email should be redacted, got: %v", out["email"])
	}
	if out["name"] != "John" {
		t.Error("name should not be redacted")
	}
	if in["email"] != "user@example.com" {
		t.Error("input must not be mutated")
	}
}

// TestRedaction_HashMode 测试 hash 模式
func TestRedaction_HashMode(t *testing.T) {
	e, err := NewEngine([]config.RedactionRule{{Path: "secret", Mode: "hash", Salt: "s"}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	first := e.Redact(map[string]any{"secret": "v"}).(map[string]any)["secret"].(string)
	second := e.Redact(map[string]any{"secret": "v"}).(map[string]any)["secret"].(string)
	if !strings.HasPrefix(first, "hash:") {
		t.Errorf("hash should start with 'hash:', got: %s", first)
	}
	if first != second {
		t.Error("same input and salt should produce same hash")
	}
}

// TestRedaction_NestedRemove 嵌套路径 + remove 模式
func TestRedaction_NestedRemove(t *testing.T) {
	e, err := NewEngine([]config.RedactionRule{{Path: "user.token", Mode: "remove"}, {Path: "missing.field"}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	in := map[string]any{"user": map[string]any{"token": "t", "id": 1}}
	out := e.Redact(in).(map[string]any)
	user := out["user"].(map[string]any)
	if _, ok := user["token"]; ok {
		t.Error("token should be removed")
	}
	if user["id"] != 1 {
		t.Error("id should be kept")
	}
	if _, ok := in["user"].(map[string]any)["token"]; !ok {
		t.Error("nested input must not be mutated")
	}
}

func TestRedaction_Passthrough(t *testing.T) {
	e, _ := NewEngine(nil)
	if e.Enabled() {
		t.Error("no rules means disabled")
	}
	if got := e.Redact("plain"); got != "plain" {
		t.Errorf("non-map value changed: %v", got)
	}

	if _, err := NewEngine([]config.RedactionRule{{Path: "x", Mode: "encrypt"}}); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("unknown mode should be a validation error, got %v", err)
	}
	if _, err := NewEngine([]config.RedactionRule{{Path: " "}}); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("empty path should be a validation error, got %v", err)
	}
}
