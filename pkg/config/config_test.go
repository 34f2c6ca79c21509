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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
queue:
  default_max_attempts: 5
  backoff:
    strategy: linear
    base_delay: 250ms
  queues:
    - name: workflows
      concurrency: 2
      rate_limit: 10
coordination:
  message_ordering: timestamp
  resources:
    gpu: 2
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Queue.DefaultMaxAttempts != 5 || cfg.Queue.Backoff.Strategy != "linear" {
		t.Errorf("Queue: got %+v", cfg.Queue)
	}
	if len(cfg.Queue.Queues) != 1 || cfg.Queue.Queues[0].Concurrency != 2 || cfg.Queue.Queues[0].RateLimit != 10 {
		t.Errorf("Queue.Queues: got %+v", cfg.Queue.Queues)
	}
	if cfg.Coordination.MessageOrdering != "timestamp" || cfg.Coordination.Resources["gpu"] != 2 {
		t.Errorf("Coordination: got %+v", cfg.Coordination)
	}
	// 未出现在文件中的键保留默认值
	if cfg.Workflow.Queue != "workflows" || cfg.Coordination.HeartbeatInterval != "10s" {
		t.Errorf("defaults not kept: workflow=%+v coordination=%+v", cfg.Workflow, cfg.Coordination)
	}
}

func TestLoadConfigOrDefault_Missing(t *testing.T) {
	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigOrDefault: %v", err)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.API.Port)
	}
	if !cfg.ScheduleEnabled() || cfg.ScheduleQueue() != "workflows" {
		t.Errorf("schedule defaults: enabled=%v queue=%q", cfg.ScheduleEnabled(), cfg.ScheduleQueue())
	}
}

func TestParseDuration(t *testing.T) {
	if d := ParseDuration("", time.Second); d != time.Second {
		t.Errorf("empty: %v", d)
	}
	if d := ParseDuration("bogus", time.Second); d != time.Second {
		t.Errorf("invalid: %v", d)
	}
	if d := ParseDuration("-5s", time.Second); d != time.Second {
		t.Errorf("negative: %v", d)
	}
	if d := ParseDuration("250ms", time.Second); d != 250*time.Millisecond {
		t.Errorf("valid: %v", d)
	}
}
