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
	"time"

	"workflow-platform/pkg/errors"
)

// BackoffStrategy 重试退避策略
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// 指数退避的最大位移，避免 Duration 溢出
const maxBackoffShift = 30

// Backoff 重试退避配置
type Backoff struct {
	Strategy  BackoffStrategy `json:"strategy"`
	BaseDelay time.Duration   `json:"base_delay"`
}

// Validate 校验策略与基础延迟
func (b Backoff) Validate() error {
	switch b.Strategy {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return errors.Validationf("backoff.strategy", "unknown strategy %q", b.Strategy)
	}
	if b.BaseDelay < 0 {
		return errors.Validation("backoff.base_delay", "must be >= 0")
	}
	return nil
}

// Delay 第 attempts 次失败后的等待时间（attempts 从 1 开始）
//
//	fixed:       base
//	linear:      base * attempts
//	exponential: base * 2^(attempts-1)
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	switch b.Strategy {
	case BackoffLinear:
		return b.BaseDelay * time.Duration(attempts)
	case BackoffExponential:
		shift := attempts - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return b.BaseDelay * time.Duration(1<<shift)
	default:
		return b.BaseDelay
	}
}
