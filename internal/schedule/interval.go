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

package schedule

import (
	"fmt"
	"hash/fnv"

	"workflow-platform/pkg/errors"
)

// Unit 间隔单位
type Unit string

const (
	UnitSeconds Unit = "seconds"
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
)

// maxInterval 各单位 "*/n" 可表达的上限，超出后字段内只会命中一次，语义不再是间隔
var maxInterval = map[Unit]int{
	UnitSeconds: 59,
	UnitMinutes: 59,
	UnitHours:   23,
	UnitDays:    31,
}

// Spec 调度规格：Cron 与 Interval+Unit 二选一
type Spec struct {
	Cron     string `json:"cron,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Unit     Unit   `json:"unit,omitempty"`
}

// offsets 由 seed 派生的固定偏移：同一 workflow 每次得到相同值，不同 workflow 分散在各时间点
type offsets struct {
	second, minute, hour int
}

func offsetsFor(seed string) offsets {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	v := h.Sum64()
	return offsets{
		second: int(v % 60),
		minute: int((v / 60) % 60),
		hour:   int((v / 3600) % 24),
	}
}

// IntervalToCron 将间隔转换为 6 字段（秒级）cron 表达式，并在低位字段注入由 seed 决定的偏移：
//
//	seconds: */n * * * * *
//	minutes: S */n * * * *
//	hours:   S M */n * * *
//	days:    S M H */n * *
func IntervalToCron(interval int, unit Unit, seed string) (string, error) {
	limit, ok := maxInterval[unit]
	if !ok {
		return "", errors.Validationf("unit", "must be one of seconds, minutes, hours, days; got %q", unit)
	}
	if interval < 1 {
		return "", errors.Validation("interval", "must be >= 1")
	}
	if interval > limit {
		return "", errors.Validationf("interval", "must be <= %d for unit %s", limit, unit)
	}
	off := offsetsFor(seed)
	switch unit {
	case UnitSeconds:
		return fmt.Sprintf("*/%d * * * * *", interval), nil
	case UnitMinutes:
		return fmt.Sprintf("%d */%d * * * *", off.second, interval), nil
	case UnitHours:
		return fmt.Sprintf("%d %d */%d * * *", off.second, off.minute, interval), nil
	default:
		return fmt.Sprintf("%d %d %d */%d * *", off.second, off.minute, off.hour, interval), nil
	}
}
