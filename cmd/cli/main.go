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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"workflow-platform/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], newClient(apiBaseURL()), os.Stdout, os.Stderr))
}

// run 执行一条子命令并返回退出码
func run(args []string, c *client, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "wfp cli 0.1.0")
		return 0
	case "config":
		return runConfig(stdout, stderr)
	case "run":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: wfp run <workflowId> [json-input]")
			return 1
		}
		input := map[string]any{}
		if len(args) > 1 {
			if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
				fmt.Fprintf(stderr, "input 不是合法 JSON 对象: %v\n", err)
				return 1
			}
		}
		out, err := c.enqueue(args[0], input)
		if err != nil {
			fmt.Fprintf(stderr, "提交执行失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "status":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: wfp status <executionId>")
			return 1
		}
		out, err := c.executionStatus(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "查询执行状态失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "schedule":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: wfp schedule <workflowId> <interval> <unit> [tz]")
			return 1
		}
		interval, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "interval 必须为整数: %v\n", err)
			return 1
		}
		tz := ""
		if len(args) > 3 {
			tz = args[3]
		}
		out, err := c.schedule(args[0], interval, args[2], tz)
		if err != nil {
			fmt.Fprintf(stderr, "注册调度失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	case "agents":
		if len(args) < 1 || args[0] != "status" {
			fmt.Fprintln(stderr, "Usage: wfp agents status")
			return 1
		}
		out, err := c.coordinationStatus()
		if err != nil {
			fmt.Fprintf(stderr, "查询协调状态失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	default:
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: wfp <command> [args]")
	fmt.Fprintln(w, "  version                                  - 显示版本")
	fmt.Fprintln(w, "  config                                   - 显示配置概要")
	fmt.Fprintln(w, "  run <workflowId> [json-input]            - 提交 workflow 执行，返回 jobId/executionId")
	fmt.Fprintln(w, "  status <executionId>                     - 查询执行状态")
	fmt.Fprintln(w, "  schedule <workflowId> <interval> <unit> [tz] - 注册间隔调度（unit: seconds|minutes|hours|days）")
	fmt.Fprintln(w, "  agents status                            - 协调服务状态概览")
	fmt.Fprintln(w, "环境变量 WFP_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

func runConfig(stdout, stderr io.Writer) int {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "workflow.queue=%s\n", cfg.Workflow.Queue)
	fmt.Fprintf(stdout, "schedule.queue=%s\n", cfg.ScheduleQueue())
	fmt.Fprintf(stdout, "queue.persistence=%s\n", cfg.Queue.Persistence.Type)
	return 0
}
