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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"jobqueue-platform/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 返回进程退出码：0 成功，1 用法或请求错误，2 入队被拒绝
func run(argv []string, stdout, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := argv[0], argv[1:]
	need := func(n int, usage string) bool {
		if len(args) < n {
			fmt.Fprintf(stderr, "Usage: jqctl %s\n", usage)
			return false
		}
		return true
	}
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "jobqueue-platform cli 0.1.0")
		return 0
	case "config":
		return runConfig(stdout, stderr)
	case "health":
		return printResult(stdout, stderr, "健康检查失败")(health())
	case "enqueue":
		if !need(2, "enqueue <tenant> <payload_ref> [total_units] [job_id]") {
			return 1
		}
		return runEnqueue(args, stdout, stderr)
	case "status":
		if !need(2, "status <tenant> <job_id>") {
			return 1
		}
		return printResult(stdout, stderr, "查询失败")(getJob(args[0], args[1]))
	case "wait":
		if !need(2, "wait <tenant> <job_id>") {
			return 1
		}
		return runWait(args[0], args[1], stdout, stderr)
	case "cancel":
		if !need(2, "cancel <tenant> <job_id>") {
			return 1
		}
		return printResult(stdout, stderr, "取消失败")(cancelJob(args[0], args[1]))
	case "metrics":
		if !need(2, "metrics <tenant> <job_id>") {
			return 1
		}
		return printResult(stdout, stderr, "查询资源样本失败")(getJobMetrics(args[0], args[1]))
	case "active":
		if !need(1, "active <tenant>") {
			return 1
		}
		return printResult(stdout, stderr, "查询失败")(getActive(args[0]))
	case "stats":
		if !need(1, "stats <tenant>") {
			return 1
		}
		return printResult(stdout, stderr, "查询失败")(getStats(args[0]))
	case "reconcile":
		if len(args) == 0 {
			return printResult(stdout, stderr, "触发对账失败")(triggerReconcile())
		}
		return printResult(stdout, stderr, "对账失败")(reconcileTenant(args[0]))
	case "stale":
		if !need(1, "stale <tenant> [threshold]") {
			return 1
		}
		threshold := ""
		if len(args) > 1 {
			threshold = args[1]
		}
		return printResult(stdout, stderr, "陈旧检测失败")(detectStale(args[0], threshold))
	case "purge":
		if !need(1, "purge <tenant>") {
			return 1
		}
		return printResult(stdout, stderr, "清理失败")(purgeTenant(args[0]))
	default:
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: jqctl <command> [args]")
	fmt.Fprintln(w, "  version                                  - 显示版本")
	fmt.Fprintln(w, "  config                                   - 显示配置概要")
	fmt.Fprintln(w, "  health                                   - 健康检查")
	fmt.Fprintln(w, "  enqueue <tenant> <payload_ref> [units] [job_id] - 提交作业")
	fmt.Fprintln(w, "  status <tenant> <job_id>                 - 查询作业状态")
	fmt.Fprintln(w, "  wait <tenant> <job_id>                   - 轮询直到作业进入终态")
	fmt.Fprintln(w, "  cancel <tenant> <job_id>                 - 取消作业并释放槽位")
	fmt.Fprintln(w, "  metrics <tenant> <job_id>                - 作业资源样本")
	fmt.Fprintln(w, "  active <tenant>                          - 当前占用的并发槽位")
	fmt.Fprintln(w, "  stats <tenant>                           - 各状态作业数与队列深度")
	fmt.Fprintln(w, "  reconcile [tenant]                       - 对账（不带租户时触发全量对账）")
	fmt.Fprintln(w, "  stale <tenant> [threshold]               - 列出陈旧作业（只读）")
	fmt.Fprintln(w, "  purge <tenant>                           - 删除租户全部数据")
	fmt.Fprintln(w, "环境变量 JOBQUEUE_API_URL 指定 API 地址，默认 http://localhost:8080")
}

func printResult(stdout, stderr io.Writer, failMsg string) func(map[string]interface{}, error) int {
	return func(out map[string]interface{}, err error) int {
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", failMsg, err)
			return 1
		}
		fmt.Fprintln(stdout, prettyJSON(out))
		return 0
	}
}

func runConfig(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "coord.type=%s\n", cfg.Coord.Type)
	fmt.Fprintf(stdout, "coord.key_prefix=%s\n", cfg.Coord.KeyPrefix)
	fmt.Fprintf(stdout, "admission.default_limit=%d\n", cfg.Admission.DefaultLimit)
	fmt.Fprintf(stdout, "reconcile.stale_threshold=%s\n", cfg.Reconcile.StaleThreshold)
	return 0
}

func runEnqueue(args []string, stdout, stderr io.Writer) int {
	var units int64
	if len(args) > 2 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || n < 0 {
			fmt.Fprintf(stderr, "total_units 非法: %s\n", args[2])
			return 1
		}
		units = n
	}
	jobID := ""
	if len(args) > 3 {
		jobID = args[3]
	}
	out, err := enqueueJob(args[0], args[1], units, jobID)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Body["status"] == "rejected" {
			fmt.Fprintf(stderr, "入队被拒绝: %v\n", apiErr.Body["reason"])
			fmt.Fprintln(stdout, prettyJSON(apiErr.Body))
			return 2
		}
		fmt.Fprintf(stderr, "入队失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runWait(tenantID, jobID string, stdout, stderr io.Writer) int {
	for i := 0; i < 600; i++ {
		j, err := getJob(tenantID, jobID)
		if err != nil {
			fmt.Fprintf(stderr, "查询失败: %v\n", err)
			return 1
		}
		status, _ := j["status"].(string)
		if status == "completed" || status == "failed" {
			fmt.Fprintln(stdout, prettyJSON(j))
			if status == "failed" {
				return 1
			}
			return 0
		}
		fmt.Fprintf(stderr, "  status: %s\n", status)
		time.Sleep(time.Second)
	}
	fmt.Fprintf(stderr, "等待超时: %s\n", jobID)
	return 1
}
