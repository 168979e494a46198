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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
)

// AccessLog 记录每个请求的操作类型、租户与耗时
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		path := string(c.Path())
		tenantID, jobID := extractResource(path)
		status := c.Response.StatusCode()
		args := []any{
			"action", determineAction(string(c.Method()), path),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if tenantID != "" {
			args = append(args, "tenant_id", tenantID)
		}
		if jobID != "" {
			args = append(args, "job_id", jobID)
		}
		if status >= 500 {
			m.logger.Error("请求失败", args...)
			return
		}
		m.logger.Debug("请求完成", args...)
	}
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	switch {
	case path == "/metrics":
		return "scrape_metrics"
	case strings.HasSuffix(path, "/health"):
		return "health"
	case strings.HasPrefix(path, "/api/admin/"):
		switch {
		case strings.HasSuffix(path, "/reconcile"):
			return "reconcile"
		case strings.HasSuffix(path, "/stale"):
			return "detect_stale"
		case method == "DELETE":
			return "purge_tenant"
		}
	case strings.Contains(path, "/jobs"):
		switch {
		case strings.HasSuffix(path, "/cancel"):
			return "cancel_job"
		case strings.HasSuffix(path, "/metrics"):
			return "view_job_metrics"
		case method == "POST":
			return "enqueue_job"
		case method == "GET":
			return "view_job"
		}
	case strings.HasSuffix(path, "/active"), strings.HasSuffix(path, "/stats"):
		return "view_tenant"
	}
	return "unknown"
}

// extractResource 从路径提取租户与作业 ID
func extractResource(path string) (tenantID string, jobID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "tenants":
			tenantID = parts[i+1]
		case "jobs":
			jobID = parts[i+1]
		}
	}
	return tenantID, jobID
}
