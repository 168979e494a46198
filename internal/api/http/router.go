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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"jobqueue-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 创建 Hertz 实例并注册路由；opts 用于追加 tracer 等服务端选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(h)
	return h
}

// Register 注册全部路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(r.middleware.AccessLog(), r.middleware.CORS())

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	tenants := api.Group("/tenants/:tenant")
	{
		tenants.POST("/jobs", r.handler.EnqueueJob)
		tenants.GET("/jobs/:job_id", r.handler.GetJob)
		tenants.POST("/jobs/:job_id/cancel", r.handler.CancelJob)
		tenants.GET("/jobs/:job_id/metrics", r.handler.GetJobMetrics)
		tenants.GET("/active", r.handler.GetActiveCount)
		tenants.GET("/stats", r.handler.GetStats)
	}

	admin := api.Group("/admin")
	{
		admin.POST("/reconcile", r.handler.TriggerReconcile)
		admin.POST("/tenants/:tenant/reconcile", r.handler.ReconcileTenant)
		admin.GET("/tenants/:tenant/stale", r.handler.DetectStale)
		admin.DELETE("/tenants/:tenant", r.handler.PurgeTenant)
	}
}
