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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"jobqueue-platform/internal/job"
	"jobqueue-platform/internal/monitor"
	pkgerrors "jobqueue-platform/pkg/errors"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

// JobMetricsReader 读取作业的资源样本
type JobMetricsReader interface {
	JobMetrics(ctx context.Context, tenantID, jobID string) ([]monitor.Sample, error)
}

// Pinger 存储连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	svc     *job.Service
	samples JobMetricsReader
	store   Pinger
	logger  *log.Logger
}

// NewHandler 创建新的 HTTP 处理器；samples、store 可为 nil
func NewHandler(svc *job.Service, samples JobMetricsReader, store Pinger, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{svc: svc, samples: samples, store: store, logger: logger}
}

type enqueueRequest struct {
	PayloadRef string          `json:"payload_ref"`
	JobID      string          `json:"job_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TotalUnits int64           `json:"total_units,omitempty"`
}

// statusFor 错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidArg):
		return consts.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidTransition), errors.Is(err, pkgerrors.ErrAlreadyExists):
		return consts.StatusConflict
	case errors.Is(err, pkgerrors.ErrStoreUnavailable):
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusInternalServerError
	}
}

func (h *Handler) writeError(c context.Context, ctx *app.RequestContext, err error) {
	code := statusFor(err)
	if code >= consts.StatusInternalServerError {
		hlog.CtxErrorf(c, "request %s %s failed: %v", ctx.Method(), ctx.Path(), err)
	}
	ctx.JSON(code, map[string]string{"error": err.Error()})
}

// HealthCheck 健康检查；存储不可达时返回 503
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "jobqueue-api",
	}
	if h.store != nil {
		if err := h.store.Ping(c); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			ctx.JSON(consts.StatusServiceUnavailable, resp)
			return
		}
	}
	ctx.JSON(consts.StatusOK, resp)
}

// EnqueueJob 准入并入队
// POST /api/tenants/:tenant/jobs
func (h *Handler) EnqueueJob(c context.Context, ctx *app.RequestContext) {
	var req enqueueRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	res, err := h.svc.EnqueueJob(c, ctx.Param("tenant"), strings.TrimSpace(req.PayloadRef), job.EnqueueOptions{
		JobID:      req.JobID,
		Payload:    req.Payload,
		TotalUnits: req.TotalUnits,
	})
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	switch {
	case res.Queued():
		ctx.JSON(consts.StatusAccepted, res)
	case res.Reason == job.ReasonDuplicate:
		ctx.JSON(consts.StatusConflict, res)
	case res.Reason == job.ReasonStoreError:
		ctx.JSON(consts.StatusServiceUnavailable, res)
	default:
		ctx.JSON(consts.StatusTooManyRequests, res)
	}
}

// GetJob 作业记录
// GET /api/tenants/:tenant/jobs/:job_id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	rec, err := h.svc.GetJobStatus(c, ctx.Param("tenant"), ctx.Param("job_id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, rec)
}

// CancelJob 取消 queued/running 作业
// POST /api/tenants/:tenant/jobs/:job_id/cancel
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	rec, err := h.svc.CancelJob(c, ctx.Param("tenant"), ctx.Param("job_id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, rec)
}

// GetJobMetrics 作业执行期间的资源样本
// GET /api/tenants/:tenant/jobs/:job_id/metrics
func (h *Handler) GetJobMetrics(c context.Context, ctx *app.RequestContext) {
	tenantID, jobID := ctx.Param("tenant"), ctx.Param("job_id")
	if _, err := h.svc.GetJobStatus(c, tenantID, jobID); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	samples := []monitor.Sample{}
	if h.samples != nil {
		s, err := h.samples.JobMetrics(c, tenantID, jobID)
		if err != nil {
			h.writeError(c, ctx, err)
			return
		}
		if s != nil {
			samples = s
		}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"job_id":    jobID,
		"samples":   samples,
	})
}

// GetActiveCount 租户当前信号量值
// GET /api/tenants/:tenant/active
func (h *Handler) GetActiveCount(c context.Context, ctx *app.RequestContext) {
	tenantID := ctx.Param("tenant")
	n, err := h.svc.GetActiveJobCount(c, tenantID)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"tenant_id":    tenantID,
		"active_count": n,
		"limit":        h.svc.Semaphore().Limit(tenantID),
	})
}

// GetStats 按状态计数与队列深度
// GET /api/tenants/:tenant/stats
func (h *Handler) GetStats(c context.Context, ctx *app.RequestContext) {
	stats, err := h.svc.GetQueueStats(c, ctx.Param("tenant"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, stats)
}

// ReconcileTenant 单租户对账：先强制失败陈旧作业，再重算信号量
// POST /api/admin/tenants/:tenant/reconcile
func (h *Handler) ReconcileTenant(c context.Context, ctx *app.RequestContext) {
	report, err := h.svc.ReconcileTenant(c, ctx.Param("tenant"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	if report.StaleFailed == nil {
		report.StaleFailed = []string{}
	}
	ctx.JSON(consts.StatusOK, report)
}

// DetectStale 只读列出陈旧作业；threshold 缺省时用配置值
// GET /api/admin/tenants/:tenant/stale?threshold=30m
func (h *Handler) DetectStale(c context.Context, ctx *app.RequestContext) {
	var threshold time.Duration
	if raw := ctx.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid threshold: " + raw})
			return
		}
		threshold = d
	}
	tenantID := ctx.Param("tenant")
	jobs, err := h.svc.DetectStaleJobs(c, tenantID, threshold)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	if jobs == nil {
		jobs = []*job.JobRecord{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"jobs":      jobs,
	})
}

// PurgeTenant 删除租户的全部 key
// DELETE /api/admin/tenants/:tenant
func (h *Handler) PurgeTenant(c context.Context, ctx *app.RequestContext) {
	tenantID := ctx.Param("tenant")
	n, err := h.svc.PurgeTenant(c, tenantID)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"tenant_id":    tenantID,
		"deleted_keys": n,
	})
}

// TriggerReconcile 请求一次全量按需对账
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(c context.Context, ctx *app.RequestContext) {
	if !h.svc.TriggerReconcile() {
		ctx.JSON(consts.StatusTooManyRequests, map[string]string{"error": "reconcile already requested recently"})
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]string{"status": "triggered"})
}

// Metrics Prometheus 文本格式
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
