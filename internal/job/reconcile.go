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

package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

// StaleErrorMessage 对账强制失败时写入的 error_message
const StaleErrorMessage = "stale job auto-failed by reconciliation"

const (
	defaultReconcileInterval = 60 * time.Second
	defaultStaleThreshold    = 30 * time.Minute
)

// ReconcilerConfig 对账周期与陈旧阈值
type ReconcilerConfig struct {
	Interval              time.Duration
	StaleThreshold        time.Duration
	TenantStaleThresholds map[string]time.Duration
	// OnDemandRate 按需触发的速率上限（次/秒），<=0 时为 1
	OnDemandRate  float64
	OnDemandBurst int
}

// ReconcileResult 一次信号量对账结果
type ReconcileResult struct {
	TenantID  string `json:"tenant_id"`
	Previous  int64  `json:"previous_count"`
	Actual    int64  `json:"actual_count"`
	Corrected bool   `json:"corrected"`
}

// TenantReport 单租户一轮对账
type TenantReport struct {
	TenantID    string          `json:"tenant_id"`
	StaleFailed []string        `json:"stale_failed"`
	Semaphore   ReconcileResult `json:"semaphore"`
}

// Reconciler 以作业记录为准重算信号量，并强制失败陈旧作业；与在线流量并发运行，不阻塞新预留
type Reconciler struct {
	cfg      ReconcilerConfig
	records  *RecordStore
	sem      *Semaphore
	registry *TenantRegistry
	logger   *log.Logger
	now      Clock

	limiter  *rate.Limiter
	trigger  chan struct{}
	sweepMu  sync.Mutex
	running  atomic.Bool
	detached atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// 上一轮观察到的向下漂移，连续两轮一致才下调
	driftMu sync.Mutex
	drift   map[string]observedDrift
}

type observedDrift struct {
	previous int64
	actual   int64
}

// NewReconciler 创建对账服务
func NewReconciler(cfg ReconcilerConfig, records *RecordStore, sem *Semaphore, registry *TenantRegistry, opts Options) *Reconciler {
	opts = opts.withDefaults()
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	if cfg.OnDemandRate <= 0 {
		cfg.OnDemandRate = 1
	}
	if cfg.OnDemandBurst <= 0 {
		cfg.OnDemandBurst = 1
	}
	return &Reconciler{
		cfg:      cfg,
		records:  records,
		sem:      sem,
		registry: registry,
		logger:   opts.Logger,
		now:      opts.Now,
		limiter:  rate.NewLimiter(rate.Limit(cfg.OnDemandRate), cfg.OnDemandBurst),
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		drift:    make(map[string]observedDrift),
	}
}

// StaleThreshold 租户陈旧阈值
func (r *Reconciler) StaleThreshold(tenantID string) time.Duration {
	if d, ok := r.cfg.TenantStaleThresholds[tenantID]; ok && d > 0 {
		return d
	}
	if d, ok := r.cfg.TenantStaleThresholds[strings.ToLower(tenantID)]; ok && d > 0 {
		return d
	}
	return r.cfg.StaleThreshold
}

// ReconcileSemaphore 统计 queued+running 记录数并与信号量比较，以比较并设置的方式纠正。
// 计数偏低立即上调；计数偏高只在连续两轮观察到相同的 (previous, actual) 时下调，
// 已预留但尚未创建记录的入队在两轮之间会补上记录。读取之后若有新的预留或释放则本轮放弃
func (r *Reconciler) ReconcileSemaphore(ctx context.Context, tenantID string) (ReconcileResult, error) {
	res := ReconcileResult{TenantID: tenantID}
	prev, err := r.sem.ActiveCount(ctx, tenantID)
	if err != nil {
		return res, err
	}
	res.Previous = prev
	recs, err := r.records.List(ctx, tenantID)
	if err != nil {
		return res, err
	}
	for _, rec := range recs {
		if rec.Status.IsActive() {
			res.Actual++
		}
	}
	if res.Actual == prev {
		r.forgetDrift(tenantID)
		return res, nil
	}
	if res.Actual < prev && !r.confirmDrift(tenantID, prev, res.Actual) {
		r.logger.Info("信号量偏高，下轮确认后再纠正", "tenant_id", tenantID, "previous", prev, "actual", res.Actual)
		return res, nil
	}
	r.forgetDrift(tenantID)
	ok, err := r.sem.CompareAndReset(ctx, tenantID, prev, res.Actual)
	if err != nil {
		return res, err
	}
	res.Corrected = ok
	if ok {
		metrics.ReconcileDriftTotal.WithLabelValues(tenantID).Inc()
		r.logger.Warn("信号量漂移已纠正", "tenant_id", tenantID, "previous", prev, "actual", res.Actual)
	} else {
		r.logger.Info("对账期间信号量发生变化，下轮重试", "tenant_id", tenantID, "previous", prev, "actual", res.Actual)
	}
	return res, nil
}

// confirmDrift 与上一轮观察一致时返回 true；否则记下本轮观察
func (r *Reconciler) confirmDrift(tenantID string, prev, actual int64) bool {
	r.driftMu.Lock()
	defer r.driftMu.Unlock()
	cur := observedDrift{previous: prev, actual: actual}
	if last, ok := r.drift[tenantID]; ok && last == cur {
		return true
	}
	r.drift[tenantID] = cur
	return false
}

func (r *Reconciler) forgetDrift(tenantID string) {
	r.driftMu.Lock()
	delete(r.drift, tenantID)
	r.driftMu.Unlock()
}

// DetectStale 只读：返回 started_at 早于阈值的 running 作业，以及 created_at 早于阈值仍未开始的 queued 作业
func (r *Reconciler) DetectStale(ctx context.Context, tenantID string, threshold time.Duration) ([]*JobRecord, error) {
	if threshold <= 0 {
		threshold = r.StaleThreshold(tenantID)
	}
	recs, err := r.records.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-threshold)
	var stale []*JobRecord
	for _, rec := range recs {
		switch rec.Status {
		case StatusRunning:
			since := rec.CreatedAt
			if rec.StartedAt != nil {
				since = *rec.StartedAt
			}
			if since.Before(cutoff) {
				stale = append(stale, rec)
			}
		case StatusQueued:
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, rec)
			}
		}
	}
	return stale, nil
}

// FailStale 对每个陈旧作业 SetError 后释放槽位；已是终态的记录被状态机拦下，不会重复释放
func (r *Reconciler) FailStale(ctx context.Context, tenantID string, stale []*JobRecord) ([]string, error) {
	var failed []string
	var firstErr error
	for _, rec := range stale {
		_, err := r.records.SetError(ctx, tenantID, rec.JobID, StaleErrorMessage)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.sem.Release(ctx, tenantID); err != nil && firstErr == nil {
			firstErr = err
		}
		failed = append(failed, rec.JobID)
		metrics.StaleJobsFailedTotal.WithLabelValues(tenantID).Inc()
		r.logger.Warn("陈旧作业已强制失败", "tenant_id", tenantID, "job_id", rec.JobID, "previous_status", rec.Status.String())
	}
	return failed, firstErr
}

// ReconcileTenant 单租户一轮：先处理陈旧作业，再重算信号量
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID string) (TenantReport, error) {
	report := TenantReport{TenantID: tenantID}
	stale, err := r.DetectStale(ctx, tenantID, 0)
	if err != nil {
		return report, err
	}
	report.StaleFailed, err = r.FailStale(ctx, tenantID, stale)
	if err != nil {
		return report, err
	}
	report.Semaphore, err = r.ReconcileSemaphore(ctx, tenantID)
	return report, err
}

// Sweep 遍历全部已知租户；单个租户失败不影响其他租户，返回第一个错误
func (r *Reconciler) Sweep(ctx context.Context) ([]TenantReport, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	tenants, err := r.registry.List(ctx)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	reports := make([]TenantReport, 0, len(tenants))
	var firstErr error
	for _, t := range tenants {
		rep, err := r.ReconcileTenant(ctx, t)
		if err != nil {
			r.logger.Error("租户对账失败", "tenant_id", t, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, rep)
	}
	if firstErr != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	}
	return reports, firstErr
}

// Trigger 请求一次按需对账；超过速率上限时返回 false。
// 定时循环未运行时（如独立部署的 API 进程）在后台直接跑一轮
func (r *Reconciler) Trigger() bool {
	if !r.limiter.Allow() {
		return false
	}
	if r.running.Load() {
		select {
		case r.trigger <- struct{}{}:
		default:
			// 已有待执行的触发
		}
		return true
	}
	r.sweepDetached()
	return true
}

// sweepDetached 同一时刻最多一轮；Stop 之后不再启动
func (r *Reconciler) sweepDetached() {
	select {
	case <-r.stopCh:
		return
	default:
	}
	if !r.detached.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.detached.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("按需对账失败", "error", err)
		}
	}()
}

// Start 启动定时对账；错误只记录日志，下个周期重试
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-r.trigger:
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("对账失败，下个周期重试", "error", err)
			}
		}
	}()
}

// Stop 停止定时对账并等待当前一轮结束；可重复调用
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
