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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"jobqueue-platform/internal/coord"
	pkgerrors "jobqueue-platform/pkg/errors"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

const (
	purgeBatchSize   = 100
	cancelledMessage = "cancelled"
)

// EnqueueStatus 入队结果
type EnqueueStatus string

const (
	EnqueueQueued   EnqueueStatus = "queued"
	EnqueueRejected EnqueueStatus = "rejected"
)

// RejectReason 拒绝原因，调用方据此决定是否稍后重试
type RejectReason string

const (
	ReasonResourcePressure RejectReason = "resource_pressure"
	ReasonConcurrencyLimit RejectReason = "concurrency_limit"
	ReasonStoreError       RejectReason = "store_error"
	ReasonDuplicate        RejectReason = "duplicate_job_id"
)

// EnqueueOptions 入队可选项
type EnqueueOptions struct {
	// JobID 为空时生成 UUID
	JobID      string
	Payload    json.RawMessage
	TotalUnits int64
}

// EnqueueResult 拒绝是正常结果而不是 error
type EnqueueResult struct {
	Status EnqueueStatus `json:"status"`
	JobID  string        `json:"job_id,omitempty"`
	Reason RejectReason  `json:"reason,omitempty"`
	Err    error         `json:"-"`
}

// Queued 是否入队成功
func (r EnqueueResult) Queued() bool { return r.Status == EnqueueQueued }

// QueueStats 租户各状态作业数与待处理条目数
type QueueStats struct {
	TenantID       string `json:"tenant_id"`
	QueuedCount    int64  `json:"queued_count"`
	RunningCount   int64  `json:"running_count"`
	CompletedCount int64  `json:"completed_count"`
	FailedCount    int64  `json:"failed_count"`
	QueueDepth     int64  `json:"queue_depth"`
}

// Config 作业核心配置
type Config struct {
	Semaphore SemaphoreConfig
	Records   RecordStoreConfig
	Reconcile ReconcilerConfig
}

// ServiceOptions 门面注入项
type ServiceOptions struct {
	Options
	// Monitor 资源闸门，nil 表示不检查
	Monitor AvailabilityChecker
	// Wakeup nil 时使用基于存储发布订阅的 StoreWakeup
	Wakeup WakeupQueue
	NewID  func() string
}

// Service 入队/状态门面：组合资源闸门、信号量、作业记录与租户队列
type Service struct {
	store      coord.Store
	keys       Keyspace
	records    *RecordStore
	sem        *Semaphore
	registry   *TenantRegistry
	wakeup     WakeupQueue
	queue      *TenantQueue
	reconciler *Reconciler
	monitor    AvailabilityChecker
	logger     *log.Logger
	now        Clock
	newID      func() string
}

// NewService 以同一个存储客户端构建全部组件
func NewService(store coord.Store, cfg Config, opts ServiceOptions) *Service {
	base := opts.Options.withDefaults()
	records := NewRecordStore(store, cfg.Records, base)
	sem := NewSemaphore(store, cfg.Semaphore, base)
	registry := NewTenantRegistry(store, base)
	wakeup := opts.Wakeup
	if wakeup == nil {
		wakeup = NewStoreWakeup(store, base)
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	return &Service{
		store:      store,
		keys:       base.Keys,
		records:    records,
		sem:        sem,
		registry:   registry,
		wakeup:     wakeup,
		queue:      NewTenantQueue(store, registry, wakeup, base),
		reconciler: NewReconciler(cfg.Reconcile, records, sem, registry, base),
		monitor:    opts.Monitor,
		logger:     base.Logger,
		now:        base.Now,
		newID:      newID,
	}
}

func (s *Service) Records() *RecordStore     { return s.records }
func (s *Service) Semaphore() *Semaphore     { return s.sem }
func (s *Service) Queue() *TenantQueue       { return s.queue }
func (s *Service) Wakeup() WakeupQueue       { return s.wakeup }
func (s *Service) Reconciler() *Reconciler   { return s.reconciler }
func (s *Service) Registry() *TenantRegistry { return s.registry }
func (s *Service) Keys() Keyspace            { return s.keys }

// NewPool 用门面的组件构建 Worker 池
func (s *Service) NewPool(cfg PoolConfig, exec Executor, recorder JobMetricsRecorder) *Pool {
	return NewPool(cfg, PoolDeps{
		Queue:     s.queue,
		Records:   s.records,
		Semaphore: s.sem,
		Wakeup:    s.wakeup,
		Executor:  exec,
		Recorder:  recorder,
		Logger:    s.logger,
		Now:       s.now,
	})
}

func (s *Service) reject(reason RejectReason, err error) EnqueueResult {
	metrics.AdmissionTotal.WithLabelValues(admissionLabel(reason)).Inc()
	return EnqueueResult{Status: EnqueueRejected, Reason: reason, Err: err}
}

func admissionLabel(reason RejectReason) string {
	switch reason {
	case ReasonResourcePressure:
		return "resource"
	case ReasonConcurrencyLimit:
		return "limit"
	case ReasonDuplicate:
		return "duplicate"
	}
	return "store"
}

// EnqueueJob 资源闸门 → TryReserve → 创建记录 → 入队；任一步失败都回滚已占用的槽位。
// 返回的 error 只表示参数非法，拒绝通过 EnqueueResult 表达
func (s *Service) EnqueueJob(ctx context.Context, tenantID, payloadRef string, opts EnqueueOptions) (EnqueueResult, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return EnqueueResult{}, err
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = s.newID()
	}
	if err := ValidateID("job", jobID); err != nil {
		return EnqueueResult{}, err
	}
	if opts.TotalUnits < 0 {
		return EnqueueResult{}, pkgerrors.Wrap(ErrInvalidArg, "total_units must not be negative")
	}
	logger := s.logger.With("tenant_id", tenantID, "job_id", jobID)

	if s.monitor != nil && !s.monitor.HasAvailability(ctx) {
		logger.Warn("主机资源不足，拒绝入队")
		return s.reject(ReasonResourcePressure, pkgerrors.Wrap(ErrAdmissionDenied, "resource pressure")), nil
	}
	// 先登记租户，保证预留后崩溃时对账仍能遍历到该租户
	if err := s.registry.Register(ctx, tenantID); err != nil {
		return s.reject(ReasonStoreError, err), nil
	}
	granted, err := s.sem.TryReserve(ctx, tenantID)
	if err != nil {
		return s.reject(ReasonStoreError, err), nil
	}
	if !granted {
		return s.reject(ReasonConcurrencyLimit,
			pkgerrors.Wrapf(ErrAdmissionDenied, "concurrency limit %d reached", s.sem.Limit(tenantID))), nil
	}

	rec := &JobRecord{
		JobID:      jobID,
		TenantID:   tenantID,
		Status:     StatusQueued,
		CreatedAt:  s.now(),
		TotalUnits: opts.TotalUnits,
		PayloadRef: payloadRef,
		Payload:    opts.Payload,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		s.rollbackReservation(ctx, tenantID, logger)
		if errors.Is(err, ErrAlreadyExists) {
			return s.reject(ReasonDuplicate, err), nil
		}
		return s.reject(ReasonStoreError, err), nil
	}
	if err := s.queue.Enqueue(ctx, tenantID, jobID); err != nil {
		logger.Error("入队失败，作业置为 failed", "error", err)
		if _, serr := s.records.SetError(ctx, tenantID, jobID, "enqueue failed: "+err.Error()); serr == nil {
			s.rollbackReservation(ctx, tenantID, logger)
		}
		return s.reject(ReasonStoreError, err), nil
	}
	metrics.AdmissionTotal.WithLabelValues("queued").Inc()
	logger.Debug("作业已入队")
	return EnqueueResult{Status: EnqueueQueued, JobID: jobID}, nil
}

func (s *Service) rollbackReservation(ctx context.Context, tenantID string, logger *log.Logger) {
	if err := s.sem.Release(ctx, tenantID); err != nil {
		logger.Error("回滚预留失败，等待对账纠正", "error", err)
	}
}

// GetJobStatus 不存在时返回 ErrNotFound
func (s *Service) GetJobStatus(ctx context.Context, tenantID, jobID string) (*JobRecord, error) {
	return s.records.Get(ctx, tenantID, jobID)
}

// GetActiveJobCount 租户信号量当前值
func (s *Service) GetActiveJobCount(ctx context.Context, tenantID string) (int64, error) {
	return s.sem.ActiveCount(ctx, tenantID)
}

// GetQueueStats 各状态作业数与待处理条目数
func (s *Service) GetQueueStats(ctx context.Context, tenantID string) (QueueStats, error) {
	stats := QueueStats{TenantID: tenantID}
	counts, err := s.records.CountByStatus(ctx, tenantID)
	if err != nil {
		return stats, err
	}
	stats.QueuedCount = counts[StatusQueued]
	stats.RunningCount = counts[StatusRunning]
	stats.CompletedCount = counts[StatusCompleted]
	stats.FailedCount = counts[StatusFailed]
	stats.QueueDepth, err = s.queue.Depth(ctx, tenantID)
	return stats, err
}

// ReconcileSemaphore 运维入口，直接委托对账服务
func (s *Service) ReconcileSemaphore(ctx context.Context, tenantID string) (ReconcileResult, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return ReconcileResult{}, err
	}
	return s.reconciler.ReconcileSemaphore(ctx, tenantID)
}

// ReconcileTenant 运维入口：单租户强制失败陈旧作业并释放槽位，再重算信号量
func (s *Service) ReconcileTenant(ctx context.Context, tenantID string) (TenantReport, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return TenantReport{TenantID: tenantID}, err
	}
	return s.reconciler.ReconcileTenant(ctx, tenantID)
}

// DetectStaleJobs threshold <= 0 时使用配置值；只列出，处理由 ReconcileTenant 完成
func (s *Service) DetectStaleJobs(ctx context.Context, tenantID string, threshold time.Duration) ([]*JobRecord, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return nil, err
	}
	return s.reconciler.DetectStale(ctx, tenantID, threshold)
}

// TriggerReconcile 请求一次全量按需对账；被限流时返回 false
func (s *Service) TriggerReconcile() bool {
	return s.reconciler.Trigger()
}

// CancelJob queued|running → failed，并释放槽位；执行中的 Worker 结束时会被状态机拦下，不会重复释放
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID string) (*JobRecord, error) {
	rec, err := s.records.SetError(ctx, tenantID, jobID, cancelledMessage)
	if err != nil {
		return nil, err
	}
	if err := s.sem.Release(ctx, tenantID); err != nil {
		s.logger.Error("取消后释放信号量失败", "tenant_id", tenantID, "job_id", jobID, "error", err)
	}
	return rec, nil
}

// PurgeTenant 按租户前缀分批扫描删除，并从租户集合移除；返回删除的 key 数
func (s *Service) PurgeTenant(ctx context.Context, tenantID string) (int, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return 0, err
	}
	if err := s.registry.Remove(ctx, tenantID); err != nil {
		return 0, err
	}
	keys, err := s.store.ScanPrefix(ctx, s.keys.TenantPrefix(tenantID))
	if err != nil {
		return 0, err
	}
	deleted := 0
	for start := 0; start < len(keys); start += purgeBatchSize {
		end := start + purgeBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.store.Del(ctx, keys[start:end]...); err != nil {
			return deleted, err
		}
		deleted += end - start
	}
	s.logger.Info("租户数据已清理", "tenant_id", tenantID, "keys", deleted)
	return deleted, nil
}
