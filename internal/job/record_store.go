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
	"sort"
	"time"

	"jobqueue-platform/internal/coord"
	pkgerrors "jobqueue-platform/pkg/errors"
	"jobqueue-platform/pkg/log"
)

// RecordStoreConfig 作业记录配置
type RecordStoreConfig struct {
	// TerminalTTL >0 时为终态记录设置过期；0 表示永不删除
	TerminalTTL time.Duration
}

// FieldOption 状态迁移时附带写入的字段
type FieldOption func(f map[string]string)

// WithStartedAt 写入 started_at
func WithStartedAt(t time.Time) FieldOption {
	return func(f map[string]string) { f[fieldStartedAt] = formatTime(t) }
}

// WithCompletedAt 写入 completed_at
func WithCompletedAt(t time.Time) FieldOption {
	return func(f map[string]string) { f[fieldCompletedAt] = formatTime(t) }
}

// WithErrorMessage 写入 error_message
func WithErrorMessage(msg string) FieldOption {
	return func(f map[string]string) { f[fieldErrorMessage] = msg }
}

// WithProgress 写入进度计数
func WithProgress(processed, total int64) FieldOption {
	return func(f map[string]string) {
		f[fieldProcessedUnits] = coord.FormatInt(processed)
		f[fieldTotalUnits] = coord.FormatInt(total)
	}
}

// RecordStore 作业记录 CRUD；所有操作都以 (tenant, job) 复合键定位，不存在仅凭 job_id 的查询
type RecordStore struct {
	store  coord.Store
	keys   Keyspace
	cfg    RecordStoreConfig
	logger *log.Logger
	now    Clock
}

// NewRecordStore 创建作业记录存储
func NewRecordStore(store coord.Store, cfg RecordStoreConfig, opts Options) *RecordStore {
	opts = opts.withDefaults()
	return &RecordStore{store: store, keys: opts.Keys, cfg: cfg, logger: opts.Logger, now: opts.Now}
}

// Create 写入新记录；job_id 在租户内已存在时返回 ErrAlreadyExists
func (s *RecordStore) Create(ctx context.Context, rec *JobRecord) error {
	if err := ValidateID("tenant", rec.TenantID); err != nil {
		return err
	}
	if err := ValidateID("job", rec.JobID); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	created, err := s.store.HCreate(ctx, s.keys.Job(rec.TenantID, rec.JobID), rec.toFields())
	if err != nil {
		return err
	}
	if !created {
		return pkgerrors.Wrapf(ErrAlreadyExists, "job %s/%s", rec.TenantID, rec.JobID)
	}
	return nil
}

// Get 读取记录；不存在返回 ErrNotFound
func (s *RecordStore) Get(ctx context.Context, tenantID, jobID string) (*JobRecord, error) {
	if err := validatePair(tenantID, jobID); err != nil {
		return nil, err
	}
	f, err := s.store.HGetAll(ctx, s.keys.Job(tenantID, jobID))
	if err != nil {
		return nil, err
	}
	if len(f) == 0 {
		return nil, pkgerrors.Wrapf(ErrNotFound, "job %s/%s", tenantID, jobID)
	}
	return recordFromFields(f), nil
}

// UpdateStatus 按状态机迁移；记录缺失返回 ErrNotFound，迁移非法返回 ErrInvalidTransition 且记录保持不变
func (s *RecordStore) UpdateStatus(ctx context.Context, tenantID, jobID string, to JobStatus, opts ...FieldOption) (*JobRecord, error) {
	if err := validatePair(tenantID, jobID); err != nil {
		return nil, err
	}
	key := s.keys.Job(tenantID, jobID)
	out, err := s.store.HUpdate(ctx, key, func(cur map[string]string) (map[string]string, error) {
		if len(cur) == 0 {
			return nil, pkgerrors.Wrapf(ErrNotFound, "job %s/%s", tenantID, jobID)
		}
		if err := validateTransition(JobStatus(cur[fieldStatus]), to); err != nil {
			return nil, err
		}
		next := map[string]string{fieldStatus: string(to)}
		for _, o := range opts {
			o(next)
		}
		return next, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Error("非法状态迁移", "tenant_id", tenantID, "job_id", jobID, "to", string(to), "error", err)
		}
		return nil, err
	}
	if to.IsTerminal() && s.cfg.TerminalTTL > 0 {
		if err := s.store.Expire(ctx, key, s.cfg.TerminalTTL); err != nil {
			s.logger.Warn("设置终态记录过期失败", "tenant_id", tenantID, "job_id", jobID, "error", err)
		}
	}
	return recordFromFields(out), nil
}

// SetError 迁移到 failed 并记录 error_message 与 completed_at
func (s *RecordStore) SetError(ctx context.Context, tenantID, jobID, message string) (*JobRecord, error) {
	return s.UpdateStatus(ctx, tenantID, jobID, StatusFailed, WithErrorMessage(message), WithCompletedAt(s.now()))
}

// UpdateProgress 仅在 running 时更新进度；否则返回 ErrInvalidTransition
func (s *RecordStore) UpdateProgress(ctx context.Context, tenantID, jobID string, processed, total int64) error {
	if err := validatePair(tenantID, jobID); err != nil {
		return err
	}
	_, err := s.store.HUpdate(ctx, s.keys.Job(tenantID, jobID), func(cur map[string]string) (map[string]string, error) {
		if len(cur) == 0 {
			return nil, pkgerrors.Wrapf(ErrNotFound, "job %s/%s", tenantID, jobID)
		}
		if st := JobStatus(cur[fieldStatus]); st != StatusRunning {
			return nil, pkgerrors.Wrapf(ErrInvalidTransition, "progress on %s job", st)
		}
		next := make(map[string]string, 2)
		WithProgress(processed, total)(next)
		return next, nil
	})
	return err
}

// List 扫描租户全部记录，按 created_at 升序
func (s *RecordStore) List(ctx context.Context, tenantID string) ([]*JobRecord, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return nil, err
	}
	keys, err := s.store.ScanPrefix(ctx, s.keys.JobPrefix(tenantID))
	if err != nil {
		return nil, err
	}
	out := make([]*JobRecord, 0, len(keys))
	for _, k := range keys {
		f, err := s.store.HGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		if len(f) == 0 {
			// 扫描与读取之间过期
			continue
		}
		out = append(out, recordFromFields(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountByStatus 统计各状态数量
func (s *RecordStore) CountByStatus(ctx context.Context, tenantID string) (map[JobStatus]int64, error) {
	recs, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	counts := map[JobStatus]int64{
		StatusQueued: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0,
	}
	for _, r := range recs {
		counts[r.Status]++
	}
	return counts, nil
}

func validatePair(tenantID, jobID string) error {
	if err := ValidateID("tenant", tenantID); err != nil {
		return err
	}
	return ValidateID("job", jobID)
}
