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
	"strings"

	"jobqueue-platform/internal/coord"
	pkgerrors "jobqueue-platform/pkg/errors"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

const defaultConcurrencyLimit = 5

// SemaphoreConfig 每租户并发上限
type SemaphoreConfig struct {
	DefaultLimit int
	// TenantLimits 按租户覆盖；查找时先精确匹配再按小写匹配（viper 会把 map key 转小写）
	TenantLimits map[string]int
}

// Semaphore 每租户一个存储侧原子计数器，计数 = queued + running 的作业数
type Semaphore struct {
	store  coord.Store
	keys   Keyspace
	cfg    SemaphoreConfig
	logger *log.Logger
}

// NewSemaphore 创建准入信号量
func NewSemaphore(store coord.Store, cfg SemaphoreConfig, opts Options) *Semaphore {
	opts = opts.withDefaults()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultConcurrencyLimit
	}
	return &Semaphore{store: store, keys: opts.Keys, cfg: cfg, logger: opts.Logger}
}

// Limit 返回租户并发上限
func (s *Semaphore) Limit(tenantID string) int64 {
	if n, ok := s.cfg.TenantLimits[tenantID]; ok && n > 0 {
		return int64(n)
	}
	if n, ok := s.cfg.TenantLimits[strings.ToLower(tenantID)]; ok && n > 0 {
		return int64(n)
	}
	return int64(s.cfg.DefaultLimit)
}

// TryReserve 先 INCR 再比较上限，超限则 DECR 回滚；并发竞争同一边界时最多一方成功
func (s *Semaphore) TryReserve(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return false, err
	}
	key := s.keys.Semaphore(tenantID)
	n, err := s.store.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if n <= s.Limit(tenantID) {
		return true, nil
	}
	if _, err := s.store.Decr(ctx, key); err != nil {
		// 回滚失败时计数偏高，由对账纠正
		s.logger.Error("信号量回滚失败", "tenant_id", tenantID, "error", err)
		return false, err
	}
	return false, nil
}

// Release 原子减一并钳制在 0；钳制说明出现重复释放，记录日志与指标
func (s *Semaphore) Release(ctx context.Context, tenantID string) error {
	if err := ValidateID("tenant", tenantID); err != nil {
		return err
	}
	v, clamped, err := s.store.DecrFloor(ctx, s.keys.Semaphore(tenantID))
	if err != nil {
		return err
	}
	if clamped {
		metrics.SemaphoreClampTotal.WithLabelValues(tenantID).Inc()
		s.logger.Error("信号量释放被钳制在 0，疑似重复释放", "tenant_id", tenantID, "value", v)
		return nil
	}
	metrics.SemaphoreReleaseTotal.WithLabelValues(tenantID).Inc()
	return nil
}

// ActiveCount 当前计数
func (s *Semaphore) ActiveCount(ctx context.Context, tenantID string) (int64, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return 0, err
	}
	return s.store.GetInt(ctx, s.keys.Semaphore(tenantID))
}

// ResetTo 无条件覆盖计数，仅供对账使用
func (s *Semaphore) ResetTo(ctx context.Context, tenantID string, n int64) error {
	if err := ValidateID("tenant", tenantID); err != nil {
		return err
	}
	if n < 0 {
		return pkgerrors.Wrapf(ErrInvalidArg, "semaphore value %d", n)
	}
	return s.store.SetInt(ctx, s.keys.Semaphore(tenantID), n)
}

// CompareAndReset 计数仍为 expected 时才覆盖为 n；对账期间有新预留时放弃本次纠正
func (s *Semaphore) CompareAndReset(ctx context.Context, tenantID string, expected, n int64) (bool, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return false, err
	}
	if n < 0 {
		return false, pkgerrors.Wrapf(ErrInvalidArg, "semaphore value %d", n)
	}
	return s.store.CompareAndSetInt(ctx, s.keys.Semaphore(tenantID), expected, n)
}
