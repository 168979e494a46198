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
	"sort"
	"sync"

	"jobqueue-platform/internal/coord"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

// QueueEntry 租户队列中的一条引用
type QueueEntry struct {
	TenantID string
	JobID    string
}

// TenantQueue 每租户一个 FIFO 列表；出队在非空租户间轮转，每轮每租户最多取一条
type TenantQueue struct {
	store    coord.Store
	keys     Keyspace
	registry *TenantRegistry
	wakeup   WakeupQueue
	logger   *log.Logger

	mu sync.Mutex
	// cursor 上一次出队的租户；只是调度游标，丢失后从头轮转
	cursor string
}

// NewTenantQueue wakeup 可为 nil（仅靠轮询）
func NewTenantQueue(store coord.Store, registry *TenantRegistry, wakeup WakeupQueue, opts Options) *TenantQueue {
	opts = opts.withDefaults()
	return &TenantQueue{store: store, keys: opts.Keys, registry: registry, wakeup: wakeup, logger: opts.Logger}
}

// Enqueue 追加到租户队列尾并唤醒空闲 Worker
func (q *TenantQueue) Enqueue(ctx context.Context, tenantID, jobID string) error {
	if err := validatePair(tenantID, jobID); err != nil {
		return err
	}
	if err := q.registry.Register(ctx, tenantID); err != nil {
		return err
	}
	if err := q.store.RPush(ctx, q.keys.Queue(tenantID), jobID); err != nil {
		return err
	}
	metrics.QueueEnqueueTotal.WithLabelValues(tenantID).Inc()
	if q.wakeup != nil {
		if err := q.wakeup.NotifyReady(ctx, tenantID); err != nil {
			// 通知丢失只会延迟到下一次轮询
			q.logger.Warn("唤醒通知失败", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// TryDequeue 从游标之后的下一个租户开始尝试 LPOP；全部为空时 ok=false
func (q *TenantQueue) TryDequeue(ctx context.Context) (QueueEntry, bool, error) {
	tenants, err := q.registry.List(ctx)
	if err != nil {
		return QueueEntry{}, false, err
	}
	if len(tenants) == 0 {
		return QueueEntry{}, false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	start := sort.SearchStrings(tenants, q.cursor)
	if start < len(tenants) && tenants[start] == q.cursor {
		start++
	}
	for i := 0; i < len(tenants); i++ {
		tenant := tenants[(start+i)%len(tenants)]
		jobID, ok, err := q.store.LPop(ctx, q.keys.Queue(tenant))
		if err != nil {
			return QueueEntry{}, false, err
		}
		if !ok {
			continue
		}
		q.cursor = tenant
		metrics.QueueDequeueTotal.WithLabelValues(tenant).Inc()
		return QueueEntry{TenantID: tenant, JobID: jobID}, true, nil
	}
	return QueueEntry{}, false, nil
}

// Depth 租户待处理条目数
func (q *TenantQueue) Depth(ctx context.Context, tenantID string) (int64, error) {
	if err := ValidateID("tenant", tenantID); err != nil {
		return 0, err
	}
	return q.store.LLen(ctx, q.keys.Queue(tenantID))
}
