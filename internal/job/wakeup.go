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
	"sync"
	"time"

	"jobqueue-platform/internal/coord"
)

// WakeupQueue 唤醒通知：入队后 NotifyReady，空闲 Worker 在 Receive 上等待而不是固定 sleep
type WakeupQueue interface {
	// NotifyReady 通知租户有新的待处理条目
	NotifyReady(ctx context.Context, tenantID string) error
	// Receive 阻塞最多 timeout，收到通知返回 (tenantID, true)，超时或 ctx 结束返回 ("", false)
	Receive(ctx context.Context, timeout time.Duration) (tenantID string, ok bool)
}

// WakeupQueueMem 内存实现：带缓冲 channel；仅在同一进程内入队与消费时有效
type WakeupQueueMem struct {
	ch chan string
}

// NewWakeupQueueMem bufSize <= 0 时使用 256
func NewWakeupQueueMem(bufSize int) *WakeupQueueMem {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &WakeupQueueMem{ch: make(chan string, bufSize)}
}

// NotifyReady 非阻塞发送，channel 满时丢弃
func (q *WakeupQueueMem) NotifyReady(ctx context.Context, tenantID string) error {
	select {
	case q.ch <- tenantID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (q *WakeupQueueMem) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	return receive(ctx, q.ch, timeout)
}

// StoreWakeup 基于协调存储发布订阅，跨进程唤醒 Worker
type StoreWakeup struct {
	store   coord.Store
	channel string

	mu     sync.Mutex
	msgs   <-chan string
	cancel func()
}

// NewStoreWakeup 创建后只能发布；需要接收的进程调用 Listen
func NewStoreWakeup(store coord.Store, opts Options) *StoreWakeup {
	opts = opts.withDefaults()
	return &StoreWakeup{store: store, channel: opts.Keys.WakeupChannel()}
}

// Listen 订阅唤醒频道；重复调用无副作用
func (w *StoreWakeup) Listen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.msgs != nil {
		return nil
	}
	msgs, cancel, err := w.store.Subscribe(ctx, w.channel)
	if err != nil {
		return err
	}
	w.msgs, w.cancel = msgs, cancel
	return nil
}

// Close 取消订阅
func (w *StoreWakeup) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *StoreWakeup) NotifyReady(ctx context.Context, tenantID string) error {
	return w.store.Publish(ctx, w.channel, tenantID)
}

// Receive 未 Listen 时退化为按 timeout 等待（轮询兜底）
func (w *StoreWakeup) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	w.mu.Lock()
	msgs := w.msgs
	w.mu.Unlock()
	return receive(ctx, msgs, timeout)
}

func receive(ctx context.Context, ch <-chan string, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id, ok := <-ch:
		return id, ok
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}
