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
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
	"jobqueue-platform/pkg/tracing"
)

// PoolConfig Worker 池配置
type PoolConfig struct {
	WorkerID     string        // 指标与日志中的前缀
	Workers      int           // 并发 Worker 数，<=0 时为 1
	PollInterval time.Duration // 无唤醒通知时的轮询间隔，<=0 时为 1s
}

// PoolDeps Worker 池依赖
type PoolDeps struct {
	Queue     *TenantQueue
	Records   *RecordStore
	Semaphore *Semaphore
	Wakeup    WakeupQueue
	Executor  Executor
	Recorder  JobMetricsRecorder // 可为 nil
	Logger    *log.Logger
	Now       Clock
}

// Pool 固定数量的 Worker 公平地从租户队列取作业并调用执行器；
// 取得 running 后由本 Worker 负责写终态与释放槽位，且只释放一次
type Pool struct {
	cfg  PoolConfig
	deps PoolDeps

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPool 创建 Worker 池
func NewPool(cfg PoolConfig, deps PoolDeps) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pool{cfg: cfg, deps: deps, stopCh: make(chan struct{})}
}

// Start 启动 Workers 个循环；执行中的作业不受 ctx 取消影响，Stop 会等待它们结束
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	execCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(loopCtx, execCtx, id)
		}(p.cfg.WorkerID + "-" + strconv.Itoa(i))
	}
}

// Stop 停止取新作业并等待正在执行的作业完成；可重复调用
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

func (p *Pool) loop(ctx, execCtx context.Context, workerID string) {
	logger := p.deps.Logger.With("worker_id", workerID)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		entry, ok, err := p.deps.Queue.TryDequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("出队失败", "error", err)
			}
			p.wait(ctx)
			continue
		}
		if !ok {
			p.wait(ctx)
			continue
		}
		metrics.WorkerBusy.WithLabelValues(workerID).Inc()
		p.Process(execCtx, entry)
		metrics.WorkerBusy.WithLabelValues(workerID).Dec()
	}
}

func (p *Pool) wait(ctx context.Context) {
	if p.deps.Wakeup != nil {
		p.deps.Wakeup.Receive(ctx, p.cfg.PollInterval)
		return
	}
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Process 处理一条出队条目：标记 running → 执行 → 写终态并释放槽位
func (p *Pool) Process(ctx context.Context, entry QueueEntry) {
	logger := p.deps.Logger.With("tenant_id", entry.TenantID, "job_id", entry.JobID)
	started := p.deps.Now()
	rec, err := p.deps.Records.UpdateStatus(ctx, entry.TenantID, entry.JobID, StatusRunning, WithStartedAt(started))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			// 记录从未创建、已被清理或已被对账置为 failed
			logger.Info("丢弃队列条目", "reason", err.Error())
			metrics.JobTotal.WithLabelValues("dropped").Inc()
		default:
			logger.Error("标记 running 失败，留给对账处理", "error", err)
		}
		return
	}
	p.recordMetrics(ctx, entry, logger)

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "panic", r, "stack", string(debug.Stack()))
			runErr = fmt.Errorf("%w: worker panic: %v", ErrTaskExecution, r)
		}
		p.finish(ctx, entry, started, runErr, logger)
	}()
	runErr = p.execute(ctx, rec, logger)
}

// execute 调用外部执行器；执行器 panic 被转换为 ErrTaskExecution
func (p *Pool) execute(ctx context.Context, rec *JobRecord, logger *log.Logger) (err error) {
	ctx, span := tracing.StartJobSpan(ctx, rec.TenantID, rec.JobID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("任务执行 panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrTaskExecution, r)
		}
		tracing.EndJobSpan(span, err)
	}()
	task := Task{
		TenantID:   rec.TenantID,
		JobID:      rec.JobID,
		PayloadRef: rec.PayloadRef,
		Payload:    rec.Payload,
		TotalUnits: rec.TotalUnits,
	}
	progress := func(ctx context.Context, processed, total int64) error {
		return p.deps.Records.UpdateProgress(ctx, rec.TenantID, rec.JobID, processed, total)
	}
	if err := p.deps.Executor.Execute(ctx, task, progress); err != nil {
		return fmt.Errorf("%w: %w", ErrTaskExecution, err)
	}
	return nil
}

// finish 写终态；只有本 Worker 成功写入终态时才释放槽位。
// 终态已被对账或取消写入时，对方已经释放；写入失败时记录仍是 running，由陈旧检测释放。
func (p *Pool) finish(ctx context.Context, entry QueueEntry, started time.Time, runErr error, logger *log.Logger) {
	status := StatusCompleted
	var err error
	if runErr == nil {
		_, err = p.deps.Records.UpdateStatus(ctx, entry.TenantID, entry.JobID, StatusCompleted, WithCompletedAt(p.deps.Now()))
	} else {
		status = StatusFailed
		logger.Warn("任务执行失败", "error", runErr)
		_, err = p.deps.Records.SetError(ctx, entry.TenantID, entry.JobID, runErr.Error())
	}
	metrics.JobDuration.WithLabelValues(entry.TenantID).Observe(p.deps.Now().Sub(started).Seconds())

	switch {
	case err == nil:
		metrics.JobTotal.WithLabelValues(status.String()).Inc()
		if rerr := p.deps.Semaphore.Release(ctx, entry.TenantID); rerr != nil {
			logger.Error("释放信号量失败，等待对账纠正", "error", rerr)
		}
	case errors.Is(err, ErrNotFound):
		// 租户已被清理，不再写入资源快照
		logger.Warn("作业记录已不存在，跳过释放", "status", status.String())
		return
	case errors.Is(err, ErrInvalidTransition):
		logger.Warn("终态已由其他方写入，跳过释放", "status", status.String(), "reason", err.Error())
	default:
		logger.Error("写入终态失败，槽位留给对账回收", "status", status.String(), "error", err)
	}
	p.recordMetrics(ctx, entry, logger)
}

func (p *Pool) recordMetrics(ctx context.Context, entry QueueEntry, logger *log.Logger) {
	if p.deps.Recorder == nil {
		return
	}
	if err := p.deps.Recorder.RecordJobMetrics(ctx, entry.TenantID, entry.JobID); err != nil {
		logger.Warn("记录作业资源快照失败", "error", err)
	}
}
