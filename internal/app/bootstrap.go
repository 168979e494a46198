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

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"jobqueue-platform/internal/coord"
	"jobqueue-platform/internal/executor"
	"jobqueue-platform/internal/job"
	"jobqueue-platform/internal/monitor"
	"jobqueue-platform/pkg/config"
	"jobqueue-platform/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Store    coord.Store
	Service  *job.Service
	Monitor  *monitor.Monitor
	Executor job.Executor
	Wakeup   *job.StoreWakeup
}

// NewBootstrap 根据配置创建 Bootstrap（日志、协调存储、作业服务、资源监控、执行器）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	store, err := newStore(cfg.Coord)
	if err != nil {
		return nil, fmt.Errorf("初始化协调存储失败: %w", err)
	}
	b, err := NewBootstrapWithStore(cfg, logger, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("协调存储已连接", "type", cfg.Coord.Type, "key_prefix", cfg.Coord.KeyPrefix)
	return b, nil
}

func newStore(cfg config.CoordConfig) (coord.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return coord.NewMemStore(), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return coord.NewRedisStore(ctx, coord.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	default:
		return nil, fmt.Errorf("unknown coord type %q", cfg.Type)
	}
}

// NewBootstrapWithStore 使用已建立的存储客户端装配各组件
func NewBootstrapWithStore(cfg *config.Config, logger *log.Logger, store coord.Store) (*Bootstrap, error) {
	opts := job.Options{Keys: job.NewKeyspace(cfg.Coord.KeyPrefix), Logger: logger}

	mon := monitor.New(monitor.Config{
		Enabled:                cfg.Monitor.Enabled,
		MaxSystemMemoryPercent: cfg.Monitor.MaxSystemMemoryPercent,
		MaxCPUPercent:          cfg.Monitor.MaxCPUPercent,
		MaxRSSBytes:            cfg.Monitor.MaxRSSBytes,
		SampleInterval:         config.ParseDuration(cfg.Monitor.SampleInterval, 5*time.Second),
		HistorySize:            cfg.Monitor.HistorySize,
		SampleTTL:              config.ParseDuration(cfg.Monitor.SampleTTL, 24*time.Hour),
	}, nil, store, opts.Keys.JobMetrics, logger)

	exec, err := executor.New(cfg.Executor.Type, cfg.Executor.URL,
		config.ParseDuration(cfg.Executor.Timeout, 30*time.Second), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化执行器失败: %w", err)
	}

	staleDefault, stalePerTenant := cfg.Reconcile.StaleThresholds()
	wakeup := job.NewStoreWakeup(store, opts)
	svc := job.NewService(store, job.Config{
		Semaphore: job.SemaphoreConfig{
			DefaultLimit: cfg.Admission.DefaultLimit,
			TenantLimits: cfg.Admission.TenantLimits,
		},
		Records: job.RecordStoreConfig{
			TerminalTTL: config.ParseDuration(cfg.Records.TerminalTTL, 0),
		},
		Reconcile: job.ReconcilerConfig{
			Interval:              config.ParseDuration(cfg.Reconcile.Interval, time.Minute),
			StaleThreshold:        staleDefault,
			TenantStaleThresholds: stalePerTenant,
			OnDemandRate:          cfg.Reconcile.OnDemandRate,
			OnDemandBurst:         cfg.Reconcile.OnDemandBurst,
		},
	}, job.ServiceOptions{
		Options: opts,
		Monitor: mon,
		Wakeup:  wakeup,
	})

	return &Bootstrap{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Service:  svc,
		Monitor:  mon,
		Executor: exec,
		Wakeup:   wakeup,
	}, nil
}

// WorkerID 配置为空时使用 hostname-pid
func (b *Bootstrap) WorkerID() string {
	if b.Config.Worker.ID != "" {
		return b.Config.Worker.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Runtime 数据面：资源采样、唤醒订阅、Worker 池与定时对账
type Runtime struct {
	b      *Bootstrap
	pool   *job.Pool
	cancel context.CancelFunc
}

// StartRuntime 启动数据面组件；ctx 取消或 Stop 时停止
func (b *Bootstrap) StartRuntime(ctx context.Context) (*Runtime, error) {
	ctx, cancel := context.WithCancel(ctx)
	if err := b.Wakeup.Listen(ctx); err != nil {
		b.Logger.Warn("订阅唤醒频道失败，退化为轮询", "error", err)
	}
	b.Monitor.Start(ctx)

	pool := b.Service.NewPool(job.PoolConfig{
		WorkerID:     b.WorkerID(),
		Workers:      b.Config.Worker.Concurrency,
		PollInterval: config.ParseDuration(b.Config.Worker.PollInterval, time.Second),
	}, b.Executor, b.Monitor)
	pool.Start(ctx)

	if b.Config.Reconcile.Enabled {
		b.Service.Reconciler().Start(ctx)
	}
	b.Logger.Info("Worker 池已启动", "worker_id", b.WorkerID(), "concurrency", b.Config.Worker.Concurrency,
		"reconcile", b.Config.Reconcile.Enabled)
	return &Runtime{b: b, pool: pool, cancel: cancel}, nil
}

// Stop 停止取新作业并等待执行中的作业结束，随后停止对账与采样
func (r *Runtime) Stop() {
	r.pool.Stop()
	if r.b.Config.Reconcile.Enabled {
		r.b.Service.Reconciler().Stop()
	}
	r.b.Monitor.Stop()
	r.cancel()
	r.b.Wakeup.Close()
}

// Close 关闭存储连接
func (b *Bootstrap) Close() error {
	return b.Store.Close()
}
