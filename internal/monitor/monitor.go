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

// Package monitor 资源监控：采样 CPU 与内存，按作业保留最近样本，并提供主机余量闸门。
// 采样失败一律按“有余量”处理，监控故障不能变成入队故障。
package monitor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"jobqueue-platform/internal/coord"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
)

// Sample 一次资源采样
type Sample struct {
	Timestamp           time.Time `json:"timestamp"`
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryRSS           uint64    `json:"memory_rss"`
	SystemMemoryPercent float64   `json:"system_memory_percent"`
}

// Sampler 采样来源；测试中替换为固定值
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler 基于 gopsutil 读取主机 CPU、内存与本进程 RSS
type HostSampler struct {
	pid int32
}

func NewHostSampler() *HostSampler {
	return &HostSampler{pid: int32(os.Getpid())}
}

func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	s := Sample{Timestamp: time.Now()}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, err
	}
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.SystemMemoryPercent = vm.UsedPercent
	p, err := process.NewProcessWithContext(ctx, h.pid)
	if err != nil {
		return s, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryRSS = mi.RSS
	return s, nil
}

// Config 阈值与采样参数；阈值为 0 表示不检查该项
type Config struct {
	Enabled                bool
	MaxSystemMemoryPercent float64
	MaxCPUPercent          float64
	MaxRSSBytes            uint64
	SampleInterval         time.Duration
	HistorySize            int
	SampleTTL              time.Duration
}

// KeyFunc 作业样本列表的存储 key
type KeyFunc func(tenantID, jobID string) string

// Monitor 资源监控器
type Monitor struct {
	cfg     Config
	sampler Sampler
	store   coord.Store
	key     KeyFunc
	logger  *log.Logger

	mu     sync.Mutex
	last   Sample
	hasAny bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New 创建监控器；store 为 nil 时 RecordJobMetrics 不落盘
func New(cfg Config, sampler Sampler, store coord.Store, key KeyFunc, logger *log.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = 24 * time.Hour
	}
	if sampler == nil {
		sampler = NewHostSampler()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{cfg: cfg, sampler: sampler, store: store, key: key, logger: logger, stopCh: make(chan struct{})}
}

// CurrentMetrics 立即采样并更新缓存与指标
func (m *Monitor) CurrentMetrics(ctx context.Context) (Sample, error) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return s, err
	}
	m.mu.Lock()
	m.last, m.hasAny = s, true
	m.mu.Unlock()
	metrics.HostCPUPercent.Set(s.CPUPercent)
	metrics.HostMemoryPercent.Set(s.SystemMemoryPercent)
	metrics.ProcessRSSBytes.Set(float64(s.MemoryRSS))
	return s, nil
}

// latest 缓存未超过一个采样间隔时直接复用，否则重新采样
func (m *Monitor) latest(ctx context.Context) (Sample, error) {
	m.mu.Lock()
	s, ok := m.last, m.hasAny
	m.mu.Unlock()
	if ok && time.Since(s.Timestamp) < m.cfg.SampleInterval {
		return s, nil
	}
	return m.CurrentMetrics(ctx)
}

// HasAvailability 按阈值判断主机是否有余量；未启用或采样失败时返回 true
func (m *Monitor) HasAvailability(ctx context.Context) bool {
	if !m.cfg.Enabled {
		return true
	}
	s, err := m.latest(ctx)
	if err != nil {
		m.logger.Warn("资源采样失败，按有余量处理", "error", err)
		return true
	}
	return m.withinLimits(s)
}

func (m *Monitor) withinLimits(s Sample) bool {
	if m.cfg.MaxSystemMemoryPercent > 0 && s.SystemMemoryPercent >= m.cfg.MaxSystemMemoryPercent {
		return false
	}
	if m.cfg.MaxCPUPercent > 0 && s.CPUPercent >= m.cfg.MaxCPUPercent {
		return false
	}
	if m.cfg.MaxRSSBytes > 0 && s.MemoryRSS >= m.cfg.MaxRSSBytes {
		return false
	}
	return true
}

// RecordJobMetrics 把当前样本追加到作业的样本列表，只保留最近 HistorySize 条
func (m *Monitor) RecordJobMetrics(ctx context.Context, tenantID, jobID string) error {
	if m.store == nil || m.key == nil {
		return nil
	}
	s, err := m.CurrentMetrics(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := m.key(tenantID, jobID)
	if err := m.store.RPush(ctx, key, string(b)); err != nil {
		return err
	}
	if err := m.store.LTrim(ctx, key, -int64(m.cfg.HistorySize), -1); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, m.cfg.SampleTTL)
}

// JobMetrics 读取作业的样本列表，按时间顺序
func (m *Monitor) JobMetrics(ctx context.Context, tenantID, jobID string) ([]Sample, error) {
	if m.store == nil || m.key == nil {
		return nil, nil
	}
	raw, err := m.store.LRange(ctx, m.key(tenantID, jobID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(raw))
	for _, r := range raw {
		var s Sample
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Start 周期采样刷新缓存与指标；重复调用只启动一次
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled || !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if _, err := m.CurrentMetrics(ctx); err != nil {
					m.logger.Warn("资源采样失败", "error", err)
				}
			}
		}
	}()
}

// Stop 停止采样循环
func (m *Monitor) Stop() {
	if m.running.Load() {
		close(m.stopCh)
		m.wg.Wait()
	}
}
