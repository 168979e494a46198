package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		AdmissionTotal, SemaphoreReleaseTotal, SemaphoreClampTotal,
		QueueEnqueueTotal, QueueDequeueTotal,
		JobDuration, JobTotal, WorkerBusy,
		ReconcileRunsTotal, ReconcileDriftTotal, StaleJobsFailedTotal,
		HostCPUPercent, HostMemoryPercent, ProcessRSSBytes,
	)
}

// AdmissionTotal 入队准入结果
var AdmissionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_admission_total",
		Help: "入队准入结果计数",
	},
	[]string{"result"}, // queued | limit | resource | store | duplicate
)

// SemaphoreReleaseTotal 信号量释放次数
var SemaphoreReleaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_semaphore_release_total",
		Help: "信号量释放次数",
	},
	[]string{"tenant_id"},
)

// SemaphoreClampTotal 释放时计数已为 0 被钳制的次数（重复释放或漏记）
var SemaphoreClampTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_semaphore_clamp_total",
		Help: "信号量释放被钳制在 0 的次数",
	},
	[]string{"tenant_id"},
)

// QueueEnqueueTotal 入队条目数
var QueueEnqueueTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_queue_enqueue_total",
		Help: "入队条目数",
	},
	[]string{"tenant_id"},
)

// QueueDequeueTotal 出队条目数
var QueueDequeueTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_queue_dequeue_total",
		Help: "出队条目数",
	},
	[]string{"tenant_id"},
)

// JobDuration Job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "jobqueue_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tenant_id"},
)

// JobTotal Job 终态总数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_job_total",
		Help: "Job 终态总数（按状态）",
	},
	[]string{"status"}, // completed | failed | dropped
)

// WorkerBusy 当前正在执行的 Job 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobqueue_worker_busy",
		Help: "当前正在执行的 Job 数",
	},
	[]string{"worker_id"},
)

// ReconcileRunsTotal 对账执行次数
var ReconcileRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_reconcile_runs_total",
		Help: "对账执行次数",
	},
	[]string{"result"}, // ok | error
)

// ReconcileDriftTotal 信号量漂移被纠正的次数
var ReconcileDriftTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_reconcile_drift_total",
		Help: "信号量漂移被纠正的次数",
	},
	[]string{"tenant_id"},
)

// StaleJobsFailedTotal 被对账强制失败的陈旧 Job 数
var StaleJobsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobqueue_stale_jobs_failed_total",
		Help: "被对账强制失败的陈旧 Job 数",
	},
	[]string{"tenant_id"},
)

var (
	HostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_host_cpu_percent",
		Help: "最近一次采样的主机 CPU 使用率",
	})
	HostMemoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_host_memory_percent",
		Help: "最近一次采样的主机内存使用率",
	})
	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_process_rss_bytes",
		Help: "最近一次采样的进程常驻内存",
	})
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
