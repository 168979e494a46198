package job

import (
	"context"
	"encoding/json"
)

// Task 交给外部执行器的作业描述；Payload 对本包不透明
type Task struct {
	TenantID   string
	JobID      string
	PayloadRef string
	Payload    json.RawMessage
	TotalUnits int64
}

// ProgressFunc 执行器上报进度；作业已非 running 时返回 ErrInvalidTransition
type ProgressFunc func(ctx context.Context, processed, total int64) error

// Executor 外部任务执行器：返回 nil 视为完成，返回 error 视为失败
type Executor interface {
	Execute(ctx context.Context, task Task, progress ProgressFunc) error
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, task Task, progress ProgressFunc) error

func (f ExecutorFunc) Execute(ctx context.Context, task Task, progress ProgressFunc) error {
	return f(ctx, task, progress)
}

// JobMetricsRecorder 在作业开始与结束时记录资源快照
type JobMetricsRecorder interface {
	RecordJobMetrics(ctx context.Context, tenantID, jobID string) error
}

// AvailabilityChecker 主机资源闸门；采样失败时应返回 true
type AvailabilityChecker interface {
	HasAvailability(ctx context.Context) bool
}
