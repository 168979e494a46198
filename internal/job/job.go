// Package job 多租户作业核心：作业记录、准入信号量、租户队列、Worker 池、对账与入队门面。
// 所有权威状态都在协调存储中，进程内只保留调度游标等可丢弃状态。
package job

import (
	"encoding/json"
	"time"

	"jobqueue-platform/internal/coord"
)

// JobStatus 任务状态
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal completed 与 failed 为终态
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive queued 与 running 计入信号量
func (s JobStatus) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// Clock 时间来源，测试中注入固定时间
type Clock func() time.Time

// JobRecord 每个 (tenant, job) 一条，以哈希形式存储
type JobRecord struct {
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	Status         JobStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ProcessedUnits int64           `json:"processed_units"`
	TotalUnits     int64           `json:"total_units"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	PayloadRef     string          `json:"payload_ref,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// 哈希字段名
const (
	fieldJobID          = "job_id"
	fieldTenantID       = "tenant_id"
	fieldStatus         = "status"
	fieldCreatedAt      = "created_at"
	fieldStartedAt      = "started_at"
	fieldCompletedAt    = "completed_at"
	fieldProcessedUnits = "processed_units"
	fieldTotalUnits     = "total_units"
	fieldErrorMessage   = "error_message"
	fieldPayloadRef     = "payload_ref"
	fieldPayload        = "payload"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (r *JobRecord) toFields() map[string]string {
	f := map[string]string{
		fieldJobID:          r.JobID,
		fieldTenantID:       r.TenantID,
		fieldStatus:         string(r.Status),
		fieldCreatedAt:      formatTime(r.CreatedAt),
		fieldProcessedUnits: coord.FormatInt(r.ProcessedUnits),
		fieldTotalUnits:     coord.FormatInt(r.TotalUnits),
	}
	if r.StartedAt != nil {
		f[fieldStartedAt] = formatTime(*r.StartedAt)
	}
	if r.CompletedAt != nil {
		f[fieldCompletedAt] = formatTime(*r.CompletedAt)
	}
	if r.ErrorMessage != "" {
		f[fieldErrorMessage] = r.ErrorMessage
	}
	if r.PayloadRef != "" {
		f[fieldPayloadRef] = r.PayloadRef
	}
	if len(r.Payload) > 0 {
		f[fieldPayload] = string(r.Payload)
	}
	return f
}

func recordFromFields(f map[string]string) *JobRecord {
	r := &JobRecord{
		JobID:          f[fieldJobID],
		TenantID:       f[fieldTenantID],
		Status:         JobStatus(f[fieldStatus]),
		StartedAt:      parseTime(f[fieldStartedAt]),
		CompletedAt:    parseTime(f[fieldCompletedAt]),
		ProcessedUnits: coord.ParseInt(f[fieldProcessedUnits]),
		TotalUnits:     coord.ParseInt(f[fieldTotalUnits]),
		ErrorMessage:   f[fieldErrorMessage],
		PayloadRef:     f[fieldPayloadRef],
	}
	if t := parseTime(f[fieldCreatedAt]); t != nil {
		r.CreatedAt = *t
	}
	if p := f[fieldPayload]; p != "" {
		r.Payload = json.RawMessage(p)
	}
	return r
}
