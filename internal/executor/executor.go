// Package executor 外部任务执行器实现：noop 与 webhook
package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"jobqueue-platform/internal/job"
	"jobqueue-platform/pkg/log"
)

// Noop 直接完成作业，上报一次满进度；用于本地开发与压测准入路径
type Noop struct{}

func (Noop) Execute(ctx context.Context, task job.Task, progress job.ProgressFunc) error {
	if task.TotalUnits > 0 && progress != nil {
		return progress(ctx, task.TotalUnits, task.TotalUnits)
	}
	return nil
}

type webhookRequest struct {
	TenantID   string `json:"tenant_id"`
	JobID      string `json:"job_id"`
	PayloadRef string `json:"payload_ref"`
	Payload    any    `json:"payload,omitempty"`
	TotalUnits int64  `json:"total_units,omitempty"`
}

type webhookResponse struct {
	ProcessedUnits int64  `json:"processed_units"`
	TotalUnits     int64  `json:"total_units"`
	Error          string `json:"error"`
}

// Webhook 把作业 POST 到外部 HTTP 服务；2xx 视为完成，其余视为失败
type Webhook struct {
	url    string
	client *resty.Client
	logger *log.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *log.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{
		url: url,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		logger: logger,
	}
}

func (w *Webhook) Execute(ctx context.Context, task job.Task, progress job.ProgressFunc) error {
	req := webhookRequest{
		TenantID:   task.TenantID,
		JobID:      task.JobID,
		PayloadRef: task.PayloadRef,
		TotalUnits: task.TotalUnits,
	}
	if len(task.Payload) > 0 {
		req.Payload = task.Payload
	}
	var out webhookResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.url, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		if out.Error != "" {
			return fmt.Errorf("webhook %s: status %d: %s", w.url, resp.StatusCode(), out.Error)
		}
		return fmt.Errorf("webhook %s: status %d", w.url, resp.StatusCode())
	}
	if progress != nil && (out.ProcessedUnits > 0 || out.TotalUnits > 0) {
		if err := progress(ctx, out.ProcessedUnits, out.TotalUnits); err != nil {
			w.logger.Warn("上报进度失败", "tenant_id", task.TenantID, "job_id", task.JobID, "error", err)
		}
	}
	return nil
}

// New 按类型构造执行器
func New(kind, url string, timeout time.Duration, logger *log.Logger) (job.Executor, error) {
	switch kind {
	case "", "noop":
		return Noop{}, nil
	case "webhook":
		if url == "" {
			return nil, fmt.Errorf("webhook executor requires url")
		}
		return NewWebhook(url, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", kind)
	}
}
