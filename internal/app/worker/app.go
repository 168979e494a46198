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

package worker

import (
	"bytes"
	"context"
	"fmt"

	hzapp "github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"jobqueue-platform/internal/app"
	"jobqueue-platform/pkg/log"
	"jobqueue-platform/pkg/metrics"
	"jobqueue-platform/pkg/tracing"
)

// tracerShutdown 用于优雅关闭时 flush span
type tracerShutdown interface {
	Shutdown(ctx context.Context) error
}

// App Worker 应用：Worker 池、定时对账、资源采样与指标端点
type App struct {
	bootstrap *app.Bootstrap
	logger    *log.Logger
	runtime   *app.Runtime
	metrics   *server.Hertz
	tracer    tracerShutdown
}

// NewApp 创建新的 Worker 应用
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	return &App{bootstrap: bootstrap, logger: bootstrap.Logger}, nil
}

// Start 启动应用，非阻塞
func (a *App) Start() error {
	cfg := a.bootstrap.Config
	a.logger.Info("启动 worker 应用")

	if cfg.Monitoring.Tracing.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			a.logger.Warn("初始化链路追踪失败", "error", err)
		} else {
			a.tracer = tp
		}
	}

	rt, err := a.bootstrap.StartRuntime(context.Background())
	if err != nil {
		return fmt.Errorf("启动数据面失败: %w", err)
	}
	a.runtime = rt

	if cfg.Monitoring.Prometheus.Enable && cfg.Monitoring.Prometheus.Port > 0 {
		if err := app.ConfigureHertzLogger(cfg.Log); err != nil {
			return err
		}
		a.metrics = newMetricsServer(fmt.Sprintf(":%d", cfg.Monitoring.Prometheus.Port))
		go func() {
			if err := a.metrics.Run(); err != nil {
				a.logger.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	a.logger.Info("worker 应用启动成功")
	return nil
}

// newMetricsServer 只暴露 /metrics
func newMetricsServer(addr string) *server.Hertz {
	h := server.Default(server.WithHostPorts(addr))
	h.GET("/metrics", func(ctx context.Context, c *hzapp.RequestContext) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			c.String(consts.StatusInternalServerError, err.Error())
			return
		}
		c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
	})
	return h
}

// Shutdown 关闭应用：先停止取新作业并等待执行中的作业，再关闭存储
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	if a.runtime != nil {
		a.runtime.Stop()
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Error("关闭指标服务失败", "error", err)
		}
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if err := a.bootstrap.Close(); err != nil {
		a.logger.Error("关闭协调存储失败", "error", err)
	}

	a.logger.Info("worker 应用关闭成功")
	return nil
}
