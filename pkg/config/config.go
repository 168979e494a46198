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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Coord      CoordConfig      `mapstructure:"coord"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Records    RecordsConfig    `mapstructure:"records"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"`
}

// CoordConfig 协调存储配置（计数器、作业记录、队列的唯一事实来源）
type CoordConfig struct {
	Type      string `mapstructure:"type"` // memory | redis
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"` // 默认 jq
}

// AdmissionConfig 准入并发上限
type AdmissionConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	// TenantLimits 按租户覆盖；注意 viper 会把 map key 转为小写
	TenantLimits map[string]int `mapstructure:"tenant_limits"`
}

// RecordsConfig 作业记录配置
type RecordsConfig struct {
	TerminalTTL string `mapstructure:"terminal_ttl"` // 终态记录过期时间，空或 0 表示不过期
}

// WorkerConfig Worker 池配置
type WorkerConfig struct {
	ID           string `mapstructure:"id"`
	Concurrency  int    `mapstructure:"concurrency"`
	PollInterval string `mapstructure:"poll_interval"` // 无通知时的兜底轮询间隔
	// Embedded 为 true 时 API 进程内同时运行 Worker 池与对账
	Embedded bool `mapstructure:"embedded"`
}

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Interval              string            `mapstructure:"interval"`
	StaleThreshold        string            `mapstructure:"stale_threshold"`
	TenantStaleThresholds map[string]string `mapstructure:"tenant_stale_thresholds"`
	OnDemandRate          float64           `mapstructure:"on_demand_rate"` // 按需对账每秒次数
	OnDemandBurst         int               `mapstructure:"on_demand_burst"`
}

// MonitorConfig 资源监控配置
type MonitorConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	MaxSystemMemoryPercent float64 `mapstructure:"max_system_memory_percent"`
	MaxCPUPercent          float64 `mapstructure:"max_cpu_percent"` // 0 表示不检查
	MaxRSSBytes            uint64  `mapstructure:"max_rss_bytes"`   // 0 表示不检查
	SampleInterval         string  `mapstructure:"sample_interval"`
	HistorySize            int     `mapstructure:"history_size"`
	SampleTTL              string  `mapstructure:"sample_ttl"`
}

// ExecutorConfig 外部任务执行器配置
type ExecutorConfig struct {
	Type    string `mapstructure:"type"` // noop | webhook
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("coord.type", "memory")
	v.SetDefault("coord.addr", "localhost:6379")
	v.SetDefault("coord.password", "")
	v.SetDefault("coord.db", 0)
	v.SetDefault("coord.pool_size", 0)
	v.SetDefault("coord.key_prefix", "jq")
	v.SetDefault("admission.default_limit", 5)
	v.SetDefault("records.terminal_ttl", "")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.embedded", false)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "60s")
	v.SetDefault("reconcile.stale_threshold", "30m")
	v.SetDefault("reconcile.on_demand_rate", 1.0)
	v.SetDefault("reconcile.on_demand_burst", 1)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.max_system_memory_percent", 90.0)
	v.SetDefault("monitor.max_cpu_percent", 0.0)
	v.SetDefault("monitor.max_rss_bytes", 0)
	v.SetDefault("monitor.sample_interval", "5s")
	v.SetDefault("monitor.history_size", 20)
	v.SetDefault("monitor.sample_ttl", "24h")
	v.SetDefault("executor.type", "noop")
	v.SetDefault("executor.url", "")
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.prometheus.port", 9092)
	v.SetDefault("monitoring.tracing.enable", false)
	v.SetDefault("monitoring.tracing.service_name", "jobqueue")
	v.SetDefault("monitoring.tracing.export_endpoint", "localhost:4318")
	v.SetDefault("monitoring.tracing.insecure", true)
}

// Default 返回只含默认值的配置，测试与无配置文件启动时使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件；环境变量（如 COORD_ADDR）覆盖文件值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfigPath 未设置 JOBQUEUE_CONFIG 时读取的配置文件
const DefaultConfigPath = "configs/jobqueue.yaml"

// Load 读取 JOBQUEUE_CONFIG 指定的配置文件；未指定且默认路径不存在时使用默认值
func Load() (*Config, error) {
	path := os.Getenv("JOBQUEUE_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err != nil {
			return Default(), nil
		}
		path = DefaultConfigPath
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换形如 ${REDIS_PASSWORD} 的引用
func replaceEnvVars(config *Config) {
	if strings.HasPrefix(config.Coord.Password, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(config.Coord.Password, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			config.Coord.Password = val
		}
	}
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Coord.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("coord.type 不支持: %q", c.Coord.Type)
	}
	if c.Admission.DefaultLimit <= 0 {
		return fmt.Errorf("admission.default_limit 必须大于 0")
	}
	for tenant, limit := range c.Admission.TenantLimits {
		if limit <= 0 {
			return fmt.Errorf("admission.tenant_limits.%s 必须大于 0", tenant)
		}
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency 必须大于 0")
	}
	switch c.Executor.Type {
	case "noop":
	case "webhook":
		if c.Executor.URL == "" {
			return fmt.Errorf("executor.type=webhook 时 executor.url 必填")
		}
	default:
		return fmt.Errorf("executor.type 不支持: %q", c.Executor.Type)
	}
	return nil
}

// ParseDuration 解析时长字符串，空或非法时返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// StaleThresholds 解析默认与按租户覆盖的陈旧阈值
func (c ReconcileConfig) StaleThresholds() (time.Duration, map[string]time.Duration) {
	def := ParseDuration(c.StaleThreshold, 30*time.Minute)
	per := make(map[string]time.Duration, len(c.TenantStaleThresholds))
	for tenant, s := range c.TenantStaleThresholds {
		per[tenant] = ParseDuration(s, def)
	}
	return def, per
}
