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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9000
  host: "127.0.0.1"
coord:
  type: redis
  addr: "redis:6379"
admission:
  default_limit: 3
  tenant_limits:
    acme: 10
reconcile:
  stale_threshold: "10m"
  tenant_stale_thresholds:
    acme: "1h"
log:
  level: "debug"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, "redis", cfg.Coord.Type)
	assert.Equal(t, "redis:6379", cfg.Coord.Addr)
	assert.Equal(t, 3, cfg.Admission.DefaultLimit)
	assert.Equal(t, 10, cfg.Admission.TenantLimits["acme"])
	assert.Equal(t, "debug", cfg.Log.Level)

	def, per := cfg.Reconcile.StaleThresholds()
	assert.Equal(t, 10*time.Minute, def)
	assert.Equal(t, time.Hour, per["acme"])
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "api:\n  port: 8081\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Coord.Type)
	assert.Equal(t, "jq", cfg.Coord.KeyPrefix)
	assert.Equal(t, 5, cfg.Admission.DefaultLimit)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 90.0, cfg.Monitor.MaxSystemMemoryPercent)
	assert.Equal(t, time.Minute, ParseDuration(cfg.Reconcile.Interval, 0))
	def, _ := cfg.Reconcile.StaleThresholds()
	assert.Equal(t, 30*time.Minute, def)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("COORD_ADDR", "env-redis:6380")
	t.Setenv("REDIS_PASSWORD", "s3cret")
	cfg, err := LoadConfig(writeConfig(t, "coord:\n  password: \"${REDIS_PASSWORD}\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "env-redis:6380", cfg.Coord.Addr)
	assert.Equal(t, "s3cret", cfg.Coord.Password)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"coord type":   "coord:\n  type: etcd\n",
		"limit":        "admission:\n  default_limit: 0\n",
		"tenant limit": "admission:\n  tenant_limits:\n    a: -1\n",
		"webhook url":  "executor:\n  type: webhook\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("bogus", time.Second))
	assert.Equal(t, time.Second, ParseDuration("-5s", time.Second))
	assert.Equal(t, 2*time.Minute, ParseDuration("2m", time.Second))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "noop", cfg.Executor.Type)
}

func TestLoad_EnvPath(t *testing.T) {
	path := writeConfig(t, "admission:\n  default_limit: 9\n")
	t.Setenv("JOBQUEUE_CONFIG", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Admission.DefaultLimit)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("JOBQUEUE_CONFIG", "")
	t.Chdir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Admission.DefaultLimit)
}
