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
	"fmt"

	pkgerrors "jobqueue-platform/pkg/errors"
)

const (
	defaultKeyPrefix = "jq"
	maxIDLength      = 128
)

// Keyspace 存储 key 布局；租户用 {} 包裹，Redis Cluster 下同租户 key 落在同一 slot
type Keyspace struct {
	Prefix string
}

// NewKeyspace prefix 为空时使用 jq
func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return Keyspace{Prefix: prefix}
}

// TenantPrefix 租户全部 key 的公共前缀，清理租户时按此扫描
func (k Keyspace) TenantPrefix(tenantID string) string {
	return fmt.Sprintf("%s:{%s}:", k.Prefix, tenantID)
}

func (k Keyspace) Semaphore(tenantID string) string {
	return k.TenantPrefix(tenantID) + "sem"
}

func (k Keyspace) JobPrefix(tenantID string) string {
	return k.TenantPrefix(tenantID) + "job:"
}

func (k Keyspace) Job(tenantID, jobID string) string {
	return k.JobPrefix(tenantID) + jobID
}

func (k Keyspace) Queue(tenantID string) string {
	return k.TenantPrefix(tenantID) + "queue"
}

func (k Keyspace) JobMetrics(tenantID, jobID string) string {
	return k.TenantPrefix(tenantID) + "metrics:" + jobID
}

// Tenants 已知租户集合
func (k Keyspace) Tenants() string {
	return k.Prefix + ":tenants"
}

// WakeupChannel 空闲 Worker 唤醒频道
func (k Keyspace) WakeupChannel() string {
	return k.Prefix + ":wakeup"
}

// ValidateID 租户与作业 ID 只允许 [A-Za-z0-9._-]，保证前缀扫描不会越界到其他租户
func ValidateID(kind, id string) error {
	if id == "" {
		return pkgerrors.Wrapf(ErrInvalidArg, "%s id is empty", kind)
	}
	if len(id) > maxIDLength {
		return pkgerrors.Wrapf(ErrInvalidArg, "%s id longer than %d", kind, maxIDLength)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return pkgerrors.Wrapf(ErrInvalidArg, "%s id %q contains %q", kind, id, c)
		}
	}
	return nil
}
