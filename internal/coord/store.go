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

// Package coord 协调存储客户端：原子计数、哈希读写、前缀扫描、列表、集合与发布订阅。
// 存储是计数器与作业记录的唯一事实来源，进程内不持有权威状态。
package coord

import (
	"context"
	"time"
)

// HashUpdateFunc 在原子上下文中读取当前哈希并返回要写入的字段；返回 error 则放弃写入
type HashUpdateFunc func(current map[string]string) (map[string]string, error)

// Store 协调存储抽象；实现需保证每个方法对同一 key 是原子的
type Store interface {
	// Incr 原子加一，返回加后的值；key 不存在视为 0
	Incr(ctx context.Context, key string) (int64, error)
	// Decr 原子减一，返回减后的值
	Decr(ctx context.Context, key string) (int64, error)
	// DecrFloor 原子减一但不低于 0；当前值 <= 0 时不修改并返回 clamped=true
	DecrFloor(ctx context.Context, key string) (value int64, clamped bool, err error)
	// GetInt 读取整数值，不存在返回 0
	GetInt(ctx context.Context, key string) (int64, error)
	// SetInt 覆盖写整数值
	SetInt(ctx context.Context, key string, v int64) error
	// CompareAndSetInt 当前值等于 old（不存在视为 0）时写为 new
	CompareAndSetInt(ctx context.Context, key string, old, new int64) (bool, error)

	// HCreate 仅当 key 不存在时写入整个哈希，返回是否创建
	HCreate(ctx context.Context, key string, fields map[string]string) (bool, error)
	// HGetAll 读取哈希，不存在返回空 map
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet 写入若干字段
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HUpdate 读-判断-写在存储侧原子完成（乐观事务或锁）
	HUpdate(ctx context.Context, key string, fn HashUpdateFunc) (map[string]string, error)

	// RPush 追加到列表尾
	RPush(ctx context.Context, key string, values ...string) error
	// LPop 弹出列表头；列表为空时 ok=false
	LPop(ctx context.Context, key string) (value string, ok bool, err error)
	LLen(ctx context.Context, key string) (int64, error)
	// LTrim 保留 [start, stop] 区间，语义同 Redis
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ScanPrefix 返回以 prefix 开头的全部 key
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Publish 向频道发送通知
	Publish(ctx context.Context, channel, message string) error
	// Subscribe 订阅频道；返回的 cancel 关闭订阅，ctx 结束时同样关闭
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
