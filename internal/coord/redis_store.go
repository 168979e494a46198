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

package coord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "jobqueue-platform/pkg/errors"
)

const (
	scanCount       = 200
	maxWatchRetries = 8
)

// decrFloorScript 当前值 > 0 时 DECR，否则原样返回并标记 clamped
var decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  return {v, 1}
end
return {redis.call('DECR', KEYS[1]), 0}
`)

var casIntScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

var hcreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStore 基于 go-redis 的协调存储；所有传输错误归类为 ErrStoreUnavailable
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建并 Ping 校验连接
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	s := NewRedisStoreFromClient(client)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient 复用已有 client（测试注入 miniredis）
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, pkgerrors.Unavailable("incr", err)
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Decr(ctx, key).Result()
	return v, pkgerrors.Unavailable("decr", err)
}

func (s *RedisStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	res, err := decrFloorScript.Run(ctx, s.client, []string{key}).Int64Slice()
	if err != nil {
		return 0, false, pkgerrors.Unavailable("decr floor", err)
	}
	return res[0], res[1] == 1, nil
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, pkgerrors.Unavailable("get", err)
}

func (s *RedisStore) SetInt(ctx context.Context, key string, v int64) error {
	return pkgerrors.Unavailable("set", s.client.Set(ctx, key, v, 0).Err())
}

func (s *RedisStore) CompareAndSetInt(ctx context.Context, key string, old, new int64) (bool, error) {
	ok, err := casIntScript.Run(ctx, s.client, []string{key}, old, new).Int64()
	if err != nil {
		return false, pkgerrors.Unavailable("compare and set", err)
	}
	return ok == 1, nil
}

func flatten(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (s *RedisStore) HCreate(ctx context.Context, key string, fields map[string]string) (bool, error) {
	if len(fields) == 0 {
		return false, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "hcreate: empty fields")
	}
	created, err := hcreateScript.Run(ctx, s.client, []string{key}, flatten(fields)...).Int64()
	if err != nil {
		return false, pkgerrors.Unavailable("hcreate", err)
	}
	return created == 1, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, pkgerrors.Unavailable("hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return pkgerrors.Unavailable("hset", s.client.HSet(ctx, key, flatten(fields)...).Err())
}

// HUpdate WATCH key 后读取、判断、在 MULTI 中写入；并发修改时重试
func (s *RedisStore) HUpdate(ctx context.Context, key string, fn HashUpdateFunc) (map[string]string, error) {
	var result map[string]string
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		next, err := fn(copyFields(cur))
		if err != nil {
			fnErr = err
			return err
		}
		result = cur
		if len(next) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, flatten(next)...)
			return nil
		})
		if err == nil {
			for k, v := range next {
				result[k] = v
			}
		}
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if fnErr != nil {
			return nil, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, pkgerrors.Unavailable("hupdate", err)
	}
	return nil, pkgerrors.Unavailable("hupdate", redis.TxFailedErr)
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return pkgerrors.Unavailable("rpush", s.client.RPush(ctx, key, args...).Err())
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Unavailable("lpop", err)
	}
	return v, true, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return n, pkgerrors.Unavailable("llen", err)
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return pkgerrors.Unavailable("ltrim", s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, pkgerrors.Unavailable("lrange", err)
	}
	return out, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return pkgerrors.Unavailable("sadd", s.client.SAdd(ctx, key, toArgs(members)...).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return pkgerrors.Unavailable("srem", s.client.SRem(ctx, key, toArgs(members)...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, pkgerrors.Unavailable("smembers", err)
	}
	return out, nil
}

func toArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, v := range ss {
		args[i] = v
	}
	return args
}

// globEscape 转义 SCAN MATCH 中的通配符，保证前缀按字面匹配
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	match := globEscape(prefix) + "*"
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, pkgerrors.Unavailable("scan", err)
		}
		for _, k := range keys {
			// SCAN 可能重复返回同一 key
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return pkgerrors.Unavailable("del", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Del(ctx, key)
	}
	return pkgerrors.Unavailable("expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return pkgerrors.Unavailable("publish", s.client.Publish(ctx, channel, message).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, pkgerrors.Unavailable("subscribe", err)
	}
	out := make(chan string, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return pkgerrors.Unavailable("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
