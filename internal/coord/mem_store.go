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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemStore 内存实现：单进程部署与测试使用；所有操作在一把锁内完成
type MemStore struct {
	mu      sync.Mutex
	now     func() time.Time
	ints    map[string]int64
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	expires map[string]time.Time

	subMu  sync.Mutex
	subSeq int
	subs   map[string]map[int]chan string
}

// NewMemStore 创建内存协调存储
func NewMemStore() *MemStore {
	return NewMemStoreWithClock(time.Now)
}

// NewMemStoreWithClock 使用指定时钟判断过期
func NewMemStoreWithClock(now func() time.Time) *MemStore {
	return &MemStore{
		now:     now,
		ints:    make(map[string]int64),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
		subs:    make(map[string]map[int]chan string),
	}
}

// evictLocked 惰性过期；调用方持锁
func (s *MemStore) evictLocked(key string) {
	if at, ok := s.expires[key]; ok && !s.now().Before(at) {
		s.deleteLocked(key)
	}
}

func (s *MemStore) deleteLocked(key string) {
	delete(s.ints, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.expires, key)
}

func (s *MemStore) existsLocked(key string) bool {
	if _, ok := s.ints[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

func (s *MemStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(key, 1), nil
}

func (s *MemStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(key, -1), nil
}

func (s *MemStore) add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	s.ints[key] += delta
	return s.ints[key]
}

func (s *MemStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	v := s.ints[key]
	if v <= 0 {
		return v, true, nil
	}
	s.ints[key] = v - 1
	return v - 1, false, nil
}

func (s *MemStore) GetInt(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return s.ints[key], nil
}

func (s *MemStore) SetInt(ctx context.Context, key string, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key] = v
	delete(s.expires, key)
	return nil
}

func (s *MemStore) CompareAndSetInt(ctx context.Context, key string, old, new int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	if s.ints[key] != old {
		return false, nil
	}
	s.ints[key] = new
	return true, nil
}

func (s *MemStore) HCreate(ctx context.Context, key string, fields map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	if _, ok := s.hashes[key]; ok {
		return false, nil
	}
	s.hashes[key] = copyFields(fields)
	return true, nil
}

func (s *MemStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return copyFields(s.hashes[key]), nil
}

func (s *MemStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	s.hsetLocked(key, fields)
	return nil
}

func (s *MemStore) hsetLocked(key string, fields map[string]string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (s *MemStore) HUpdate(ctx context.Context, key string, fn HashUpdateFunc) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	cur := copyFields(s.hashes[key])
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if len(next) > 0 {
		s.hsetLocked(key, next)
	}
	return copyFields(s.hashes[key]), nil
}

func (s *MemStore) RPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

func (s *MemStore) LPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	l := s.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	if len(l) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = l[1:]
	}
	return v, true, nil
}

func (s *MemStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return int64(len(s.lists[key])), nil
}

// listRange 把 Redis 风格的 [start, stop]（支持负数）换算为切片下标
func listRange(n int, start, stop int64) (int, int, bool) {
	if start < 0 {
		start += int64(n)
	}
	if stop < 0 {
		stop += int64(n)
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(n) {
		stop = int64(n) - 1
	}
	if start > stop || start >= int64(n) {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

func (s *MemStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	l := s.lists[key]
	lo, hi, ok := listRange(len(l), start, stop)
	if !ok {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = append([]string(nil), l[lo:hi]...)
	return nil
}

func (s *MemStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	l := s.lists[key]
	lo, hi, ok := listRange(len(l), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), l[lo:hi]...), nil
}

func (s *MemStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	collect := func(key string) {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	for k := range s.ints {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.lists {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		s.evictLocked(k)
		if s.existsLocked(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

func (s *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	if !s.existsLocked(key) {
		return nil
	}
	if ttl <= 0 {
		s.deleteLocked(key)
		return nil
	}
	s.expires[key] = s.now().Add(ttl)
	return nil
}

func (s *MemStore) Publish(ctx context.Context, channel, message string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- message:
		default:
			// 订阅方来不及消费时丢弃；通知只用于唤醒
		}
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan string)
	}
	s.subs[channel][id] = ch
	s.subMu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs[channel], id)
			s.subMu.Unlock()
			close(done)
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FormatInt 与 ParseInt 供上层把计数字段写入哈希
func FormatInt(v int64) string { return strconv.FormatInt(v, 10) }

func ParseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
