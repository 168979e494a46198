package job

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobqueue-platform/internal/coord"
	pkgerrors "jobqueue-platform/pkg/errors"
	"jobqueue-platform/pkg/log"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *log.Logger {
	return log.NewWithWriter(&log.Config{Level: "error"}, io.Discard)
}

func newRedisStore(t *testing.T) coord.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return coord.NewRedisStoreFromClient(client)
}

// forEachBackend 同一用例分别在内存与 Redis 实现上运行
func forEachBackend(t *testing.T, fn func(t *testing.T, store coord.Store)) {
	t.Run("mem", func(t *testing.T) { fn(t, coord.NewMemStore()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisStore(t)) })
}

type stubMonitor struct{ available bool }

func (m stubMonitor) HasAvailability(ctx context.Context) bool { return m.available }

func newTestService(t *testing.T, store coord.Store, clock *fakeClock, limit int) *Service {
	t.Helper()
	return NewService(store, Config{
		Semaphore: SemaphoreConfig{DefaultLimit: limit},
		Reconcile: ReconcilerConfig{StaleThreshold: 30 * time.Minute, OnDemandRate: 1000, OnDemandBurst: 1000},
	}, ServiceOptions{
		Options: Options{Logger: quietLogger(), Now: clock.Now},
		Wakeup:  NewWakeupQueueMem(64),
	})
}

// failingStore 在指定操作上模拟存储不可达
type failingStore struct {
	coord.Store
	failIncr  bool
	failRPush bool
}

func (s *failingStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.failIncr {
		return 0, pkgerrors.Unavailable("incr", io.ErrUnexpectedEOF)
	}
	return s.Store.Incr(ctx, key)
}

func (s *failingStore) RPush(ctx context.Context, key string, values ...string) error {
	if s.failRPush {
		return pkgerrors.Unavailable("rpush", io.ErrUnexpectedEOF)
	}
	return s.Store.RPush(ctx, key, values...)
}
