package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "jobqueue-platform/pkg/errors"
)

// 两种实现共用同一套语义测试
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return NewMemStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStoreFromClient(client)
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStore_Counters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v, err := s.Incr(ctx, "c")
		require.NoError(t, err)
		assert.EqualValues(t, 1, v)
		v, _ = s.Incr(ctx, "c")
		assert.EqualValues(t, 2, v)
		v, _ = s.Decr(ctx, "c")
		assert.EqualValues(t, 1, v)

		got, err := s.GetInt(ctx, "missing")
		require.NoError(t, err)
		assert.EqualValues(t, 0, got)

		require.NoError(t, s.SetInt(ctx, "c", 7))
		got, _ = s.GetInt(ctx, "c")
		assert.EqualValues(t, 7, got)
	})
}

func TestStore_DecrFloor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetInt(ctx, "sem", 1))

		v, clamped, err := s.DecrFloor(ctx, "sem")
		require.NoError(t, err)
		assert.False(t, clamped)
		assert.EqualValues(t, 0, v)

		v, clamped, err = s.DecrFloor(ctx, "sem")
		require.NoError(t, err)
		assert.True(t, clamped)
		assert.EqualValues(t, 0, v)

		_, clamped, err = s.DecrFloor(ctx, "never-set")
		require.NoError(t, err)
		assert.True(t, clamped)
		got, _ := s.GetInt(ctx, "sem")
		assert.EqualValues(t, 0, got)
	})
}

func TestStore_CompareAndSetInt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok, err := s.CompareAndSetInt(ctx, "sem", 0, 3)
		require.NoError(t, err)
		assert.True(t, ok, "missing key compares as 0")

		ok, _ = s.CompareAndSetInt(ctx, "sem", 2, 9)
		assert.False(t, ok)
		got, _ := s.GetInt(ctx, "sem")
		assert.EqualValues(t, 3, got)
	})
}

func TestStore_ConcurrentIncr(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.Incr(ctx, "n")
			}()
		}
		wg.Wait()
		got, _ := s.GetInt(ctx, "n")
		assert.EqualValues(t, 50, got)
	})
}

func TestStore_Hashes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.HCreate(ctx, "h", map[string]string{"status": "queued", "n": "0"})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.HCreate(ctx, "h", map[string]string{"status": "running"})
		require.NoError(t, err)
		assert.False(t, created)

		require.NoError(t, s.HSet(ctx, "h", map[string]string{"n": "5"}))
		m, err := s.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "queued", "n": "5"}, m)

		empty, err := s.HGetAll(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_HUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.HCreate(ctx, "h", map[string]string{"status": "queued"})

		out, err := s.HUpdate(ctx, "h", func(cur map[string]string) (map[string]string, error) {
			assert.Equal(t, "queued", cur["status"])
			return map[string]string{"status": "running"}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "running", out["status"])

		boom := errors.New("rejected")
		_, err = s.HUpdate(ctx, "h", func(cur map[string]string) (map[string]string, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		m, _ := s.HGetAll(ctx, "h")
		assert.Equal(t, "running", m["status"])
	})
}

func TestStore_HUpdateConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.HCreate(ctx, "h", map[string]string{"owner": ""})
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.HUpdate(ctx, "h", func(cur map[string]string) (map[string]string, error) {
					if cur["owner"] != "" {
						return nil, errors.New("taken")
					}
					return map[string]string{"owner": string(rune('a' + i))}, nil
				})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestStore_Lists(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.RPush(ctx, "q", "a", "b", "c", "d"))
		n, _ := s.LLen(ctx, "q")
		assert.EqualValues(t, 4, n)

		v, ok, err := s.LPop(ctx, "q")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a", v)

		require.NoError(t, s.LTrim(ctx, "q", -2, -1))
		got, err := s.LRange(ctx, "q", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, got)

		_, _, _ = s.LPop(ctx, "q")
		_, _, _ = s.LPop(ctx, "q")
		_, ok, err = s.LPop(ctx, "q")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_Sets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SAdd(ctx, "tenants", "b", "a", "b"))
		got, err := s.SMembers(ctx, "tenants")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, got)
		require.NoError(t, s.SRem(ctx, "tenants", "a"))
		got, _ = s.SMembers(ctx, "tenants")
		assert.Equal(t, []string{"b"}, got)
	})
}

func TestStore_ScanPrefixAndDel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Incr(ctx, "jq:{a}:sem")
		_, _ = s.HCreate(ctx, "jq:{a}:job:1", map[string]string{"x": "1"})
		_ = s.RPush(ctx, "jq:{a}:queue", "1")
		_, _ = s.Incr(ctx, "jq:{ab}:sem")
		_, _ = s.Incr(ctx, "jq:{a*}:sem")

		keys, err := s.ScanPrefix(ctx, "jq:{a}:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"jq:{a}:sem", "jq:{a}:job:1", "jq:{a}:queue"}, keys)

		require.NoError(t, s.Del(ctx, keys...))
		keys, _ = s.ScanPrefix(ctx, "jq:{a}:")
		assert.Empty(t, keys)
		v, _ := s.GetInt(ctx, "jq:{ab}:sem")
		assert.EqualValues(t, 1, v)
	})
}

func TestStore_PubSub(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, unsubscribe, err := s.Subscribe(ctx, "wakeup")
		require.NoError(t, err)
		defer unsubscribe()

		require.NoError(t, s.Publish(ctx, "wakeup", "t1"))
		select {
		case msg := <-ch:
			assert.Equal(t, "t1", msg)
		case <-time.After(2 * time.Second):
			t.Fatal("no message received")
		}
	})
}

func TestMemStore_Expire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemStoreWithClock(func() time.Time { return now })
	ctx := context.Background()
	_, _ = s.HCreate(ctx, "h", map[string]string{"a": "1"})
	require.NoError(t, s.Expire(ctx, "h", time.Minute))

	m, _ := s.HGetAll(ctx, "h")
	assert.NotEmpty(t, m)
	now = now.Add(2 * time.Minute)
	m, _ = s.HGetAll(ctx, "h")
	assert.Empty(t, m)
	keys, _ := s.ScanPrefix(ctx, "")
	assert.Empty(t, keys)
}

func TestRedisStore_Expire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStoreFromClient(client)
	ctx := context.Background()

	_, _ = s.HCreate(ctx, "h", map[string]string{"a": "1"})
	require.NoError(t, s.Expire(ctx, "h", time.Minute))
	mr.FastForward(2 * time.Minute)
	m, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()
	s := NewRedisStoreFromClient(client)
	mr.Close()

	_, err := s.Incr(context.Background(), "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrStoreUnavailable)

	_, err = NewRedisStore(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}
