package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue-platform/internal/coord"
)

// countingSemaphoreStore 统计信号量 key 上的 DecrFloor 调用次数
type countingSemaphoreStore struct {
	coord.Store
	releases int64
}

func (s *countingSemaphoreStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	atomic.AddInt64(&s.releases, 1)
	return s.Store.DecrFloor(ctx, key)
}

type recorderStub struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorderStub) RecordJobMetrics(ctx context.Context, tenantID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID+"/"+jobID)
	return nil
}

func enqueueOne(t *testing.T, svc *Service, tenant string) string {
	t.Helper()
	res, err := svc.EnqueueJob(context.Background(), tenant, "ref", EnqueueOptions{TotalUnits: 10})
	require.NoError(t, err)
	require.True(t, res.Queued(), "enqueue rejected: %v", res.Err)
	return res.JobID
}

func dequeueOne(t *testing.T, svc *Service) QueueEntry {
	t.Helper()
	e, ok, err := svc.Queue().TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func TestPool_ProcessOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		exec       ExecutorFunc
		wantStatus JobStatus
		wantErrMsg string
	}{
		{
			name: "success",
			exec: func(ctx context.Context, task Task, progress ProgressFunc) error {
				return progress(ctx, task.TotalUnits, task.TotalUnits)
			},
			wantStatus: StatusCompleted,
		},
		{
			name: "error",
			exec: func(ctx context.Context, task Task, progress ProgressFunc) error {
				return errors.New("connector timeout")
			},
			wantStatus: StatusFailed,
			wantErrMsg: "connector timeout",
		},
		{
			name: "panic",
			exec: func(ctx context.Context, task Task, progress ProgressFunc) error {
				panic("nil mapping")
			},
			wantStatus: StatusFailed,
			wantErrMsg: "nil mapping",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := &countingSemaphoreStore{Store: coord.NewMemStore()}
			clock := newFakeClock()
			svc := newTestService(t, store, clock, 5)
			rec := &recorderStub{}
			pool := svc.NewPool(PoolConfig{Workers: 1}, tc.exec, rec)

			jobID := enqueueOne(t, svc, "T1")
			n, _ := svc.GetActiveJobCount(ctx, "T1")
			require.EqualValues(t, 1, n)

			pool.Process(ctx, dequeueOne(t, svc))

			got, err := svc.GetJobStatus(ctx, "T1", jobID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.NotNil(t, got.StartedAt)
			assert.NotNil(t, got.CompletedAt)
			if tc.wantErrMsg != "" {
				assert.Contains(t, got.ErrorMessage, tc.wantErrMsg)
			} else {
				assert.EqualValues(t, 10, got.ProcessedUnits)
			}
			n, _ = svc.GetActiveJobCount(ctx, "T1")
			assert.EqualValues(t, 0, n)
			assert.EqualValues(t, 1, atomic.LoadInt64(&store.releases), "release exactly once")
			assert.Len(t, rec.calls, 2)
		})
	}
}

func TestPool_DropsUnknownEntry(t *testing.T) {
	ctx := context.Background()
	store := &countingSemaphoreStore{Store: coord.NewMemStore()}
	svc := newTestService(t, store, newFakeClock(), 5)
	called := false
	pool := svc.NewPool(PoolConfig{}, ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error {
		called = true
		return nil
	}), nil)

	require.NoError(t, svc.Queue().Enqueue(ctx, "T1", "ghost"))
	pool.Process(ctx, dequeueOne(t, svc))
	assert.False(t, called)
	assert.EqualValues(t, 0, atomic.LoadInt64(&store.releases))
}

// 对账在作业执行期间把它置为 failed 并释放；Worker 结束时不能再次释放
func TestPool_NoDoubleReleaseAfterReconcilerTookOver(t *testing.T) {
	ctx := context.Background()
	store := &countingSemaphoreStore{Store: coord.NewMemStore()}
	clock := newFakeClock()
	svc := newTestService(t, store, clock, 5)

	jobID := enqueueOne(t, svc, "T1")
	enqueueOne(t, svc, "T1")
	entry := dequeueOne(t, svc)

	pool := svc.NewPool(PoolConfig{}, ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error {
		clock.Advance(45 * time.Minute)
		report, err := svc.Reconciler().ReconcileTenant(ctx, "T1")
		require.NoError(t, err)
		require.Contains(t, report.StaleFailed, jobID)
		assert.ErrorIs(t, progress(ctx, 1, 10), ErrInvalidTransition)
		return nil
	}), nil)
	pool.Process(ctx, entry)

	got, _ := svc.GetJobStatus(ctx, "T1", jobID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StaleErrorMessage, got.ErrorMessage)
	// 两个作业都被对账释放（第二个仍在 queued 且已超阈值），Worker 没有额外释放
	assert.EqualValues(t, 2, atomic.LoadInt64(&store.releases))
	n, _ := svc.GetActiveJobCount(ctx, "T1")
	assert.EqualValues(t, 0, n)
}

func TestPool_StartStop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc := newTestService(t, store, newFakeClock(), 5)
		var executed int64
		pool := svc.NewPool(PoolConfig{Workers: 3, PollInterval: 10 * time.Millisecond},
			ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error {
				atomic.AddInt64(&executed, 1)
				return nil
			}), nil)
		pool.Start(ctx)
		defer pool.Stop()

		var ids []string
		for _, tenant := range []string{"A", "B", "C"} {
			for i := 0; i < 4; i++ {
				ids = append(ids, tenant+"/"+enqueueOne(t, svc, tenant))
			}
		}
		require.Eventually(t, func() bool { return atomic.LoadInt64(&executed) == 12 }, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			for _, tenant := range []string{"A", "B", "C"} {
				stats, err := svc.GetQueueStats(ctx, tenant)
				if err != nil || stats.CompletedCount != 4 {
					return false
				}
				if n, _ := svc.GetActiveJobCount(ctx, tenant); n != 0 {
					return false
				}
			}
			return true
		}, 5*time.Second, 10*time.Millisecond)
		assert.Len(t, ids, 12)
	})
}

// 作业执行期间租户被清理：结束时不写回任何 key，也不再记录资源快照
func TestPool_TenantPurgedWhileRunning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		svc := newTestService(t, store, newFakeClock(), 5)
		rec := &recorderStub{}
		enqueueOne(t, svc, "T1")
		entry := dequeueOne(t, svc)

		pool := svc.NewPool(PoolConfig{}, ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error {
			_, err := svc.PurgeTenant(ctx, "T1")
			require.NoError(t, err)
			return nil
		}), rec)
		pool.Process(ctx, entry)

		rec.mu.Lock()
		assert.Len(t, rec.calls, 1, "only the snapshot taken when the job started")
		rec.mu.Unlock()
		keys, err := store.ScanPrefix(ctx, svc.Keys().TenantPrefix("T1"))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestPool_StopIsIdempotent(t *testing.T) {
	svc := newTestService(t, coord.NewMemStore(), newFakeClock(), 5)
	pool := svc.NewPool(PoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond},
		ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error { return nil }), nil)
	pool.Start(context.Background())
	pool.Stop()
	assert.NotPanics(t, pool.Stop)

	idle := svc.NewPool(PoolConfig{}, ExecutorFunc(func(ctx context.Context, task Task, progress ProgressFunc) error { return nil }), nil)
	assert.NotPanics(t, func() {
		idle.Stop()
		idle.Stop()
	})
}
