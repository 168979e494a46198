package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue-platform/internal/coord"
)

func TestReconcileSemaphore_CorrectsDrift(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		svc := newTestService(t, store, newFakeClock(), 5)
		enqueueOne(t, svc, "T1")
		enqueueOne(t, svc, "T1")
		done := enqueueOne(t, svc, "T1")
		_, err := svc.Records().UpdateStatus(ctx, "T1", done, StatusRunning)
		require.NoError(t, err)
		_, err = svc.Records().UpdateStatus(ctx, "T1", done, StatusCompleted)
		require.NoError(t, err)

		// 模拟 Worker 完成后崩溃、未释放：计数 3，实际 2；第一轮只记录
		res, err := svc.ReconcileSemaphore(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{TenantID: "T1", Previous: 3, Actual: 2}, res)
		n, _ := svc.GetActiveJobCount(ctx, "T1")
		assert.EqualValues(t, 3, n)
		res, err = svc.ReconcileSemaphore(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{TenantID: "T1", Previous: 3, Actual: 2, Corrected: true}, res)
		n, _ = svc.GetActiveJobCount(ctx, "T1")
		assert.EqualValues(t, 2, n)

		// 预留后崩溃、未创建记录：计数偏高，连续两轮后纠正
		ok, _ := svc.Semaphore().TryReserve(ctx, "T1")
		require.True(t, ok)
		for _, want := range []bool{false, true} {
			res, err = svc.ReconcileSemaphore(ctx, "T1")
			require.NoError(t, err)
			assert.EqualValues(t, 3, res.Previous)
			assert.EqualValues(t, 2, res.Actual)
			assert.Equal(t, want, res.Corrected)
		}

		// 计数偏低立即纠正
		require.NoError(t, svc.Semaphore().ResetTo(ctx, "T1", 0))
		res, err = svc.ReconcileSemaphore(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, res.Corrected)
		n, _ = svc.GetActiveJobCount(ctx, "T1")
		assert.EqualValues(t, 2, n)
	})
}

func TestReconcileSemaphore_Idempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		svc := newTestService(t, store, newFakeClock(), 5)
		enqueueOne(t, svc, "T1")
		require.NoError(t, svc.Semaphore().ResetTo(ctx, "T1", 4))

		var results []ReconcileResult
		for i := 0; i < 4; i++ {
			res, err := svc.ReconcileSemaphore(ctx, "T1")
			require.NoError(t, err)
			results = append(results, res)
		}
		assert.False(t, results[0].Corrected)
		assert.True(t, results[1].Corrected)
		for _, res := range results[2:] {
			assert.Equal(t, ReconcileResult{TenantID: "T1", Previous: 1, Actual: 1}, res)
		}
		n, _ := svc.GetActiveJobCount(ctx, "T1")
		assert.EqualValues(t, 1, n)
	})
}

// casRaceStore 在对账读取计数之后、比较并设置之前插入一次新的预留
type casRaceStore struct {
	coord.Store
	onCAS func()
}

func (s *casRaceStore) CompareAndSetInt(ctx context.Context, key string, old, new int64) (bool, error) {
	if s.onCAS != nil {
		s.onCAS()
		s.onCAS = nil
	}
	return s.Store.CompareAndSetInt(ctx, key, old, new)
}

func TestReconcileSemaphore_DoesNotClobberConcurrentReservation(t *testing.T) {
	ctx := context.Background()
	store := &casRaceStore{Store: coord.NewMemStore()}
	svc := newTestService(t, store, newFakeClock(), 5)
	require.NoError(t, svc.Semaphore().ResetTo(ctx, "T1", 2))
	res, err := svc.ReconcileSemaphore(ctx, "T1")
	require.NoError(t, err)
	require.False(t, res.Corrected)

	store.onCAS = func() {
		ok, _ := svc.Semaphore().TryReserve(ctx, "T1")
		require.True(t, ok)
	}
	res, err = svc.ReconcileSemaphore(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	n, _ := svc.GetActiveJobCount(ctx, "T1")
	assert.EqualValues(t, 3, n)
}

// 入队已预留、记录尚未写入时对账读到的计数偏高；记录补上后不能下调
func TestReconcileSemaphore_KeepsReservationAwaitingRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		clock := newFakeClock()
		svc := newTestService(t, store, clock, 1)
		require.NoError(t, svc.Registry().Register(ctx, "T9"))
		ok, err := svc.Semaphore().TryReserve(ctx, "T9")
		require.NoError(t, err)
		require.True(t, ok)

		res, err := svc.ReconcileSemaphore(ctx, "T9")
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{TenantID: "T9", Previous: 1, Actual: 0}, res)

		require.NoError(t, svc.Records().Create(ctx, &JobRecord{
			JobID: "in-flight", TenantID: "T9", Status: StatusQueued, CreatedAt: clock.Now(),
		}))
		second, err := svc.EnqueueJob(ctx, "T9", "p", EnqueueOptions{})
		require.NoError(t, err)
		assert.Equal(t, EnqueueRejected, second.Status)
		assert.Equal(t, ReasonConcurrencyLimit, second.Reason)

		res, err = svc.ReconcileSemaphore(ctx, "T9")
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{TenantID: "T9", Previous: 1, Actual: 1}, res)
		n, _ := svc.GetActiveJobCount(ctx, "T9")
		assert.EqualValues(t, 1, n)
	})
}

// running 且 started_at 早于阈值的作业被检测出，对账后为 failed 且信号量减一
func TestDetectStaleJobs_RunningPastThreshold(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		clock := newFakeClock()
		svc := newTestService(t, store, clock, 5)
		jobID := enqueueOne(t, svc, "T3")
		fresh := enqueueOne(t, svc, "T3")
		clock.Advance(40 * time.Minute)

		_, err := svc.Records().UpdateStatus(ctx, "T3", jobID, StatusRunning, WithStartedAt(clock.Now().Add(-35*time.Minute)))
		require.NoError(t, err)
		_, err = svc.Records().UpdateStatus(ctx, "T3", fresh, StatusRunning, WithStartedAt(clock.Now().Add(-5*time.Minute)))
		require.NoError(t, err)

		stale, err := svc.DetectStaleJobs(ctx, "T3", 30*time.Minute)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, jobID, stale[0].JobID)

		// 检测是只读的
		got, _ := svc.GetJobStatus(ctx, "T3", jobID)
		assert.Equal(t, StatusRunning, got.Status)

		report, err := svc.Reconciler().ReconcileTenant(ctx, "T3")
		require.NoError(t, err)
		assert.Equal(t, []string{jobID}, report.StaleFailed)

		got, err = svc.GetJobStatus(ctx, "T3", jobID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.NotEmpty(t, got.ErrorMessage)
		n, _ := svc.GetActiveJobCount(ctx, "T3")
		assert.EqualValues(t, 1, n)

		// 第二轮不会重复处理
		report, err = svc.Reconciler().ReconcileTenant(ctx, "T3")
		require.NoError(t, err)
		assert.Empty(t, report.StaleFailed)
		n, _ = svc.GetActiveJobCount(ctx, "T3")
		assert.EqualValues(t, 1, n)
	})
}

func TestDetectStaleJobs_OrphanedQueued(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, coord.NewMemStore(), clock, 5)
	orphan := enqueueOne(t, svc, "T1")
	// Worker 出队后崩溃，条目已不在队列中
	dequeueOne(t, svc)

	stale, err := svc.DetectStaleJobs(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(31 * time.Minute)
	stale, err = svc.DetectStaleJobs(ctx, "T1", 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, orphan, stale[0].JobID)

	failed, err := svc.Reconciler().FailStale(ctx, "T1", stale)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, failed)
	n, _ := svc.GetActiveJobCount(ctx, "T1")
	assert.EqualValues(t, 0, n)
}

func TestReconciler_TenantThreshold(t *testing.T) {
	r := NewReconciler(ReconcilerConfig{
		StaleThreshold:        time.Minute,
		TenantStaleThresholds: map[string]time.Duration{"slow": time.Hour},
	}, nil, nil, nil, Options{})
	assert.Equal(t, time.Minute, r.StaleThreshold("fast"))
	assert.Equal(t, time.Hour, r.StaleThreshold("slow"))
	assert.Equal(t, time.Hour, r.StaleThreshold("SLOW"))
	assert.Equal(t, 30*time.Minute, NewReconciler(ReconcilerConfig{}, nil, nil, nil, Options{}).StaleThreshold("x"))
}

func TestReconciler_SweepAllTenants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store coord.Store) {
		ctx := context.Background()
		clock := newFakeClock()
		svc := newTestService(t, store, clock, 5)
		a := enqueueOne(t, svc, "A")
		enqueueOne(t, svc, "B")
		_, err := svc.Records().UpdateStatus(ctx, "A", a, StatusRunning, WithStartedAt(clock.Now()))
		require.NoError(t, err)
		require.NoError(t, svc.Semaphore().ResetTo(ctx, "B", 5))
		clock.Advance(20 * time.Minute)

		_, err = svc.Reconciler().Sweep(ctx)
		require.NoError(t, err)
		reports, err := svc.Reconciler().Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.Equal(t, "A", reports[0].TenantID)
		assert.Empty(t, reports[0].StaleFailed)
		assert.Equal(t, "B", reports[1].TenantID)
		assert.True(t, reports[1].Semaphore.Corrected)
		n, _ := svc.GetActiveJobCount(ctx, "B")
		assert.EqualValues(t, 1, n)
	})
}

func TestReconciler_StartAndTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := coord.NewMemStore()
	svc := newTestService(t, store, newFakeClock(), 5)
	enqueueOne(t, svc, "T1")
	require.NoError(t, svc.Semaphore().ResetTo(ctx, "T1", 0))

	r := svc.Reconciler()
	r.Start(ctx)
	defer r.Stop()
	assert.True(t, svc.TriggerReconcile())
	require.Eventually(t, func() bool {
		n, _ := svc.GetActiveJobCount(ctx, "T1")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconciler_TriggerIsRateLimited(t *testing.T) {
	svc := newTestService(t, coord.NewMemStore(), newFakeClock(), 5)
	r := NewReconciler(ReconcilerConfig{OnDemandRate: 0.001, OnDemandBurst: 1},
		svc.Records(), svc.Semaphore(), svc.Registry(), Options{Logger: quietLogger()})
	t.Cleanup(r.Stop)
	assert.True(t, r.Trigger())
	assert.False(t, r.Trigger())
}

// 未启动定时循环的进程（仅 API）触发后仍会跑一轮
func TestReconciler_TriggerWithoutLoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(t, coord.NewMemStore(), clock, 5)
	t.Cleanup(svc.Reconciler().Stop)
	jobID := enqueueOne(t, svc, "T1")
	_, err := svc.Records().UpdateStatus(ctx, "T1", jobID, StatusRunning, WithStartedAt(clock.Now()))
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)

	assert.True(t, svc.TriggerReconcile())
	require.Eventually(t, func() bool {
		got, err := svc.GetJobStatus(ctx, "T1", jobID)
		return err == nil && got.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := svc.GetActiveJobCount(ctx, "T1")
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconciler_StopIsIdempotent(t *testing.T) {
	svc := newTestService(t, coord.NewMemStore(), newFakeClock(), 5)
	r := svc.Reconciler()
	r.Start(context.Background())
	r.Stop()
	assert.NotPanics(t, r.Stop)
	// Stop 之后的触发不再启动后台对账
	assert.True(t, r.Trigger())
	assert.NotPanics(t, r.Stop)
}
