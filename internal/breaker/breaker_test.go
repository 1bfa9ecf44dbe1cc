package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDependency = errors.New("依赖故障")

func failing(ctx context.Context) error { return errDependency }

func succeeding(ctx context.Context) error { return nil }

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := New("test", Options{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := b.Execute(ctx, failing)
		assert.ErrorIs(t, err, errDependency)
		assert.Equal(t, StateClosed, b.State())
	}

	// 第三次失败触发断开
	err := b.Execute(ctx, failing)
	assert.ErrorIs(t, err, errDependency)
	assert.Equal(t, StateOpen, b.State())

	// 断开后调用被直接拒绝，fn不再执行
	called := false
	err = b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestFallbackInvokedWhenOpen(t *testing.T) {
	b := New("test", Options{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	fallbackCalled := false
	err := b.ExecuteWithFallback(ctx, failing, func(ctx context.Context) error {
		fallbackCalled = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fallbackCalled)
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b := New("test", Options{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	// 冷却期过后放行探测，探测成功闭合
	err := b.Execute(ctx, succeeding)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Options{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(30 * time.Millisecond)

	// 半开探测失败立即回到断开状态
	err := b.Execute(ctx, failing)
	assert.ErrorIs(t, err, errDependency)
	assert.Equal(t, StateOpen, b.State())

	// 且再次处于拒绝状态
	err = b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenLimitsProbeAttempts(t *testing.T) {
	b := New("test", Options{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxAttempts: 2})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(20 * time.Millisecond)

	// 两个阻塞的探测调用占满半开名额，第三个应被拒绝
	blocked := make(chan struct{})
	released := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			released <- b.Execute(ctx, func(ctx context.Context) error {
				<-blocked
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		s := b.Stats()
		return s.State == StateHalfOpen && s.HalfOpenAttempts == 2
	}, time.Second, 5*time.Millisecond)

	// 两个探测名额已占满
	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(blocked)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-released)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestSuccessDecrementsFailureCount(t *testing.T) {
	b := New("test", Options{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	// 两次失败后一次成功，失败计数回落，再两次失败也不应断开
	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateClosed, b.State())

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestStatsCounters(t *testing.T) {
	b := New("test", Options{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, succeeding)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, succeeding) // 被拒绝

	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, int64(4), stats.TotalCalls)
	assert.Equal(t, int64(2), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.NotNil(t, stats.LastFailureTime)
}

func TestRegistryReusesAndCreatesBreakers(t *testing.T) {
	r := NewRegistry(nil)

	a := r.Get("mail-provider")
	b := r.Get("mail-provider")
	assert.Same(t, a, b)

	c := r.Get("other")
	assert.NotSame(t, a, c)

	stats := r.Stats()
	assert.Len(t, stats, 2)
}
