package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	q := New(opts)
	t.Cleanup(q.Stop)
	return q
}

func TestEnqueueWithoutHandlerFails(t *testing.T) {
	q := newTestQueue(t, Options{})

	_, err := q.Enqueue("unknown", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestJobsRunInPriorityOrder(t *testing.T) {
	q := newTestQueue(t, Options{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	done := make(chan struct{}, 4)

	q.Register("work", func(ctx context.Context, payload []byte) error {
		if string(payload) == "blocker" {
			<-release
		} else {
			mu.Lock()
			order = append(order, string(payload))
			mu.Unlock()
		}
		done <- struct{}{}
		return nil
	})

	// 先占住唯一的执行槽，保证后续任务全部进堆
	_, err := q.Enqueue("work", []byte("blocker"), 100)
	require.NoError(t, err)

	_, err = q.Enqueue("work", []byte("low"), 1)
	require.NoError(t, err)
	_, err = q.Enqueue("work", []byte("high"), 5)
	require.NoError(t, err)
	_, err = q.Enqueue("work", []byte("mid"), 3)
	require.NoError(t, err)

	close(release)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("任务执行超时")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestSamePriorityKeepsInsertionOrder(t *testing.T) {
	q := newTestQueue(t, Options{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	done := make(chan struct{}, 4)

	q.Register("work", func(ctx context.Context, payload []byte) error {
		if string(payload) == "blocker" {
			<-release
		} else {
			mu.Lock()
			order = append(order, string(payload))
			mu.Unlock()
		}
		done <- struct{}{}
		return nil
	})

	_, _ = q.Enqueue("work", []byte("blocker"), 0)
	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Enqueue("work", []byte(name), 2)
		require.NoError(t, err)
	}

	close(release)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("任务执行超时")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Options{
		Concurrency: 1,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
	})

	var mu sync.Mutex
	attempts := 0
	q.Register("flaky", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("持续失败")
	})

	id, err := q.Enqueue("flaky", nil, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job := q.Job(id)
		return job != nil && job.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// 恰好MaxAttempts次，不多不少
	assert.Equal(t, 3, attempts)

	job := q.Job(id)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.LastError, "持续失败")
}

func TestSuccessfulJobCompletes(t *testing.T) {
	q := newTestQueue(t, Options{Concurrency: 2})

	q.Register("ok", func(ctx context.Context, payload []byte) error {
		return nil
	})

	id, err := q.Enqueue("ok", []byte("payload"), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job := q.Job(id)
		return job != nil && job.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestCapacityEvictsOldestPending(t *testing.T) {
	q := newTestQueue(t, Options{Concurrency: 1, Capacity: 2})

	release := make(chan struct{})
	q.Register("work", func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	})
	defer close(release)

	// 第一个任务占住执行槽，不计入PENDING
	_, err := q.Enqueue("work", []byte("running"), 0)
	require.NoError(t, err)

	firstID, err := q.Enqueue("work", []byte("oldest"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue("work", []byte("newer"), 0)
	require.NoError(t, err)

	// 容量2已满，第三个PENDING任务应逐出最老的
	_, err = q.Enqueue("work", []byte("newest"), 0)
	require.NoError(t, err)

	assert.Nil(t, q.Job(firstID), "最老的PENDING任务应被逐出")
	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Equal(t, 2, stats.Pending)
}

func TestEnqueueAfterStopFails(t *testing.T) {
	q := New(Options{Name: "stopped"})
	q.Register("work", func(ctx context.Context, payload []byte) error { return nil })
	q.Stop()

	_, err := q.Enqueue("work", nil, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStatsReportsRegisteredTypes(t *testing.T) {
	q := newTestQueue(t, Options{})
	q.Register("a", func(ctx context.Context, payload []byte) error { return nil })
	q.Register("b", func(ctx context.Context, payload []byte) error { return nil })

	stats := q.Stats()
	assert.ElementsMatch(t, []string{"a", "b"}, stats.RegisteredJobs)
}
