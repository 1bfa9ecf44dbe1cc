package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/mailer"
	"buildcore-go/internal/queue"
	"buildcore-go/internal/storage/models"
)

// fakeStore 内存版Store实现，行为对齐MySQL适配器
type fakeStore struct {
	mu            sync.Mutex
	nextJobID     uint
	nextDLID      uint
	jobs          map[uint]*models.DispatchJob
	deadLetters   map[uint]*models.DeadLetter
	notifications map[string]*models.Notification
	sentToday     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:          map[uint]*models.DispatchJob{},
		deadLetters:   map[uint]*models.DeadLetter{},
		notifications: map[string]*models.Notification{},
	}
}

func (s *fakeStore) CreateDispatchJob(_ context.Context, job *models.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	job.ID = s.nextJobID
	job.CreatedAt = time.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetDispatchJob(_ context.Context, id uint) (*models.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[id]
	return &cp, nil
}

func (s *fakeStore) MarkDispatchProcessing(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.DispatchProcessing
	job.Attempts++
	now := time.Now()
	job.StartedAt = &now
	return nil
}

func (s *fakeStore) MarkDispatchCompleted(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.DispatchCompleted
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (s *fakeStore) MarkDispatchRetryable(_ context.Context, id uint, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.DispatchFailed
	job.LastError = errMsg
	job.NextRetryAt = &nextRetryAt
	return nil
}

func (s *fakeStore) MarkDispatchDead(_ context.Context, id uint, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.DispatchDead
	job.LastError = errMsg
	return nil
}

func (s *fakeStore) MarkDispatchPending(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = models.DispatchPending
	job.NextRetryAt = nil
	job.StartedAt = nil
	return nil
}

func (s *fakeStore) ResetStaleProcessing(_ context.Context, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, job := range s.jobs {
		if job.Status == models.DispatchProcessing && job.StartedAt != nil && job.StartedAt.Before(staleBefore) {
			job.Status = models.DispatchPending
			job.StartedAt = nil
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) PendingDispatchJobs(_ context.Context, afterID uint, limit int) ([]models.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DispatchJob
	for id := afterID + 1; id <= s.nextJobID && len(out) < limit; id++ {
		if job, ok := s.jobs[id]; ok && job.Status == models.DispatchPending {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) RetryableDispatchJobs(_ context.Context, limit int) ([]models.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []models.DispatchJob
	for id := uint(1); id <= s.nextJobID && len(out) < limit; id++ {
		job, ok := s.jobs[id]
		if ok && job.Status == models.DispatchFailed && job.NextRetryAt != nil && job.NextRetryAt.Before(now) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) CountSentToday(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentToday, nil
}

func (s *fakeStore) CreateDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDLID++
	dl.ID = s.nextDLID
	cp := *dl
	s.deadLetters[dl.ID] = &cp
	return nil
}

func (s *fakeStore) DeadLetters(_ context.Context, tenantID string, limit int) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeadLetter
	for id := uint(1); id <= s.nextDLID && len(out) < limit; id++ {
		dl, ok := s.deadLetters[id]
		if ok && (tenantID == "" || dl.TenantID == tenantID) && dl.ResolvedAt == nil {
			out = append(out, *dl)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDeadLetter(_ context.Context, id uint) (*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.deadLetters[id]
	return &cp, nil
}

func (s *fakeStore) ResolveDeadLetter(_ context.Context, id uint, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl := s.deadLetters[id]
	now := time.Now()
	dl.ResolvedAt = &now
	dl.ResolvedBy = &resolvedBy
	return nil
}

func (s *fakeStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.NotificationID] = &cp
	return nil
}

func (s *fakeStore) MarkNotificationSent(_ context.Context, notificationID, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[notificationID]
	n.Status = "SENT"
	n.ProviderMessageID = providerMessageID
	return nil
}

func (s *fakeStore) MarkNotificationFailed(_ context.Context, notificationID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[notificationID]
	n.Status = "FAILED"
	n.FailureReason = reason
	return nil
}

func (s *fakeStore) BumpNotificationRetry(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[notificationID].RetryCount++
	return nil
}

func (s *fakeStore) jobByID(id uint) models.DispatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) notificationByJob(id uint) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.jobs[id].ReferenceID
	return *s.notifications[ref]
}

// fakeSender 可编程的发送器
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	results []*mailer.SendResult // 按调用次序返回，耗尽后重复最后一个
}

func (f *fakeSender) Send(_ context.Context, _ *mailer.Message) (*mailer.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var sendOK = &mailer.SendResult{Success: true, MessageID: "provider-msg-1"}

func newTestDispatcher(t *testing.T, store *fakeStore, sender mailer.Sender, opts Options) *Dispatcher {
	t.Helper()
	q := queue.New(queue.Options{
		Name:        "send-test",
		Concurrency: 2,
		MaxAttempts: opts.MaxAttempts,
		RetryDelay:  5 * time.Millisecond,
	})
	t.Cleanup(q.Stop)
	brk := breaker.New("mail-sender-test", breaker.Options{FailureThreshold: 100, ResetTimeout: time.Minute})
	return New(store, NewMemoryQuotaCache(), sender, brk, q, opts)
}

func testMessage() mailer.Message {
	return mailer.Message{
		To:      []string{"site@example.com"},
		Subject: "进度提醒",
		HTML:    "<p>工程进度更新</p>",
	}
}

func TestDirectEmailDeliveredAndRecorded(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{sendOK}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 3, DailyQuota: 10, RetryDelay: 5 * time.Millisecond})

	jobID, err := d.EnqueueDirectEmail(context.Background(), "tenant-1", testMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.notificationByJob(jobID).Status == "SENT"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.DispatchCompleted, store.jobByID(jobID).Status)
	assert.Equal(t, "provider-msg-1", store.notificationByJob(jobID).ProviderMessageID)

	// 成功发送后配额计数递增
	count, found, err := d.quota.GetSentToday(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), count)
}

func TestQuotaExceededRejectsSynchronously(t *testing.T) {
	store := newFakeStore()
	store.sentToday = 2 // 数据库权威计数已达上限
	sender := &fakeSender{results: []*mailer.SendResult{sendOK}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 3, DailyQuota: 2, RetryDelay: 5 * time.Millisecond})

	_, err := d.EnqueueBroadcastDelivery(context.Background(), "tenant-1", testMessage())
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// 被拒绝的调用不进入队列，发送器从未被触达
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sender.callCount())

	// 通知被标记为FAILED并带配额原因
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.notifications, 1)
	for _, n := range store.notifications {
		assert.Equal(t, "FAILED", n.Status)
		assert.Contains(t, n.FailureReason, "配额")
	}
	// 没有持久任务行生成
	assert.Empty(t, store.jobs)
}

func TestRetryExhaustionCreatesDeadLetter(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{
		{Success: false, Retryable: true, ErrorMessage: "服务端503"},
	}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 2, DailyQuota: 10, RetryDelay: 5 * time.Millisecond})

	jobID, err := d.EnqueueMailRegister(context.Background(), "tenant-1", testMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.notificationByJob(jobID).Status == "FAILED"
	}, 3*time.Second, 10*time.Millisecond)

	// 尝试次数恰好等于上限
	assert.Equal(t, models.DispatchDead, store.jobByID(jobID).Status)
	assert.Equal(t, 2, store.jobByID(jobID).Attempts)
	assert.Equal(t, 2, sender.callCount())

	letters, err := d.DeadLetters(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, jobID, letters[0].DispatchJobID)
	assert.Contains(t, letters[0].LastError, "503")

	n := store.notificationByJob(jobID)
	assert.Equal(t, "FAILED", n.Status)
}

func TestNonRetryableFailureDiesImmediately(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{
		{Success: false, Retryable: false, ErrorMessage: "收件人地址非法"},
	}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 3, DailyQuota: 10, RetryDelay: 5 * time.Millisecond})

	jobID, err := d.EnqueueDirectEmail(context.Background(), "tenant-1", testMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.jobByID(jobID).Status == models.DispatchDead
	}, 2*time.Second, 10*time.Millisecond)

	// 校验类失败不重试
	assert.Equal(t, 1, sender.callCount())
}

func TestRetryDeadLetterResubmitsWithFreshAttempts(t *testing.T) {
	store := newFakeStore()
	// 先持续失败产生死信，之后成功
	sender := &fakeSender{results: []*mailer.SendResult{
		{Success: false, Retryable: true, ErrorMessage: "超时"},
		{Success: false, Retryable: true, ErrorMessage: "超时"},
		sendOK,
	}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 2, DailyQuota: 10, RetryDelay: 5 * time.Millisecond})

	jobID, err := d.EnqueueDirectEmail(context.Background(), "tenant-1", testMessage())
	require.NoError(t, err)

	var letters []models.DeadLetter
	require.Eventually(t, func() bool {
		var listErr error
		letters, listErr = d.DeadLetters(context.Background(), "tenant-1", 10)
		return listErr == nil && len(letters) == 1
	}, 3*time.Second, 10*time.Millisecond)

	newJobID, err := d.RetryDeadLetter(context.Background(), letters[0].ID, "ops@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, jobID, newJobID)

	// 新任务带全新的尝试计数并最终成功
	require.Eventually(t, func() bool {
		return store.jobByID(newJobID).Status == models.DispatchCompleted
	}, 3*time.Second, 10*time.Millisecond)

	// 原死信已被标记处理，重复操作被拒绝
	_, err = d.RetryDeadLetter(context.Background(), letters[0].ID, "ops@example.com")
	assert.ErrorIs(t, err, ErrDeadLetterResolved)
	err = d.ResolveDeadLetter(context.Background(), letters[0].ID, "ops@example.com")
	assert.ErrorIs(t, err, ErrDeadLetterResolved)
}

func TestDeadLettersUnscopedListsAllTenants(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{sendOK}}
	d := newTestDispatcher(t, store, sender, Options{MaxAttempts: 2, DailyQuota: 10, RetryDelay: 5 * time.Millisecond})

	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		require.NoError(t, store.CreateDeadLetter(context.Background(), &models.DeadLetter{
			TenantID: tenant,
			Kind:     "direct_email",
			Payload:  []byte(`{}`),
		}))
	}

	// 不带租户过滤时跨租户列出
	all, err := d.DeadLetters(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := d.DeadLetters(context.Background(), "tenant-2", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "tenant-2", scoped[0].TenantID)
}

func TestRecoverPendingResubmitsStaleProcessing(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{sendOK}}
	d := newTestDispatcher(t, store, sender, Options{
		MaxAttempts: 3,
		DailyQuota:  10,
		RetryDelay:  5 * time.Millisecond,
		StaleAfter:  time.Minute,
	})

	// 模拟崩溃残留：一条PROCESSING行的started_at已经过期
	stale := time.Now().Add(-2 * time.Hour)
	job := &models.DispatchJob{
		TenantID:    "tenant-1",
		Kind:        "direct_email",
		ReferenceID: "n-1",
		Payload:     []byte(`{"notification_id":"n-1","tenant_id":"tenant-1","kind":"direct_email","message":{"to":["site@example.com"],"subject":"x","html":"y"}}`),
		Status:      models.DispatchProcessing,
		MaxAttempts: 3,
		StartedAt:   &stale,
	}
	require.NoError(t, store.CreateDispatchJob(context.Background(), job))
	store.CreateNotification(context.Background(), &models.Notification{NotificationID: "n-1", TenantID: "tenant-1", Status: "QUEUED"})

	require.NoError(t, d.RecoverPending(context.Background()))

	// 恢复后任务重新进入内存队列并恰好执行一次
	require.Eventually(t, func() bool {
		return store.jobByID(job.ID).Status == models.DispatchCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sender.callCount())
}

func TestSweepResubmitsExpiredRetries(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{results: []*mailer.SendResult{sendOK}}
	d := newTestDispatcher(t, store, sender, Options{
		MaxAttempts: 3,
		DailyQuota:  10,
		RetryDelay:  5 * time.Millisecond,
	})

	// 模拟重启后残留的FAILED行，next_retry_at已到期
	retryAt := time.Now().Add(-time.Minute)
	job := &models.DispatchJob{
		TenantID:    "tenant-1",
		Kind:        "direct_email",
		ReferenceID: "n-2",
		Payload:     []byte(`{"notification_id":"n-2","tenant_id":"tenant-1","kind":"direct_email","message":{"to":["site@example.com"],"subject":"x","html":"y"}}`),
		Status:      models.DispatchFailed,
		Attempts:    1,
		MaxAttempts: 3,
		NextRetryAt: &retryAt,
	}
	require.NoError(t, store.CreateDispatchJob(context.Background(), job))
	store.CreateNotification(context.Background(), &models.Notification{NotificationID: "n-2", TenantID: "tenant-1", Status: "QUEUED"})

	d.sweepOnce(context.Background())

	require.Eventually(t, func() bool {
		return store.jobByID(job.ID).Status == models.DispatchCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
