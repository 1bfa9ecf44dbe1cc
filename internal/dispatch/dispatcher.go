package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/constants"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/mailer"
	"buildcore-go/internal/queue"
	"buildcore-go/internal/storage/models"
	"buildcore-go/pkg/utils"
)

var (
	// ErrQuotaExceeded 租户当日发送配额已用尽，调用在入队前被同步拒绝
	ErrQuotaExceeded = errors.New("租户每日发送配额已用尽")
)

// Store 派发服务需要的持久层操作，由storage.MySQL实现
type Store interface {
	CreateDispatchJob(ctx context.Context, job *models.DispatchJob) error
	GetDispatchJob(ctx context.Context, id uint) (*models.DispatchJob, error)
	MarkDispatchProcessing(ctx context.Context, id uint) error
	MarkDispatchCompleted(ctx context.Context, id uint) error
	MarkDispatchRetryable(ctx context.Context, id uint, errMsg string, nextRetryAt time.Time) error
	MarkDispatchDead(ctx context.Context, id uint, errMsg string) error
	MarkDispatchPending(ctx context.Context, id uint) error
	ResetStaleProcessing(ctx context.Context, staleBefore time.Time) (int64, error)
	PendingDispatchJobs(ctx context.Context, afterID uint, limit int) ([]models.DispatchJob, error)
	RetryableDispatchJobs(ctx context.Context, limit int) ([]models.DispatchJob, error)
	CountSentToday(ctx context.Context, tenantID string) (int64, error)

	CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	DeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id uint) (*models.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id uint, resolvedBy string) error

	CreateNotification(ctx context.Context, n *models.Notification) error
	MarkNotificationSent(ctx context.Context, notificationID, providerMessageID string) error
	MarkNotificationFailed(ctx context.Context, notificationID, reason string) error
	BumpNotificationRetry(ctx context.Context, notificationID string) error
}

// Payload 持久任务行中存储的派发载荷
type Payload struct {
	NotificationID string         `json:"notification_id"`
	TenantID       string         `json:"tenant_id"`
	Kind           string         `json:"kind"`
	Message        mailer.Message `json:"message"`
}

// queuePayload 内存队列只携带持久行ID，处理器从数据库取权威载荷
type queuePayload struct {
	DispatchJobID uint `json:"dispatch_job_id"`
}

// Options 派发服务配置
type Options struct {
	MaxAttempts   int           // 单条派发的最大尝试次数
	RetryDelay    time.Duration // 指数退避基准
	DailyQuota    int           // 每租户每日发送上限
	StaleAfter    time.Duration // PROCESSING行视为僵死的阈值
	SweepInterval time.Duration // 持久层重试扫描间隔
	RecoveryBatch int           // 启动恢复和扫描的单批数量
}

// Dispatcher 出站通知的持久派发服务。
// 在内存队列之上补充崩溃恢复、租户配额和死信存档。
type Dispatcher struct {
	store  Store
	quota  QuotaCache
	sender mailer.Sender
	brk    *breaker.Breaker
	queue  *queue.Queue
	opts   Options

	sweepDone chan struct{}
}

// New 创建派发服务并注册发送处理器
func New(store Store, quota QuotaCache, sender mailer.Sender, brk *breaker.Breaker, q *queue.Queue, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.DailyQuota <= 0 {
		opts.DailyQuota = 500
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.RecoveryBatch <= 0 {
		opts.RecoveryBatch = 100
	}
	if quota == nil {
		quota = NewMemoryQuotaCache()
	}

	d := &Dispatcher{
		store:     store,
		quota:     quota,
		sender:    sender,
		brk:       brk,
		queue:     q,
		opts:      opts,
		sweepDone: make(chan struct{}),
	}
	q.Register(constants.JobTypeSendMail, d.handleSend)
	return d
}

// EnqueueMailRegister 入队一封注册/邀请邮件
func (d *Dispatcher) EnqueueMailRegister(ctx context.Context, tenantID string, msg mailer.Message) (uint, error) {
	return d.enqueue(ctx, tenantID, constants.DispatchKindMailRegister, msg, 3)
}

// EnqueueBroadcastDelivery 入队一封广播邮件
func (d *Dispatcher) EnqueueBroadcastDelivery(ctx context.Context, tenantID string, msg mailer.Message) (uint, error) {
	return d.enqueue(ctx, tenantID, constants.DispatchKindBroadcast, msg, 1)
}

// EnqueueDirectEmail 入队一封即时邮件（提醒等），优先级最高
func (d *Dispatcher) EnqueueDirectEmail(ctx context.Context, tenantID string, msg mailer.Message) (uint, error) {
	return d.enqueue(ctx, tenantID, constants.DispatchKindDirect, msg, 5)
}

// enqueue 统一入队路径：配额检查 → 持久行 → 内存队列
func (d *Dispatcher) enqueue(ctx context.Context, tenantID, kind string, msg mailer.Message, priority int) (uint, error) {
	notification := &models.Notification{
		NotificationID: uuid.New().String(),
		TenantID:       tenantID,
		Kind:           kind,
		Recipient:      firstOrEmpty(msg.To),
		Subject:        msg.Subject,
		Status:         "QUEUED",
	}
	if err := d.store.CreateNotification(ctx, notification); err != nil {
		return 0, fmt.Errorf("创建通知记录失败: %w", err)
	}

	// 配额拒绝发生在入队之前，被拒绝的调用完全不进入队列
	if err := d.checkQuota(ctx, tenantID); err != nil {
		reason := fmt.Sprintf("每日发送配额(%d)已用尽", d.opts.DailyQuota)
		if markErr := d.store.MarkNotificationFailed(ctx, notification.NotificationID, reason); markErr != nil {
			logger.Error().Err(markErr).Str("notification_id", notification.NotificationID).Msg("标记配额失败通知出错")
		}
		return 0, err
	}

	payload := Payload{
		NotificationID: notification.NotificationID,
		TenantID:       tenantID,
		Kind:           kind,
		Message:        msg,
	}

	job := &models.DispatchJob{
		TenantID:    tenantID,
		Kind:        kind,
		ReferenceID: notification.NotificationID,
		Payload:     utils.MustJSON(payload),
		Status:      models.DispatchPending,
		Priority:    priority,
		MaxAttempts: d.opts.MaxAttempts,
	}
	if err := d.store.CreateDispatchJob(ctx, job); err != nil {
		return 0, fmt.Errorf("持久化派发任务失败: %w", err)
	}

	if err := d.submit(job); err != nil {
		// 持久行已存在，内存入队失败由恢复/扫描路径兜底
		logger.Warn().Err(err).Uint("dispatch_job_id", job.ID).Msg("内存队列入队失败，等待扫描路径重新拾取")
	}
	return job.ID, nil
}

// submit 把持久行的ID投递到内存队列
func (d *Dispatcher) submit(job *models.DispatchJob) error {
	body, err := json.Marshal(queuePayload{DispatchJobID: job.ID})
	if err != nil {
		return err
	}
	_, err = d.queue.Enqueue(constants.JobTypeSendMail, body, job.Priority)
	return err
}

// handleSend 内存队列的发送处理器
func (d *Dispatcher) handleSend(ctx context.Context, raw []byte) error {
	var qp queuePayload
	if err := json.Unmarshal(raw, &qp); err != nil {
		// 载荷损坏属于永久失败，不重试
		logger.Error().Err(err).Msg("派发任务载荷损坏")
		return nil
	}

	job, err := d.store.GetDispatchJob(ctx, qp.DispatchJobID)
	if err != nil {
		return fmt.Errorf("加载派发任务 %d 失败: %w", qp.DispatchJobID, err)
	}

	// 终态行不再处理：双重投递路径下的幂等保护
	if job.Status == models.DispatchCompleted || job.Status == models.DispatchDead {
		return nil
	}

	if err := d.store.MarkDispatchProcessing(ctx, job.ID); err != nil {
		return fmt.Errorf("标记派发任务 %d 为执行中失败: %w", job.ID, err)
	}
	attempts := job.Attempts + 1

	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		d.markDead(ctx, job, attempts, fmt.Sprintf("派发载荷损坏: %v", err))
		return nil
	}

	// 通过熔断器执行发送。传输错误和可重试的API失败计入熔断统计；
	// 校验类失败（4xx）不计，交由下方结果分类处理。
	var result *mailer.SendResult
	execErr := d.brk.Execute(ctx, func(ctx context.Context) error {
		r, sendErr := d.sender.Send(ctx, &payload.Message)
		if sendErr != nil {
			return sendErr
		}
		result = r
		if !r.Success && r.Retryable {
			return fmt.Errorf("发送失败(可重试): %s", r.ErrorMessage)
		}
		return nil
	})

	if result != nil && result.Success {
		if err := d.store.MarkDispatchCompleted(ctx, job.ID); err != nil {
			return fmt.Errorf("标记派发任务 %d 完成失败: %w", job.ID, err)
		}
		if err := d.quota.IncrSentToday(ctx, payload.TenantID); err != nil {
			logger.Warn().Err(err).Str("tenant_id", payload.TenantID).Msg("递增配额计数失败")
		}
		if err := d.store.MarkNotificationSent(ctx, payload.NotificationID, result.MessageID); err != nil {
			logger.Error().Err(err).Str("notification_id", payload.NotificationID).Msg("更新通知为已发送失败")
		}
		return nil
	}

	// 失败分类：可重试（传输/5xx/熔断拒绝） vs 永久（校验类）
	retryable := true
	errMsg := ""
	switch {
	case execErr != nil:
		errMsg = execErr.Error()
	case result != nil:
		retryable = result.Retryable
		errMsg = result.ErrorMessage
	default:
		errMsg = "未知发送失败"
	}

	if retryable && attempts < job.MaxAttempts {
		// 指数退避：RetryDelay × 2^(attempts-1)
		backoff := d.opts.RetryDelay * time.Duration(1<<uint(attempts-1))
		nextRetryAt := time.Now().Add(backoff)
		if err := d.store.MarkDispatchRetryable(ctx, job.ID, errMsg, nextRetryAt); err != nil {
			logger.Error().Err(err).Uint("dispatch_job_id", job.ID).Msg("标记可重试失败出错")
		}
		if err := d.store.BumpNotificationRetry(ctx, payload.NotificationID); err != nil {
			logger.Error().Err(err).Str("notification_id", payload.NotificationID).Msg("记录通知重试出错")
		}
		// 重新抛出让内存队列执行自己的退避重试。
		// 内存重试是快路径，持久层扫描是进程重启后的恢复路径，两层有意冗余。
		return fmt.Errorf("派发任务 %d 第 %d 次尝试失败: %s", job.ID, attempts, errMsg)
	}

	d.markDead(ctx, job, attempts, errMsg)
	return nil
}

// markDead 终态处理：置DEAD、写死信、标记领域记录永久失败
func (d *Dispatcher) markDead(ctx context.Context, job *models.DispatchJob, attempts int, errMsg string) {
	if err := d.store.MarkDispatchDead(ctx, job.ID, errMsg); err != nil {
		logger.Error().Err(err).Uint("dispatch_job_id", job.ID).Msg("标记派发任务死亡失败")
	}

	dl := &models.DeadLetter{
		TenantID:      job.TenantID,
		DispatchJobID: job.ID,
		Kind:          job.Kind,
		Payload:       job.Payload,
		LastError:     errMsg,
		Attempts:      attempts,
	}
	if err := d.store.CreateDeadLetter(ctx, dl); err != nil {
		logger.Error().Err(err).Uint("dispatch_job_id", job.ID).Msg("写入死信失败")
	}

	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.NotificationID != "" {
		if err := d.store.MarkNotificationFailed(ctx, payload.NotificationID, errMsg); err != nil {
			logger.Error().Err(err).Str("notification_id", payload.NotificationID).Msg("标记通知永久失败出错")
		}
	}

	logger.Error().
		Uint("dispatch_job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Int("attempts", attempts).
		Str("error", errMsg).
		Msg("派发任务重试耗尽，已写入死信")
}

// Stats 返回内存队列与熔断器的统计
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queue":   d.queue.Stats(),
		"breaker": d.brk.Stats(),
	}
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
