package dispatch

import (
	"context"
	"errors"
	"fmt"

	"buildcore-go/internal/constants"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/storage/models"
)

var (
	// ErrDeadLetterResolved 死信已被处理，不允许重复操作
	ErrDeadLetterResolved = errors.New("死信已被处理")
)

// DeadLetters 按租户查询未处理的死信
func (d *Dispatcher) DeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.DeadLetters(ctx, tenantID, limit)
}

// ResolveDeadLetter 人工确认死信已处理（不重投）
func (d *Dispatcher) ResolveDeadLetter(ctx context.Context, id uint, resolvedBy string) error {
	dl, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if dl.ResolvedAt != nil {
		return ErrDeadLetterResolved
	}
	return d.store.ResolveDeadLetter(ctx, id, resolvedBy)
}

// RetryDeadLetter 重投死信：以原始载荷新建一条派发行，尝试计数归零，
// 随后把死信标记为已处理。新行走完整的派发生命周期，失败仍会再次进入死信。
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, id uint, resolvedBy string) (uint, error) {
	dl, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return 0, err
	}
	if dl.ResolvedAt != nil {
		return 0, ErrDeadLetterResolved
	}

	job := &models.DispatchJob{
		TenantID:    dl.TenantID,
		Kind:        dl.Kind,
		Payload:     dl.Payload,
		Status:      models.DispatchPending,
		Priority:    priorityForKind(dl.Kind),
		MaxAttempts: d.opts.MaxAttempts,
	}
	if err := d.store.CreateDispatchJob(ctx, job); err != nil {
		return 0, fmt.Errorf("重建派发任务失败: %w", err)
	}

	if err := d.submit(job); err != nil {
		logger.Warn().Err(err).Uint("dispatch_job_id", job.ID).Msg("死信重投入队失败，等待扫描路径拾取")
	}

	if err := d.store.ResolveDeadLetter(ctx, id, resolvedBy); err != nil {
		logger.Error().Err(err).Uint("dead_letter_id", id).Msg("标记死信已处理失败")
	}

	logger.Info().
		Uint("dead_letter_id", id).
		Uint("dispatch_job_id", job.ID).
		Str("resolved_by", resolvedBy).
		Msg("死信已重投为新派发任务")
	return job.ID, nil
}

func priorityForKind(kind string) int {
	switch kind {
	case constants.DispatchKindDirect:
		return 5
	case constants.DispatchKindMailRegister:
		return 3
	default:
		return 1
	}
}
