package dispatch

import (
	"context"
	"time"

	"buildcore-go/internal/logger"
	"buildcore-go/internal/storage/models"
)

// RecoverPending 启动恢复：把僵死的PROCESSING行重置为PENDING，
// 再把所有PENDING行批量重新投入内存队列。进程崩溃后丢失的只是
// 内存队列状态，持久行保证任务不丢。
func (d *Dispatcher) RecoverPending(ctx context.Context) error {
	staleBefore := time.Now().Add(-d.opts.StaleAfter)
	reset, err := d.store.ResetStaleProcessing(ctx, staleBefore)
	if err != nil {
		return err
	}
	if reset > 0 {
		logger.Warn().Int64("count", reset).Msg("重置僵死的PROCESSING派发行")
	}

	recovered := 0
	var afterID uint
	for {
		jobs, err := d.store.PendingDispatchJobs(ctx, afterID, d.opts.RecoveryBatch)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			break
		}
		for i := range jobs {
			if err := d.resubmit(ctx, &jobs[i]); err != nil {
				logger.Error().Err(err).Uint("dispatch_job_id", jobs[i].ID).Msg("恢复派发任务失败")
				continue
			}
			recovered++
		}
		afterID = jobs[len(jobs)-1].ID
		if len(jobs) < d.opts.RecoveryBatch {
			break
		}
	}

	if recovered > 0 {
		logger.Info().Int("count", recovered).Msg("启动恢复完成，待发任务已重新入队")
	}
	return nil
}

// resubmit 把一条持久行重新投入内存队列
func (d *Dispatcher) resubmit(ctx context.Context, job *models.DispatchJob) error {
	if job.Status != models.DispatchPending {
		if err := d.store.MarkDispatchPending(ctx, job.ID); err != nil {
			return err
		}
	}
	return d.submit(job)
}

// StartSweep 启动持久层重试扫描循环。周期性拾取next_retry_at已到期的
// FAILED行并重新入队。与处理器的内存重试是两条有意冗余的路径：
// 内存重试覆盖进程存活的快路径，本扫描覆盖重启后的慢路径。
func (d *Dispatcher) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweepOnce(ctx)
			case <-d.sweepDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopSweep 停止扫描循环
func (d *Dispatcher) StopSweep() {
	close(d.sweepDone)
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	jobs, err := d.store.RetryableDispatchJobs(ctx, d.opts.RecoveryBatch)
	if err != nil {
		logger.Error().Err(err).Msg("扫描可重试派发行失败")
		return
	}
	for i := range jobs {
		if err := d.resubmit(ctx, &jobs[i]); err != nil {
			logger.Error().Err(err).Uint("dispatch_job_id", jobs[i].ID).Msg("重投可重试派发行失败")
		}
	}
	if len(jobs) > 0 {
		logger.Info().Int("count", len(jobs)).Msg("扫描重投到期的失败派发行")
	}
}
