package dispatch

import (
	"context"
	"sync"
	"time"

	"buildcore-go/internal/logger"
)

// QuotaCache 每租户当日发送计数的缓存，由storage.RedisAdapter实现。
// 键在UTC次日零点过期，配额随自然日滚动重置。
type QuotaCache interface {
	GetSentToday(ctx context.Context, tenantID string) (int64, bool, error)
	SetSentToday(ctx context.Context, tenantID string, count int64) error
	IncrSentToday(ctx context.Context, tenantID string) error
}

// checkQuota 配额检查：缓存未命中时回源数据库并回填。
// 缓存/数据库均不可用时放行，配额是保护机制而非强一致账本。
func (d *Dispatcher) checkQuota(ctx context.Context, tenantID string) error {
	count, found, err := d.quota.GetSentToday(ctx, tenantID)
	if err != nil {
		logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("读取配额缓存失败，回源数据库")
		found = false
	}
	if !found {
		dbCount, dbErr := d.store.CountSentToday(ctx, tenantID)
		if dbErr != nil {
			logger.Warn().Err(dbErr).Str("tenant_id", tenantID).Msg("统计当日发送量失败，放行本次派发")
			return nil
		}
		count = dbCount
		if setErr := d.quota.SetSentToday(ctx, tenantID, count); setErr != nil {
			logger.Warn().Err(setErr).Str("tenant_id", tenantID).Msg("回填配额缓存失败")
		}
	}

	if count >= int64(d.opts.DailyQuota) {
		return ErrQuotaExceeded
	}
	return nil
}

// MemoryQuotaCache 进程内配额缓存，Redis不可用时的兜底实现
type MemoryQuotaCache struct {
	mutex  sync.Mutex
	counts map[string]int64
	day    string
}

// NewMemoryQuotaCache 创建进程内配额缓存
func NewMemoryQuotaCache() *MemoryQuotaCache {
	return &MemoryQuotaCache{counts: make(map[string]int64)}
}

// rollover 跨日时清空计数，与Redis键过期语义保持一致
func (m *MemoryQuotaCache) rollover(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.day != day {
		m.day = day
		m.counts = make(map[string]int64)
	}
}

func (m *MemoryQuotaCache) GetSentToday(_ context.Context, tenantID string) (int64, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rollover(time.Now())
	count, ok := m.counts[tenantID]
	return count, ok, nil
}

func (m *MemoryQuotaCache) SetSentToday(_ context.Context, tenantID string, count int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rollover(time.Now())
	m.counts[tenantID] = count
	return nil
}

func (m *MemoryQuotaCache) IncrSentToday(_ context.Context, tenantID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rollover(time.Now())
	m.counts[tenantID]++
	return nil
}
