package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"buildcore-go/internal/config"
	"buildcore-go/internal/constants"
	"buildcore-go/pkg/utils"
)

// Redis 键值存储适配器：配额计数、消息ID去重、轮询互斥锁
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// --- 每日发送配额 ---

// quotaKey 按UTC日期构造租户配额键
func quotaKey(tenantID string, now time.Time) string {
	return constants.QuotaKeyPrefix + tenantID + ":" + now.UTC().Format("2006-01-02")
}

// GetSentToday 读取租户今日发送计数。键不存在时返回(0, false, nil)，
// 调用方应从持久层刷新权威计数。
func (r *Redis) GetSentToday(ctx context.Context, tenantID string) (int64, bool, error) {
	val, err := r.Client.Get(ctx, quotaKey(tenantID, time.Now())).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// SetSentToday 用权威计数刷新缓存，过期时间为下一个UTC零点
func (r *Redis) SetSentToday(ctx context.Context, tenantID string, count int64) error {
	now := time.Now()
	ttl := time.Until(utils.NextUTCMidnight(now))
	return r.Client.Set(ctx, quotaKey(tenantID, now), count, ttl).Err()
}

// IncrSentToday 发送确认成功后乐观递增计数。
// 高并发下允许短暂超额，由持久层计数定期校准。
func (r *Redis) IncrSentToday(ctx context.Context, tenantID string) error {
	now := time.Now()
	key := quotaKey(tenantID, now)
	pipe := r.Client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, utils.NextUTCMidnight(now))
	_, err := pipe.Exec(ctx)
	return err
}

// --- 消息ID去重 ---

// seenSetKey 构造某租户某业务域的已见消息ID集合键
func seenSetKey(domain, tenantID string) string {
	return constants.SeenMsgSetPrefix + domain + ":" + tenantID
}

// CheckMessageSeen 判断提供商消息ID是否已见（快路径，权威判定在数据库唯一键）
func (r *Redis) CheckMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) (bool, error) {
	return r.Client.SIsMember(ctx, seenSetKey(domain, tenantID), providerMessageID).Result()
}

// AddMessageSeen 将消息ID加入已见集合并刷新保留期
func (r *Redis) AddMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) error {
	key := seenSetKey(domain, tenantID)
	pipe := r.Client.TxPipeline()
	pipe.SAdd(ctx, key, providerMessageID)
	pipe.Expire(ctx, key, time.Duration(r.config.MessageIDExpireDays)*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveMessageSeen 从已见集合移除消息ID（应付域自愈重摄取时使用）
func (r *Redis) RemoveMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) error {
	return r.Client.SRem(ctx, seenSetKey(domain, tenantID), providerMessageID).Err()
}

// --- 轮询互斥锁 ---

// AcquireLock 获取分布式锁，成功返回锁值（释放时校验）
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	lockValue := uuid.New().String()
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return lockValue, nil
}

// ReleaseLock 释放锁，仅当锁值匹配时删除
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, r.Client, []string{lockKey}, lockValue).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
