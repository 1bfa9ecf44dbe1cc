package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildcore-go/internal/logger"
)

// State 熔断器状态
type State string

const (
	// StateClosed 闭合状态：调用正常放行
	StateClosed State = "CLOSED"
	// StateOpen 断开状态：调用被直接拒绝
	StateOpen State = "OPEN"
	// StateHalfOpen 半开状态：放行有限次探测调用
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen 熔断器处于断开状态且未提供降级函数时返回
var ErrCircuitOpen = errors.New("熔断器断开，依赖不可用")

// Options 单个熔断器的配置
type Options struct {
	FailureThreshold    int           // 连续失败多少次后断开
	ResetTimeout        time.Duration // 断开后多久允许半开探测
	HalfOpenMaxAttempts int           // 半开状态最多放行的探测次数
}

// Stats 熔断器运行计数快照
type Stats struct {
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	TotalCalls       int64      `json:"total_calls"`
	TotalFailures    int64      `json:"total_failures"`
	TotalSuccesses   int64      `json:"total_successes"`
	TotalRejected    int64      `json:"total_rejected"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time `json:"last_success_time,omitempty"`
	HalfOpenAttempts int        `json:"half_open_attempts"`
}

// Breaker 按依赖实例化的熔断器。
// 状态只能由持有它的实例变更，所有转移都在互斥锁内完成。
type Breaker struct {
	name string
	opts Options

	mutex            sync.Mutex
	state            State
	failures         int // 连续失败计数，成功时递减（下限0）
	halfOpenAttempts int
	lastFailureTime  time.Time
	lastSuccessTime  time.Time

	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New 创建一个熔断器实例
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.HalfOpenMaxAttempts <= 0 {
		opts.HalfOpenMaxAttempts = 2
	}
	return &Breaker{
		name:  name,
		opts:  opts,
		state: StateClosed,
	}
}

// Name 返回熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Execute 通过熔断器执行fn。断开状态下直接返回ErrCircuitOpen。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.ExecuteWithFallback(ctx, fn, nil)
}

// ExecuteWithFallback 通过熔断器执行fn；断开状态下如提供fallback则调用降级函数
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// admit 判断当前调用是否放行，必要时完成OPEN→HALF_OPEN转移
func (b *Breaker) admit() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.opts.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenAttempts = 1
			return nil
		}
		b.totalRejected++
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenAttempts < b.opts.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			return nil
		}
		b.totalRejected++
		return ErrCircuitOpen
	}
	return nil
}

// record 根据调用结果推进状态机
func (b *Breaker) record(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err != nil {
		b.totalFailures++
		b.lastFailureTime = time.Now()

		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.opts.FailureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			// 半开探测失败立即回到断开状态
			b.halfOpenAttempts = 0
			b.transition(StateOpen)
		}
		return
	}

	b.totalSuccesses++
	b.lastSuccessTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	case StateHalfOpen:
		b.failures = 0
		b.halfOpenAttempts = 0
		b.transition(StateClosed)
	}
}

// transition 执行状态转移并记录日志，调用方必须已持有锁
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	logger.Warn().
		Str("breaker", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("熔断器状态转移")
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Stats 返回运行计数快照
func (b *Breaker) Stats() Stats {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	s := Stats{
		State:            b.state,
		Failures:         b.failures,
		TotalCalls:       b.totalCalls,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		TotalRejected:    b.totalRejected,
		HalfOpenAttempts: b.halfOpenAttempts,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	if !b.lastSuccessTime.IsZero() {
		t := b.lastSuccessTime
		s.LastSuccessTime = &t
	}
	return s
}
