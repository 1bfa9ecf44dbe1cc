package breaker

import (
	"sync"
	"time"

	"buildcore-go/internal/config"
)

// Registry 进程级的熔断器注册表。
// 所有熔断器在进程启动时创建一次，通过依赖注入传递，不使用包级单例。
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*Breaker
	defaults Options
}

// NewRegistry 根据配置创建注册表，未配置的依赖使用默认参数
func NewRegistry(cfgs map[string]config.BreakerConfig) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		defaults: Options{
			FailureThreshold:    3,
			ResetTimeout:        30 * time.Second,
			HalfOpenMaxAttempts: 2,
		},
	}
	for name, cfg := range cfgs {
		r.breakers[name] = New(name, Options{
			FailureThreshold:    cfg.FailureThreshold,
			ResetTimeout:        cfg.ResetTimeoutDuration(),
			HalfOpenMaxAttempts: cfg.HalfOpenMaxAttempts,
		})
	}
	return r
}

// Get 返回指定依赖的熔断器，不存在时按默认参数创建
func (r *Registry) Get(name string) *Breaker {
	r.mutex.RLock()
	b, ok := r.breakers[name]
	r.mutex.RUnlock()
	if ok {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults)
	r.breakers[name] = b
	return b
}

// Stats 返回所有熔断器的计数快照
func (r *Registry) Stats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
