package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildcore-go/internal/logger"
)

// Status 内存任务状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
)

var (
	// ErrNoHandler 任务类型没有注册处理器
	ErrNoHandler = errors.New("任务类型未注册处理器")
	// ErrStopped 队列已停止
	ErrStopped = errors.New("队列已停止")
)

// Handler 任务处理函数。payload为入队时的原始字节。
type Handler func(ctx context.Context, payload []byte) error

// Job 队列内部的任务单元，由队列独占持有
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	Status      Status
	Priority    int
	Attempts    int
	MaxAttempts int
	seq         uint64 // 入队序号，同优先级按此FIFO
	LastError   string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Stats 队列的唯一观测面
type Stats struct {
	Pending        int            `json:"pending"`
	Running        int            `json:"running"`
	Processed      int64          `json:"processed"`
	Failed         int64          `json:"failed"`
	Evicted        int64          `json:"evicted"`
	ByStatus       map[Status]int `json:"by_status"`
	RegisteredJobs []string       `json:"registered_types"`
}

// Options 队列配置
type Options struct {
	Name        string
	Concurrency int           // 同时RUNNING的处理器上限
	Capacity    int           // PENDING积压上限，超出时逐出最老的PENDING任务
	MaxAttempts int           // 默认最大尝试次数
	RetryDelay  time.Duration // 线性退避基准：retryDelay × attempt
	Retention   time.Duration // COMPLETED/FAILED任务的保留时间
}

// Queue 带优先级和重试的内存任务队列
type Queue struct {
	opts Options

	mutex    sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*Job
	pending  pendingHeap
	running  int
	seq      uint64

	processed int64
	failed    int64
	evicted   int64

	timers  map[string]*time.Timer // 待重试任务的定时器
	stopped bool
	wg      sync.WaitGroup

	purgeDone chan struct{}
}

// New 创建队列并启动后台清扫
func New(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}

	q := &Queue{
		opts:      opts,
		handlers:  make(map[string]Handler),
		jobs:      make(map[string]*Job),
		timers:    make(map[string]*time.Timer),
		purgeDone: make(chan struct{}),
	}
	go q.purgeLoop()
	return q
}

// Register 注册任务处理器，重复注册覆盖旧的
func (q *Queue) Register(jobType string, handler Handler) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue 入队一个任务并立即返回任务ID。
// 未注册处理器时快速失败；积压到达上限时逐出最老的PENDING任务。
func (q *Queue) Enqueue(jobType string, payload []byte, priority int) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		return "", ErrStopped
	}
	if _, ok := q.handlers[jobType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}

	if q.pending.Len() >= q.opts.Capacity {
		q.evictOldestLocked()
	}

	q.seq++
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    priority,
		MaxAttempts: q.opts.MaxAttempts,
		seq:         q.seq,
		CreatedAt:   time.Now(),
	}
	q.jobs[job.ID] = job
	heap.Push(&q.pending, job)

	q.dispatchLocked()
	return job.ID, nil
}

// Job 返回任务的当前快照副本，不存在时返回nil
func (q *Queue) Job(id string) *Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// evictOldestLocked 逐出入队最早的PENDING任务（负载削峰，不影响RUNNING任务）
func (q *Queue) evictOldestLocked() {
	oldest := -1
	for i, j := range q.pending {
		if oldest == -1 || j.seq < q.pending[oldest].seq {
			oldest = i
		}
	}
	if oldest == -1 {
		return
	}
	victim := heap.Remove(&q.pending, oldest).(*Job)
	delete(q.jobs, victim.ID)
	q.evicted++
	logger.Warn().
		Str("queue", q.opts.Name).
		Str("job_id", victim.ID).
		Str("job_type", victim.Type).
		Msg("队列积压已满，逐出最老的待处理任务")
}

// dispatchLocked 在并发上限内尽量启动更多任务，调用方必须持有锁
func (q *Queue) dispatchLocked() {
	for q.running < q.opts.Concurrency && q.pending.Len() > 0 {
		job := heap.Pop(&q.pending).(*Job)
		job.Status = StatusRunning
		job.Attempts++
		job.StartedAt = time.Now()
		q.running++

		handler := q.handlers[job.Type]
		q.wg.Add(1)
		go q.run(job, handler)
	}
}

// run 执行单个任务并根据结果推进状态
func (q *Queue) run(job *Job, handler Handler) {
	defer q.wg.Done()

	err := handler(context.Background(), job.Payload)

	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.running--

	if err == nil {
		job.Status = StatusCompleted
		job.FinishedAt = time.Now()
		q.processed++
		q.dispatchLocked()
		return
	}

	job.LastError = err.Error()

	if job.Attempts < job.MaxAttempts {
		job.Status = StatusRetrying
		delay := q.opts.RetryDelay * time.Duration(job.Attempts)
		logger.Debug().
			Str("queue", q.opts.Name).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("delay", delay).
			Msg("任务失败，安排重试")
		q.scheduleRetryLocked(job, delay)
	} else {
		job.Status = StatusFailed
		job.FinishedAt = time.Now()
		q.failed++
		logger.Error().
			Str("queue", q.opts.Name).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Int("attempts", job.Attempts).
			Str("error", job.LastError).
			Msg("任务重试耗尽，标记为失败")
	}

	q.dispatchLocked()
}

// scheduleRetryLocked 在延迟后把任务放回PENDING，调用方必须持有锁
func (q *Queue) scheduleRetryLocked(job *Job, delay time.Duration) {
	if q.stopped {
		return
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mutex.Lock()
		defer q.mutex.Unlock()
		delete(q.timers, job.ID)
		if q.stopped || job.Status != StatusRetrying {
			return
		}
		job.Status = StatusPending
		heap.Push(&q.pending, job)
		q.dispatchLocked()
	})
}

// purgeLoop 周期性清理超过保留时间的终态任务
func (q *Queue) purgeLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-q.purgeDone:
			return
		case <-ticker.C:
			q.purge()
		}
	}
}

func (q *Queue) purge() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	cutoff := time.Now().Add(-q.opts.Retention)
	for id, job := range q.jobs {
		if (job.Status == StatusCompleted || job.Status == StatusFailed) && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// Stats 返回队列的运行统计
func (q *Queue) Stats() Stats {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	byStatus := make(map[Status]int)
	for _, job := range q.jobs {
		byStatus[job.Status]++
	}
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}

	return Stats{
		Pending:        q.pending.Len(),
		Running:        q.running,
		Processed:      q.processed,
		Failed:         q.failed,
		Evicted:        q.evicted,
		ByStatus:       byStatus,
		RegisteredJobs: types,
	}
}

// Stop 停止接收新任务，取消待重试的定时器并等待RUNNING任务结束
func (q *Queue) Stop() {
	q.mutex.Lock()
	if q.stopped {
		q.mutex.Unlock()
		return
	}
	q.stopped = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mutex.Unlock()

	close(q.purgeDone)
	q.wg.Wait()
}

// pendingHeap 按(优先级降序, 入队序号升序)排序的堆
type pendingHeap []*Job

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*Job))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
