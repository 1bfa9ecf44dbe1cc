package extract

import "sync"

// escalationTracker 进程内的连续失败计数器，按收件记录ID维度统计。
// 进程重启后计数归零是可接受的：升级只是防止无限自动重试的保险丝，
// 权威状态在数据库的业务记录上。
type escalationTracker struct {
	mutex    sync.Mutex
	failures map[uint]int
	max      int
}

func newEscalationTracker(max int) *escalationTracker {
	if max <= 0 {
		max = 3
	}
	return &escalationTracker{
		failures: make(map[uint]int),
		max:      max,
	}
}

// recordFailure 记一次失败，返回累计次数和是否达到升级阈值
func (t *escalationTracker) recordFailure(emailID uint) (int, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.failures[emailID]++
	count := t.failures[emailID]
	return count, count >= t.max
}

// clear 成功后清零计数
func (t *escalationTracker) clear(emailID uint) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.failures, emailID)
}

// escalated 是否已达到阈值，达到后不再自动尝试
func (t *escalationTracker) escalated(emailID uint) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.failures[emailID] >= t.max
}
