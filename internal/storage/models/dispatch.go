package models

import (
	"time"

	"gorm.io/datatypes"
)

// 持久派发任务状态
const (
	DispatchPending    = "PENDING"
	DispatchProcessing = "PROCESSING"
	DispatchCompleted  = "COMPLETED"
	DispatchFailed     = "FAILED" // 可重试失败，等待nextRetryAt
	DispatchDead       = "DEAD"   // 终态，已生成死信
)

// DispatchJob 出站通知的持久任务行。
// 每条发送尝试链对应且仅对应一行；崩溃后内存队列状态必须能从此表还原。
type DispatchJob struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	TenantID    string         `gorm:"type:char(36);not null;index:idx_dispatch_jobs_tenant"`
	Kind        string         `gorm:"type:varchar(30);not null"`
	ReferenceID string         `gorm:"type:char(36);index:idx_dispatch_jobs_reference"` // 对应的Notification ID
	Payload     datatypes.JSON `gorm:"type:json;not null"`
	Status      string         `gorm:"type:varchar(20);default:'PENDING';index:idx_dispatch_jobs_status"`
	Priority    int            `gorm:"default:0"`
	Attempts    int            `gorm:"default:0"`
	MaxAttempts int            `gorm:"default:3"`
	NextRetryAt *time.Time     `gorm:"type:datetime(6);index:idx_dispatch_jobs_next_retry"`
	LastError   string         `gorm:"type:text"`
	StartedAt   *time.Time     `gorm:"type:datetime(6)"` // 最近一次进入PROCESSING的时间，僵死判定依据
	CompletedAt *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt   time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt   time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (DispatchJob) TableName() string {
	return "dispatch_jobs"
}

// DeadLetter 重试耗尽的派发任务的不可变存档，仅运维可见
type DeadLetter struct {
	ID            uint           `gorm:"primaryKey;autoIncrement"`
	TenantID      string         `gorm:"type:char(36);not null;index:idx_dead_letters_tenant"`
	DispatchJobID uint           `gorm:"not null;index:idx_dead_letters_job"`
	Kind          string         `gorm:"type:varchar(30);not null"`
	Payload       datatypes.JSON `gorm:"type:json;not null"` // 原始派发载荷，重投时原样复用
	LastError     string         `gorm:"type:text"`
	Attempts      int            `gorm:"default:0"`
	ResolvedBy    *string        `gorm:"type:varchar(255)"`
	ResolvedAt    *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt     time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}
