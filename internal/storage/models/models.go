package models

import (
	"time"
)

// Tenant 租户（公司）主表
type Tenant struct {
	TenantID  string    `gorm:"type:char(36);primaryKey"`
	Name      string    `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Tenant) TableName() string {
	return "tenants"
}

// InboxConfig 租户收件箱配置，每个业务域一条
type InboxConfig struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	TenantID    string    `gorm:"type:char(36);not null;index:idx_inbox_configs_tenant"`
	Domain      string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_inbox_configs_tenant_domain,priority:2;index:idx_inbox_configs_tenant,priority:2"`
	Address     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_inbox_configs_tenant_domain,priority:1"`
	Enabled     bool      `gorm:"default:true"`
	AutoExtract bool      `gorm:"default:true"` // 是否对首个合格附件自动触发AI抽取
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (InboxConfig) TableName() string {
	return "inbox_configs"
}

// Supplier 供应商表，实体匹配的目标之一
type Supplier struct {
	SupplierID string    `gorm:"type:char(36);primaryKey"`
	TenantID   string    `gorm:"type:char(36);not null;index:idx_suppliers_tenant"`
	Name       string    `gorm:"type:varchar(255);not null"`
	Email      string    `gorm:"type:varchar(255)"`
	Active     bool      `gorm:"default:true;index:idx_suppliers_active"`
	CreatedAt  time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Supplier) TableName() string {
	return "suppliers"
}

// Project 工程项目表，实体匹配的目标之一
type Project struct {
	ProjectID    string    `gorm:"type:char(36);primaryKey"`
	TenantID     string    `gorm:"type:char(36);not null;index:idx_projects_tenant"`
	Name         string    `gorm:"type:varchar(255);not null"`
	ContactEmail string    `gorm:"type:varchar(255)"`
	Active       bool      `gorm:"default:true;index:idx_projects_active"`
	CreatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Project) TableName() string {
	return "projects"
}

// Invoice 由应付收件箱摄取生成的发票业务记录
type Invoice struct {
	InvoiceID      string     `gorm:"type:char(36);primaryKey"`
	TenantID       string     `gorm:"type:char(36);not null;index:idx_invoices_tenant"`
	SupplierID     *string    `gorm:"type:char(36)"`
	ProjectID      *string    `gorm:"type:char(36)"`
	SourceEmailID  *uint      `gorm:"index:idx_invoices_source_email"` // 来源收件记录
	Status         string     `gorm:"type:varchar(30);default:'DRAFT'"`
	RiskScore      int        `gorm:"default:0"` // 0-100，抽取升级时置为高风险
	ReviewNote     string     `gorm:"type:text"`
	RequiresManual bool       `gorm:"default:false"` // 抽取连续失败后需人工完成
	CreatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	DeletedAt      *time.Time `gorm:"index"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// Notification 出站通知的领域记录，状态即面向用户的发送结果
type Notification struct {
	NotificationID    string     `gorm:"type:char(36);primaryKey"`
	TenantID          string     `gorm:"type:char(36);not null;index:idx_notifications_tenant"`
	Kind              string     `gorm:"type:varchar(30);not null"` // mail_register / broadcast / direct_email
	Recipient         string     `gorm:"type:varchar(255);not null"`
	Subject           string     `gorm:"type:varchar(500)"`
	Status            string     `gorm:"type:varchar(20);default:'QUEUED';index:idx_notifications_status"` // QUEUED/SENT/FAILED
	ProviderMessageID string     `gorm:"type:varchar(255)"`
	FailureReason     string     `gorm:"type:text"`
	RetryCount        int        `gorm:"default:0"`
	LastRetryAt       *time.Time `gorm:"type:datetime(6)"`
	SentAt            *time.Time `gorm:"type:datetime(6)"`
	CreatedAt         time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt         time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Notification) TableName() string {
	return "notifications"
}
