package models

import (
	"time"
)

// 收件记录状态
const (
	InboundReceived         = "RECEIVED"
	InboundProcessing       = "PROCESSING"
	InboundProcessed        = "PROCESSED"
	InboundFailed           = "FAILED"
	InboundNoAttachments    = "NO_ATTACHMENTS"
	InboundNoPDFAttachments = "NO_PDF_ATTACHMENTS"
)

// InboundEmail 一封已被摄取的入站邮件。
// (tenant_id, domain, provider_message_id)唯一，是防止重复摄取的幂等键。
type InboundEmail struct {
	ID                uint       `gorm:"primaryKey;autoIncrement"`
	TenantID          string     `gorm:"type:char(36);not null;uniqueIndex:idx_inbound_emails_dedup,priority:1"`
	Domain            string     `gorm:"type:varchar(20);not null;uniqueIndex:idx_inbound_emails_dedup,priority:2"`
	ProviderMessageID string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_inbound_emails_dedup,priority:3"`
	FromAddress       string     `gorm:"type:varchar(255)"`
	ToAddress         string     `gorm:"type:varchar(255)"`
	Subject           string     `gorm:"type:varchar(998)"` // RFC 5322行长上限
	Status            string     `gorm:"type:varchar(30);default:'RECEIVED';index:idx_inbound_emails_status"`
	AttachmentCount   int        `gorm:"default:0"`
	LinkedRecordID    *string    `gorm:"type:char(36)"` // 由此邮件生成的业务记录（如发票）
	FailureReason     string     `gorm:"type:text"`
	ReceivedAt        *time.Time `gorm:"type:datetime(6)"`
	CreatedAt         time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt         time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (InboundEmail) TableName() string {
	return "inbound_emails"
}

// StoredDocument 收件附件的存储元数据，写入后不再变更
type StoredDocument struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	TenantID       string    `gorm:"type:char(36);not null;index:idx_stored_documents_tenant"`
	InboundEmailID uint      `gorm:"not null;index:idx_stored_documents_email"`
	Filename       string    `gorm:"type:varchar(255);not null"`
	MimeType       string    `gorm:"type:varchar(100)"`
	SizeBytes      int64     `gorm:"default:0"`
	ContentMD5     string    `gorm:"type:char(32)"`
	StorageKey     string    `gorm:"type:varchar(500);not null"` // <domain>/<tenantID>/<uuid>.<ext>
	CreatedAt      time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (StoredDocument) TableName() string {
	return "stored_documents"
}

// ExtractedField AI抽取出的键值对。每次抽取整组替换，绝不合并两次运行的结果。
type ExtractedField struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	TenantID       string    `gorm:"type:char(36);not null"`
	InboundEmailID uint      `gorm:"not null;index:idx_extracted_fields_email"`
	FieldKey       string    `gorm:"type:varchar(100);not null"`
	FieldValue     string    `gorm:"type:text"`
	Confidence     float64   `gorm:"default:0"`
	Source         string    `gorm:"type:varchar(50)"` // attachment / body / fallback
	CreatedAt      time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ExtractedField) TableName() string {
	return "extracted_fields"
}

// ActivityLog 仅追加的处理轨迹，不更新不删除
type ActivityLog struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	TenantID       string    `gorm:"type:char(36);not null;index:idx_activity_logs_tenant"`
	InboundEmailID *uint     `gorm:"index:idx_activity_logs_email"`
	RecordID       *string   `gorm:"type:char(36)"`
	Action         string    `gorm:"type:varchar(100);not null"`
	Detail         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ActivityLog) TableName() string {
	return "activity_logs"
}
