package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"buildcore-go/internal/config"
	"buildcore-go/internal/storage/models"
)

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	// 配置GORM日志级别
	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true, // 禁用自动外键创建
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true, // 开启预编译语句缓存
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, e := db.DB(); e == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	return m.db.AutoMigrate(
		&models.Tenant{},
		&models.InboxConfig{},
		&models.Supplier{},
		&models.Project{},
		&models.Invoice{},
		&models.Notification{},
		&models.DispatchJob{},
		&models.DeadLetter{},
		&models.InboundEmail{},
		&models.StoredDocument{},
		&models.ExtractedField{},
		&models.ActivityLog{},
		&models.OutboxMessage{},
	)
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- 派发任务 ---

// CreateDispatchJob 持久化一条派发任务行
func (m *MySQL) CreateDispatchJob(ctx context.Context, job *models.DispatchJob) error {
	return m.db.WithContext(ctx).Create(job).Error
}

// GetDispatchJob 按ID取派发任务
func (m *MySQL) GetDispatchJob(ctx context.Context, id uint) (*models.DispatchJob, error) {
	var job models.DispatchJob
	if err := m.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkDispatchProcessing 将任务置为PROCESSING并记录开始时间、尝试次数
func (m *MySQL) MarkDispatchProcessing(ctx context.Context, id uint) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.DispatchProcessing,
			"started_at": &now,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

// MarkDispatchCompleted 标记任务完成
func (m *MySQL) MarkDispatchCompleted(ctx context.Context, id uint) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.DispatchCompleted,
			"completed_at": &now,
			"last_error":   "",
		}).Error
}

// MarkDispatchRetryable 标记可重试失败并记录下次重试时间
func (m *MySQL) MarkDispatchRetryable(ctx context.Context, id uint, errMsg string, nextRetryAt time.Time) error {
	return m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.DispatchFailed,
			"last_error":    errMsg,
			"next_retry_at": &nextRetryAt,
		}).Error
}

// MarkDispatchDead 标记终态失败
func (m *MySQL) MarkDispatchDead(ctx context.Context, id uint, errMsg string) error {
	return m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.DispatchDead,
			"last_error":    errMsg,
			"next_retry_at": nil,
		}).Error
}

// ResetStaleProcessing 将僵死的PROCESSING行复位为PENDING（进程在执行中崩溃）。
// 返回受影响的行数。
func (m *MySQL) ResetStaleProcessing(ctx context.Context, staleBefore time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", models.DispatchProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":     models.DispatchPending,
			"started_at": nil,
		})
	return res.RowsAffected, res.Error
}

// MarkDispatchPending 重置为待执行，清空重试时间戳
func (m *MySQL) MarkDispatchPending(ctx context.Context, id uint) error {
	return m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.DispatchPending,
			"next_retry_at": nil,
			"started_at":    nil,
		}).Error
}

// PendingDispatchJobs 按主键游标分批取PENDING行。入队优先级由内存队列的堆维护，
// 这里只保证遍历不重不漏。
func (m *MySQL) PendingDispatchJobs(ctx context.Context, afterID uint, limit int) ([]models.DispatchJob, error) {
	var jobs []models.DispatchJob
	err := m.db.WithContext(ctx).
		Where("id > ? AND status = ?", afterID, models.DispatchPending).
		Order("id asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// RetryableDispatchJobs 取nextRetryAt已到期的FAILED行（持久层重试扫描路径）
func (m *MySQL) RetryableDispatchJobs(ctx context.Context, limit int) ([]models.DispatchJob, error) {
	var jobs []models.DispatchJob
	now := time.Now()
	err := m.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.DispatchFailed, now).
		Order("priority desc, created_at asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountSentToday 统计租户今日（UTC日界）已完成的发送数，是配额缓存的权威来源
func (m *MySQL) CountSentToday(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	err := m.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("tenant_id = ? AND status = ? AND completed_at >= ?", tenantID, models.DispatchCompleted, dayStart).
		Count(&count).Error
	return count, err
}

// --- 死信 ---

// CreateDeadLetter 写入一条死信存档
func (m *MySQL) CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	return m.db.WithContext(ctx).Create(dl).Error
}

// DeadLetters 列出死信，tenantID为空时返回全部
func (m *MySQL) DeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetter, error) {
	var letters []models.DeadLetter
	q := m.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	err := q.Find(&letters).Error
	return letters, err
}

// GetDeadLetter 按ID取死信
func (m *MySQL) GetDeadLetter(ctx context.Context, id uint) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := m.db.WithContext(ctx).First(&dl, id).Error; err != nil {
		return nil, err
	}
	return &dl, nil
}

// ResolveDeadLetter 标记死信已处理
func (m *MySQL) ResolveDeadLetter(ctx context.Context, id uint, resolvedBy string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{
			"resolved_by": &resolvedBy,
			"resolved_at": &now,
		}).Error
}

// --- 通知领域记录 ---

// CreateNotification 写入通知记录
func (m *MySQL) CreateNotification(ctx context.Context, n *models.Notification) error {
	return m.db.WithContext(ctx).Create(n).Error
}

// MarkNotificationSent 发送成功后更新领域记录
func (m *MySQL) MarkNotificationSent(ctx context.Context, notificationID, providerMessageID string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]interface{}{
			"status":              "SENT",
			"provider_message_id": providerMessageID,
			"sent_at":             &now,
		}).Error
}

// MarkNotificationFailed 标记通知永久失败及原因
func (m *MySQL) MarkNotificationFailed(ctx context.Context, notificationID, reason string) error {
	return m.db.WithContext(ctx).Model(&models.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]interface{}{
			"status":         "FAILED",
			"failure_reason": reason,
		}).Error
}

// BumpNotificationRetry 记录一次重试
func (m *MySQL) BumpNotificationRetry(ctx context.Context, notificationID string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": &now,
		}).Error
}

// --- 收件记录 ---

// EnabledInboxConfigs 列出某业务域启用的收件箱配置
func (m *MySQL) EnabledInboxConfigs(ctx context.Context, domain string) ([]models.InboxConfig, error) {
	var configs []models.InboxConfig
	err := m.db.WithContext(ctx).
		Where("domain = ? AND enabled = ?", domain, true).
		Find(&configs).Error
	return configs, err
}

// FindInboundEmail 按幂等键查收件记录，未找到返回(nil, nil)
func (m *MySQL) FindInboundEmail(ctx context.Context, tenantID, domain, providerMessageID string) (*models.InboundEmail, error) {
	var email models.InboundEmail
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND domain = ? AND provider_message_id = ?", tenantID, domain, providerMessageID).
		First(&email).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// GetInboundEmail 按主键查收件记录
func (m *MySQL) GetInboundEmail(ctx context.Context, id uint) (*models.InboundEmail, error) {
	var email models.InboundEmail
	if err := m.db.WithContext(ctx).First(&email, id).Error; err != nil {
		return nil, err
	}
	return &email, nil
}

// CreateInboundEmail 插入收件记录
func (m *MySQL) CreateInboundEmail(ctx context.Context, email *models.InboundEmail) error {
	return m.db.WithContext(ctx).Create(email).Error
}

// UpdateInboundEmail 更新收件记录的指定字段
func (m *MySQL) UpdateInboundEmail(ctx context.Context, id uint, updates map[string]interface{}) error {
	return m.db.WithContext(ctx).Model(&models.InboundEmail{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// DeleteInboundEmail 删除收件记录及其附件/抽取字段。
// 仅用于应付账款域"已处理但未产出业务记录"的自愈重摄取。
func (m *MySQL) DeleteInboundEmail(ctx context.Context, id uint) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("inbound_email_id = ?", id).Delete(&models.ExtractedField{}).Error; err != nil {
			return err
		}
		if err := tx.Where("inbound_email_id = ?", id).Delete(&models.StoredDocument{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.InboundEmail{}, id).Error
	})
}

// CreateStoredDocument 记录附件存储元数据
func (m *MySQL) CreateStoredDocument(ctx context.Context, doc *models.StoredDocument) error {
	return m.db.WithContext(ctx).Create(doc).Error
}

// GetStoredDocument 按主键查附件存储元数据
func (m *MySQL) GetStoredDocument(ctx context.Context, id uint) (*models.StoredDocument, error) {
	var doc models.StoredDocument
	if err := m.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// StoredDocumentsByEmail 列出某收件记录的全部附件
func (m *MySQL) StoredDocumentsByEmail(ctx context.Context, emailID uint) ([]models.StoredDocument, error) {
	var docs []models.StoredDocument
	err := m.db.WithContext(ctx).Where("inbound_email_id = ?", emailID).Find(&docs).Error
	return docs, err
}

// ReplaceExtractedFields 原子替换一封邮件的抽取字段：先删旧再插新，不做部分合并
func (m *MySQL) ReplaceExtractedFields(ctx context.Context, emailID uint, fields []models.ExtractedField) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("inbound_email_id = ?", emailID).Delete(&models.ExtractedField{}).Error; err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		return tx.Create(&fields).Error
	})
}

// ExtractedFieldsByEmail 列出某收件记录的抽取字段
func (m *MySQL) ExtractedFieldsByEmail(ctx context.Context, emailID uint) ([]models.ExtractedField, error) {
	var fields []models.ExtractedField
	err := m.db.WithContext(ctx).Where("inbound_email_id = ?", emailID).Find(&fields).Error
	return fields, err
}

// AppendActivity 追加一条处理轨迹
func (m *MySQL) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	return m.db.WithContext(ctx).Create(entry).Error
}

// --- 实体匹配 ---

// ActiveSuppliers 列出租户的在用供应商
func (m *MySQL) ActiveSuppliers(ctx context.Context, tenantID string) ([]models.Supplier, error) {
	var suppliers []models.Supplier
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&suppliers).Error
	return suppliers, err
}

// ActiveProjects 列出租户的在用项目
func (m *MySQL) ActiveProjects(ctx context.Context, tenantID string) ([]models.Project, error) {
	var projects []models.Project
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&projects).Error
	return projects, err
}

// --- 发票 ---

// CreateInvoice 创建发票业务记录
func (m *MySQL) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return m.db.WithContext(ctx).Create(invoice).Error
}

// UpdateInvoice 更新发票的指定字段
func (m *MySQL) UpdateInvoice(ctx context.Context, invoiceID string, updates map[string]interface{}) error {
	return m.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("invoice_id = ?", invoiceID).
		Updates(updates).Error
}

// InvoiceExists 判断发票是否存在（未删除）
func (m *MySQL) InvoiceExists(ctx context.Context, invoiceID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("invoice_id = ? AND deleted_at IS NULL", invoiceID).
		Count(&count).Error
	return count > 0, err
}

// --- 发件箱 ---

// CreateOutboxMessage 写入一条待发布的事件
func (m *MySQL) CreateOutboxMessage(ctx context.Context, msg *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Create(msg).Error
}
