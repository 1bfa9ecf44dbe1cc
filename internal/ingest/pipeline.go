package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/constants"
	"buildcore-go/internal/extract"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/mailbox"
	"buildcore-go/internal/storage/models"
	"buildcore-go/pkg/utils"
)

// Store 摄取管道需要的持久层操作
type Store interface {
	EnabledInboxConfigs(ctx context.Context, domain string) ([]models.InboxConfig, error)
	FindInboundEmail(ctx context.Context, tenantID, domain, providerMessageID string) (*models.InboundEmail, error)
	CreateInboundEmail(ctx context.Context, email *models.InboundEmail) error
	UpdateInboundEmail(ctx context.Context, id uint, updates map[string]interface{}) error
	DeleteInboundEmail(ctx context.Context, id uint) error
	CreateStoredDocument(ctx context.Context, doc *models.StoredDocument) error
	StoredDocumentsByEmail(ctx context.Context, emailID uint) ([]models.StoredDocument, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	InvoiceExists(ctx context.Context, invoiceID string) (bool, error)
	UpdateInvoice(ctx context.Context, invoiceID string, updates map[string]interface{}) error
	CreateOutboxMessage(ctx context.Context, msg *models.OutboxMessage) error
}

// Cache 去重快路径与轮询互斥锁，由storage.Redis实现。
// 缓存只是加速：幂等的权威判定永远是数据库唯一索引。
type Cache interface {
	CheckMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) (bool, error)
	AddMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) error
	RemoveMessageSeen(ctx context.Context, domain, tenantID, providerMessageID string) error
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// ObjectStore 附件落盘，由storage.MinIO实现
type ObjectStore interface {
	UploadAttachment(ctx context.Context, domain, tenantID, filename string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, objectName string) error
}

// Extractor AI抽取步骤，由extract.Step实现
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// PollSummary 一次轮询的汇总结果。入口永不抛出，
// 所有单条失败都收敛到Errors里由调用方记录。
type PollSummary struct {
	Found     int      `json:"found"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Options 摄取管道配置
type Options struct {
	MaxPages int           // 单次轮询最多翻页数
	PageSize int           // 每页消息数
	LockTTL  time.Duration // 轮询互斥锁TTL
}

// Pipeline 单个业务域的收件箱摄取管道。
// 每个域一个实例，规则由DomainSpec参数化。
type Pipeline struct {
	spec      DomainSpec
	store     Store
	cache     Cache
	objects   ObjectStore
	provider  mailbox.Provider
	brk       *breaker.Breaker
	extractor Extractor
	opts      Options
}

// NewPipeline 创建摄取管道
func NewPipeline(spec DomainSpec, store Store, cache Cache, objects ObjectStore, provider mailbox.Provider, brk *breaker.Breaker, extractor Extractor, opts Options) *Pipeline {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = constants.DefaultPollLockTTL
	}
	return &Pipeline{
		spec:      spec,
		store:     store,
		cache:     cache,
		objects:   objects,
		provider:  provider,
		brk:       brk,
		extractor: extractor,
		opts:      opts,
	}
}

// Domain 管道所属的业务域名
func (p *Pipeline) Domain() string {
	return p.spec.Name
}

// Poll 轮询入口：遍历所有启用的收件箱配置，逐条摄取新消息。
// 配置之间、消息之间都是顺序处理，单条失败不中断批次。
func (p *Pipeline) Poll(ctx context.Context) *PollSummary {
	summary := &PollSummary{Errors: []string{}}

	lockKey := constants.PollLockPrefix + p.spec.Name
	lockValue, err := p.cache.AcquireLock(ctx, lockKey, p.opts.LockTTL)
	if err != nil {
		logger.Warn().Err(err).Str("domain", p.spec.Name).Msg("获取轮询锁失败，本次继续执行")
	} else if lockValue == "" {
		logger.Info().Str("domain", p.spec.Name).Msg("另一轮询仍在进行，跳过本次")
		return summary
	}
	if lockValue != "" {
		defer func() {
			if _, relErr := p.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey, lockValue); relErr != nil {
				logger.Warn().Err(relErr).Str("domain", p.spec.Name).Msg("释放轮询锁失败")
			}
		}()
	}

	configs, err := p.store.EnabledInboxConfigs(ctx, p.spec.Name)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("查询收件箱配置失败: %v", err))
		return summary
	}

	for i := range configs {
		p.pollInbox(ctx, &configs[i], summary)
	}

	logger.Info().
		Str("domain", p.spec.Name).
		Int("found", summary.Found).
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("收件箱轮询完成")
	return summary
}

// pollInbox 翻页拉取一个收件箱的消息列表并逐条处理
func (p *Pipeline) pollInbox(ctx context.Context, cfg *models.InboxConfig, summary *PollSummary) {
	cursor := ""
	for page := 0; page < p.opts.MaxPages; page++ {
		var msgPage *mailbox.MessagePage
		err := p.brk.Execute(ctx, func(ctx context.Context) error {
			result, listErr := p.provider.ListMessages(ctx, mailbox.ListOptions{
				Cursor:   cursor,
				PageSize: p.opts.PageSize,
			})
			if listErr != nil {
				return listErr
			}
			msgPage = result
			return nil
		})
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("拉取消息列表失败(租户%s 第%d页): %v", cfg.TenantID, page+1, err))
			return
		}

		for i := range msgPage.Messages {
			msg := &msgPage.Messages[i]
			// 收件人地址大小写不敏感匹配，不属于本收件箱的消息直接略过
			if !recipientMatches(msg.To, cfg.Address) {
				continue
			}
			summary.Found++
			p.ingestMessage(ctx, cfg, msg, summary)
		}

		cursor = msgPage.NextCursor
		if cursor == "" {
			return
		}
	}
}

// ingestMessage 摄取一条消息。所有失败都被捕获并计入summary，
// 一条坏消息绝不中断整个批次。
func (p *Pipeline) ingestMessage(ctx context.Context, cfg *models.InboxConfig, msg *mailbox.MessageSummary, summary *PollSummary) {
	dup, err := p.isDuplicate(ctx, cfg.TenantID, msg.ID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("消息%s去重检查失败: %v", msg.ID, err))
		return
	}
	if dup {
		summary.Skipped++
		return
	}

	receivedAt := msg.ReceivedAt
	email := &models.InboundEmail{
		TenantID:          cfg.TenantID,
		Domain:            p.spec.Name,
		ProviderMessageID: msg.ID,
		FromAddress:       msg.From,
		ToAddress:         cfg.Address,
		Subject:           msg.Subject,
		Status:            models.InboundReceived,
		AttachmentCount:   msg.AttachmentCount, // 列表接口的预取值，详情拉到后校准
		ReceivedAt:        &receivedAt,
	}
	if err := p.store.CreateInboundEmail(ctx, email); err != nil {
		// 唯一索引冲突说明并发轮询已抢先摄取，视为跳过
		if isDuplicateKeyError(err) {
			summary.Skipped++
			return
		}
		summary.Errors = append(summary.Errors, fmt.Sprintf("消息%s落库失败: %v", msg.ID, err))
		return
	}

	if cacheErr := p.cache.AddMessageSeen(ctx, p.spec.Name, cfg.TenantID, msg.ID); cacheErr != nil {
		logger.Warn().Err(cacheErr).Str("message_id", msg.ID).Msg("写入去重缓存失败")
	}

	if err := p.processEmail(ctx, cfg, email); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("消息%s处理失败: %v", msg.ID, err))
		p.finishEmail(ctx, email, models.InboundFailed, err.Error(), nil)
		return
	}
	summary.Processed++
}

// isDuplicate 幂等判定。Redis集合是快路径，未命中时查数据库，
// 应付域对"已处理但未产生业务记录"的行执行删除重摄取的自愈例外。
func (p *Pipeline) isDuplicate(ctx context.Context, tenantID, providerMessageID string) (bool, error) {
	seen, err := p.cache.CheckMessageSeen(ctx, p.spec.Name, tenantID, providerMessageID)
	if err != nil {
		logger.Warn().Err(err).Str("message_id", providerMessageID).Msg("去重缓存不可用，回退数据库判定")
	} else if seen && !p.spec.AllowReprocess {
		return true, nil
	}

	existing, err := p.store.FindInboundEmail(ctx, tenantID, p.spec.Name, providerMessageID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	if p.spec.AllowReprocess && existing.Status == models.InboundProcessed && existing.LinkedRecordID == nil {
		// 上次摄取没有留下值得保留的业务记录，删除后重新走完整流程
		logger.Info().
			Uint("email_id", existing.ID).
			Str("message_id", providerMessageID).
			Msg("已处理但未关联业务记录，删除重摄取")
		p.removeStoredObjects(ctx, existing.ID)
		if err := p.store.DeleteInboundEmail(ctx, existing.ID); err != nil {
			return false, fmt.Errorf("删除待重摄取的收件记录失败: %w", err)
		}
		if err := p.cache.RemoveMessageSeen(ctx, p.spec.Name, tenantID, providerMessageID); err != nil {
			logger.Warn().Err(err).Str("message_id", providerMessageID).Msg("清除去重缓存失败")
		}
		return false, nil
	}
	return true, nil
}

// removeStoredObjects 重摄取前清理上次落盘的对象，避免孤儿附件。
// 清理失败只记日志，对象会由存储桶的生命周期规则兜底过期。
func (p *Pipeline) removeStoredObjects(ctx context.Context, emailID uint) {
	docs, err := p.store.StoredDocumentsByEmail(ctx, emailID)
	if err != nil {
		logger.Warn().Err(err).Uint("email_id", emailID).Msg("查询待清理文档失败")
		return
	}
	for i := range docs {
		if err := p.objects.Delete(ctx, docs[i].StorageKey); err != nil {
			logger.Warn().Err(err).Str("storage_key", docs[i].StorageKey).Msg("清理对象存储附件失败")
		}
	}
}

// processEmail 拉取详情、分类附件、落盘并触发抽取
func (p *Pipeline) processEmail(ctx context.Context, cfg *models.InboxConfig, email *models.InboundEmail) error {
	var detail *mailbox.MessageDetail
	err := p.brk.Execute(ctx, func(ctx context.Context) error {
		result, getErr := p.provider.GetMessage(ctx, email.ProviderMessageID)
		if getErr != nil {
			return getErr
		}
		detail = result
		return nil
	})
	if err != nil {
		return fmt.Errorf("拉取消息详情失败: %w", err)
	}

	relevant := classifyAttachments(p.spec, detail.Attachments)
	if err := p.store.UpdateInboundEmail(ctx, email.ID, map[string]interface{}{
		"attachment_count": len(detail.Attachments),
		"status":           models.InboundProcessing,
	}); err != nil {
		logger.Warn().Err(err).Uint("email_id", email.ID).Msg("更新附件计数失败")
	}

	if len(relevant) == 0 {
		return p.handleNoAttachments(ctx, cfg, email, detail)
	}

	stored := 0
	var extractResult *extract.Result
	for i := range relevant {
		att := &relevant[i]
		data, storeErr := p.storeAttachment(ctx, email, att)
		if storeErr != nil {
			logger.Error().Err(storeErr).
				Uint("email_id", email.ID).
				Str("filename", att.Filename).
				Msg("附件落盘失败")
			continue
		}
		stored++

		// 只对首个合格附件做内联抽取，其余附件仅落盘
		if stored == 1 && cfg.AutoExtract && p.extractor != nil {
			result, exErr := p.runExtraction(ctx, email, detail, att, data)
			if exErr != nil {
				logger.Warn().Err(exErr).Uint("email_id", email.ID).Msg("附件抽取失败")
			} else {
				extractResult = result
			}
		}
	}

	if stored == 0 {
		return fmt.Errorf("所有附件落盘均失败")
	}

	linked := p.createDomainRecord(ctx, email, extractResult)
	p.finishEmail(ctx, email, models.InboundProcessed, "", linked)
	return nil
}

// handleNoAttachments 无合格附件的分支：支持正文抽取的域仍然尝试从正文抽取
func (p *Pipeline) handleNoAttachments(ctx context.Context, cfg *models.InboxConfig, email *models.InboundEmail, detail *mailbox.MessageDetail) error {
	var linked *string
	if p.spec.BodyExtraction && cfg.AutoExtract && p.extractor != nil && strings.TrimSpace(detail.BodyText) != "" {
		result, err := p.extractor.Extract(ctx, extract.Request{
			TenantID:    email.TenantID,
			EmailID:     email.ID,
			Domain:      p.spec.Name,
			SenderEmail: email.FromAddress,
			BodyText:    detail.BodyText,
			Source:      "body",
		})
		if err != nil {
			logger.Warn().Err(err).Uint("email_id", email.ID).Msg("正文抽取失败")
		} else {
			linked = p.createDomainRecord(ctx, email, result)
			p.finishEmail(ctx, email, models.InboundProcessed, "", linked)
			return nil
		}
	}

	p.finishEmail(ctx, email, p.spec.NoAttachmentStatus, "", nil)
	return nil
}

// storeAttachment 下载附件并写入对象存储，返回附件内容供内联抽取
func (p *Pipeline) storeAttachment(ctx context.Context, email *models.InboundEmail, att *mailbox.Attachment) ([]byte, error) {
	var data []byte
	err := p.brk.Execute(ctx, func(ctx context.Context) error {
		content, dlErr := p.provider.DownloadAttachment(ctx, att)
		if dlErr != nil {
			return dlErr
		}
		data = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("下载附件失败: %w", err)
	}

	key, err := p.objects.UploadAttachment(ctx, p.spec.Name, email.TenantID, att.Filename, data, att.MimeType)
	if err != nil {
		return nil, fmt.Errorf("上传对象存储失败: %w", err)
	}

	doc := &models.StoredDocument{
		TenantID:       email.TenantID,
		InboundEmailID: email.ID,
		Filename:       att.Filename,
		MimeType:       att.MimeType,
		SizeBytes:      int64(len(data)),
		ContentMD5:     utils.CalculateMD5(data),
		StorageKey:     key,
	}
	if err := p.store.CreateStoredDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("记录存储文档失败: %w", err)
	}
	return data, nil
}

// runExtraction 对首个合格附件执行AI抽取
func (p *Pipeline) runExtraction(ctx context.Context, email *models.InboundEmail, detail *mailbox.MessageDetail, att *mailbox.Attachment, data []byte) (*extract.Result, error) {
	req := extract.Request{
		TenantID:    email.TenantID,
		EmailID:     email.ID,
		Domain:      p.spec.Name,
		SenderEmail: email.FromAddress,
		Filename:    att.Filename,
		BodyText:    detail.BodyText,
		Source:      "attachment",
	}
	switch {
	case strings.HasSuffix(strings.ToLower(att.Filename), ".pdf"):
		req.PDFContent = data
	case isRasterImage(att.Filename):
		req.ImageContent = data
		req.ImageMIME = att.MimeType
	default:
		// CAD等二进制格式不送模型，退回正文抽取
		req.Source = "body"
	}
	return p.extractor.Extract(ctx, req)
}

// finishEmail 写入终态和处理轨迹
func (p *Pipeline) finishEmail(ctx context.Context, email *models.InboundEmail, status, failureReason string, linkedRecordID *string) {
	updates := map[string]interface{}{"status": status}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	if linkedRecordID != nil {
		updates["linked_record_id"] = *linkedRecordID
	}
	if err := p.store.UpdateInboundEmail(ctx, email.ID, updates); err != nil {
		logger.Error().Err(err).Uint("email_id", email.ID).Msg("更新收件记录终态失败")
	}

	detail := fmt.Sprintf("域=%s 状态=%s", p.spec.Name, status)
	if failureReason != "" {
		detail += " 原因=" + failureReason
	}
	entry := &models.ActivityLog{
		TenantID:       email.TenantID,
		InboundEmailID: &email.ID,
		RecordID:       linkedRecordID,
		Action:         "inbound_email_" + strings.ToLower(status),
		Detail:         detail,
	}
	if err := p.store.AppendActivity(ctx, entry); err != nil {
		logger.Warn().Err(err).Uint("email_id", email.ID).Msg("写入处理轨迹失败")
	}
}

// recipientMatches 收件人地址大小写不敏感匹配
func recipientMatches(to []string, address string) bool {
	for _, addr := range to {
		if strings.EqualFold(strings.TrimSpace(addr), address) {
			return true
		}
	}
	return false
}

// isDuplicateKeyError 判定唯一索引冲突
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "duplicate key")
}
