package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"buildcore-go/internal/constants"
	"buildcore-go/internal/extract"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/queue"
	"buildcore-go/internal/storage/models"
)

// Downloader 从对象存储取回已落盘的附件，由storage.MinIO实现
type Downloader interface {
	Download(ctx context.Context, objectName string) ([]byte, error)
}

// ExtractStore 重抽取额外需要的查询
type ExtractStore interface {
	GetInboundEmail(ctx context.Context, id uint) (*models.InboundEmail, error)
	StoredDocumentsByEmail(ctx context.Context, emailID uint) ([]models.StoredDocument, error)
}

type reExtractPayload struct {
	EmailID uint `json:"email_id"`
}

// reExtractJobType 每个域独立的任务类型，避免多管道在同一队列上互相覆盖
func (p *Pipeline) reExtractJobType() string {
	return constants.JobTypeExtract + ":" + p.spec.Name
}

// RegisterReExtract 在AI抽取队列上注册本域的重抽取处理器。
// 抽取队列并发度低于发送队列，AI负载单独限界。
func (p *Pipeline) RegisterReExtract(q *queue.Queue, store ExtractStore, downloader Downloader) {
	q.Register(p.reExtractJobType(), func(ctx context.Context, raw []byte) error {
		var payload reExtractPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Error().Err(err).Msg("重抽取任务载荷损坏")
			return nil
		}
		return p.reExtract(ctx, store, downloader, payload.EmailID)
	})
}

// EnqueueReExtract 把一封已摄取的邮件重新送入抽取队列。
// 运维在人工修正后触发，走与摄取相同的抽取/匹配/记录生成路径。
func (p *Pipeline) EnqueueReExtract(q *queue.Queue, emailID uint) (string, error) {
	body, err := json.Marshal(reExtractPayload{EmailID: emailID})
	if err != nil {
		return "", err
	}
	return q.Enqueue(p.reExtractJobType(), body, 0)
}

func (p *Pipeline) reExtract(ctx context.Context, store ExtractStore, downloader Downloader, emailID uint) error {
	if p.extractor == nil {
		return fmt.Errorf("未配置AI抽取，无法重抽取")
	}
	email, err := store.GetInboundEmail(ctx, emailID)
	if err != nil {
		return fmt.Errorf("加载收件记录 %d 失败: %w", emailID, err)
	}
	if email.Domain != p.spec.Name {
		logger.Warn().Uint("email_id", emailID).Str("domain", email.Domain).Msg("收件记录不属于本域，跳过重抽取")
		return nil
	}

	docs, err := store.StoredDocumentsByEmail(ctx, emailID)
	if err != nil {
		return fmt.Errorf("查询已存文档失败: %w", err)
	}

	req := extract.Request{
		TenantID:    email.TenantID,
		EmailID:     email.ID,
		Domain:      p.spec.Name,
		SenderEmail: email.FromAddress,
		Source:      "body",
	}

	// 优先取首个PDF，其次是图像扫描件。正文摄取时未持久化，无文档即失败。
	doc := pickReExtractDoc(docs)
	if doc == nil {
		return fmt.Errorf("收件记录 %d 没有可重抽取的文档", emailID)
	}
	data, dlErr := downloader.Download(ctx, doc.StorageKey)
	if dlErr != nil {
		return fmt.Errorf("下载文档 %s 失败: %w", doc.StorageKey, dlErr)
	}
	req.Filename = doc.Filename
	req.Source = "attachment"
	if strings.HasSuffix(strings.ToLower(doc.Filename), ".pdf") {
		req.PDFContent = data
	} else {
		req.ImageContent = data
		req.ImageMIME = doc.MimeType
	}

	result, err := p.extractor.Extract(ctx, req)
	if err != nil {
		return fmt.Errorf("重抽取失败: %w", err)
	}

	linked := p.createDomainRecord(ctx, email, result)
	p.finishEmail(ctx, email, models.InboundProcessed, "", linked)
	return nil
}

func pickReExtractDoc(docs []models.StoredDocument) *models.StoredDocument {
	for i := range docs {
		if strings.HasSuffix(strings.ToLower(docs[i].Filename), ".pdf") {
			return &docs[i]
		}
	}
	for i := range docs {
		if isRasterImage(docs[i].Filename) {
			return &docs[i]
		}
	}
	return nil
}
