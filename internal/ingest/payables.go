package ingest

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"buildcore-go/internal/constants"
	"buildcore-go/internal/extract"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/storage/models"
)

// EscalatedRiskScore 抽取升级后钉死的风险分
const EscalatedRiskScore = 90

// createDomainRecord 抽取完成后的域内业务记录生成。
// 目前只有应付域从摄取直接生成记录（发票草稿），
// 其他域的记录由人工在各自工作台创建。返回生成的记录ID。
func (p *Pipeline) createDomainRecord(ctx context.Context, email *models.InboundEmail, result *extract.Result) *string {
	if p.spec.Name != constants.DomainPayables || result == nil {
		return nil
	}

	// 重抽取路径：收件记录已关联发票时原位刷新，不制造重复草稿
	if email.LinkedRecordID != nil {
		if exists, err := p.store.InvoiceExists(ctx, *email.LinkedRecordID); err == nil && exists {
			return p.refreshInvoice(ctx, email, result)
		}
	}

	invoice := &models.Invoice{
		InvoiceID:     uuid.New().String(),
		TenantID:      email.TenantID,
		SourceEmailID: &email.ID,
		Status:        "DRAFT",
	}

	if result.Escalated {
		invoice.RiskScore = EscalatedRiskScore
		invoice.ReviewNote = result.FailureNote
		invoice.RequiresManual = true
	} else {
		invoice.SupplierID = result.SupplierID
		invoice.ProjectID = result.ProjectID
		if result.UsedFallback {
			invoice.ReviewNote = "模型输出未能结构化，字段需人工核对"
			invoice.RequiresManual = true
		}
	}

	if err := p.store.CreateInvoice(ctx, invoice); err != nil {
		logger.Error().Err(err).Uint("email_id", email.ID).Msg("创建发票草稿失败")
		return nil
	}

	p.publishInvoiceCreated(ctx, email, invoice)

	logger.Info().
		Str("invoice_id", invoice.InvoiceID).
		Uint("email_id", email.ID).
		Bool("requires_manual", invoice.RequiresManual).
		Msg("发票草稿已生成")
	return &invoice.InvoiceID
}

// refreshInvoice 用新一轮抽取结果覆盖已有发票草稿的匹配与风控字段
func (p *Pipeline) refreshInvoice(ctx context.Context, email *models.InboundEmail, result *extract.Result) *string {
	invoiceID := *email.LinkedRecordID
	updates := map[string]interface{}{}
	if result.Escalated {
		updates["risk_score"] = EscalatedRiskScore
		updates["review_note"] = result.FailureNote
		updates["requires_manual"] = true
	} else {
		updates["supplier_id"] = result.SupplierID
		updates["project_id"] = result.ProjectID
		if result.UsedFallback {
			updates["review_note"] = "模型输出未能结构化，字段需人工核对"
			updates["requires_manual"] = true
		} else {
			updates["risk_score"] = 0
			updates["review_note"] = ""
			updates["requires_manual"] = false
		}
	}

	if err := p.store.UpdateInvoice(ctx, invoiceID, updates); err != nil {
		logger.Error().Err(err).Str("invoice_id", invoiceID).Msg("刷新发票草稿失败")
		return nil
	}

	logger.Info().
		Str("invoice_id", invoiceID).
		Uint("email_id", email.ID).
		Msg("发票草稿已按重抽取结果刷新")
	return &invoiceID
}

// publishInvoiceCreated 通过事务发件箱发布发票创建事件，
// 由中继异步投递到RabbitMQ
func (p *Pipeline) publishInvoiceCreated(ctx context.Context, email *models.InboundEmail, invoice *models.Invoice) {
	payload, err := json.Marshal(map[string]interface{}{
		"invoice_id":      invoice.InvoiceID,
		"tenant_id":       invoice.TenantID,
		"source_email_id": email.ID,
		"requires_manual": invoice.RequiresManual,
		"risk_score":      invoice.RiskScore,
	})
	if err != nil {
		logger.Error().Err(err).Str("invoice_id", invoice.InvoiceID).Msg("序列化发票事件失败")
		return
	}

	msg := &models.OutboxMessage{
		AggregateID:      invoice.InvoiceID,
		EventType:        "invoice.created",
		Payload:          string(payload),
		TargetExchange:   constants.ExchangeDomainEvents,
		TargetRoutingKey: "invoice.created",
	}
	if err := p.store.CreateOutboxMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Str("invoice_id", invoice.InvoiceID).Msg("写入发件箱失败")
	}
}
