package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"buildcore-go/internal/constants"
	"buildcore-go/internal/logger"
	"buildcore-go/internal/storage/models"
)

// FallbackFieldKey 模型输出无法解析为JSON时，原始文本存入的字段键
const FallbackFieldKey = "raw_response"

// Store 抽取步骤需要的持久层操作
type Store interface {
	ReplaceExtractedFields(ctx context.Context, emailID uint, fields []models.ExtractedField) error
	ActiveSuppliers(ctx context.Context, tenantID string) ([]models.Supplier, error)
	ActiveProjects(ctx context.Context, tenantID string) ([]models.Project, error)
}

// Request 一次文档抽取请求
type Request struct {
	TenantID     string
	EmailID      uint   // 收件记录ID，升级计数的维度
	Domain       string // payables / tenders / drafting
	SenderEmail  string
	Filename     string
	PDFContent   []byte // PDF附件内容，转文本后送模型
	ImageContent []byte // 图像附件内容，以base64内联送多模态模型
	ImageMIME    string
	BodyText     string // PDF和图像都为空时对正文做抽取
	Source       string // attachment / body
}

// Result 抽取结果
type Result struct {
	Fields       []models.ExtractedField
	SupplierID   *string // 匹配到的供应商（仅payables相关）
	ProjectID    *string
	UsedFallback bool // 输出不可解析，落入原始文本兜底字段
	Escalated    bool // 连续失败达到上限，需人工处理
	FailureNote  string
}

// ErrEscalated 记录已升级，不再接受自动抽取
var ErrEscalated = fmt.Errorf("记录已升级为人工处理，跳过自动抽取")

// Step AI文档抽取步骤。PDF转文本 → LLM结构化抽取 → 字段落库 → 实体匹配，
// 连续失败受升级阈值保护。
type Step struct {
	llm     *LLMClient
	pdf     *PDFText
	store   Store
	tracker *escalationTracker
}

// NewStep 创建抽取步骤
func NewStep(llm *LLMClient, pdf *PDFText, store Store, maxFailures int) *Step {
	return &Step{
		llm:     llm,
		pdf:     pdf,
		store:   store,
		tracker: newEscalationTracker(maxFailures),
	}
}

// Extract 执行一次抽取。解析失败不算错误（落兜底字段），
// 依赖失败（解析器/LLM/存储）才返回error并计入升级。
func (s *Step) Extract(ctx context.Context, req Request) (*Result, error) {
	if s.tracker.escalated(req.EmailID) {
		return nil, ErrEscalated
	}

	result, err := s.extractOnce(ctx, req)
	if err != nil {
		count, escalate := s.tracker.recordFailure(req.EmailID)
		logger.Warn().
			Err(err).
			Uint("email_id", req.EmailID).
			Str("domain", req.Domain).
			Int("consecutive_failures", count).
			Msg("文档抽取失败")
		if escalate {
			note := fmt.Sprintf("自动抽取连续失败%d次，最后错误: %v，需人工完成", count, err)
			logger.Error().
				Uint("email_id", req.EmailID).
				Str("tenant_id", req.TenantID).
				Msg("抽取失败达到上限，记录升级为人工处理")
			return &Result{Escalated: true, FailureNote: note}, nil
		}
		return nil, err
	}

	s.tracker.clear(req.EmailID)
	return result, nil
}

func (s *Step) extractOnce(ctx context.Context, req Request) (*Result, error) {
	response, err := s.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	fields := s.parseFields(req, response, &result.UsedFallback)

	if err := s.store.ReplaceExtractedFields(ctx, req.EmailID, fields); err != nil {
		return nil, fmt.Errorf("保存抽取字段失败: %w", err)
	}
	result.Fields = fields

	if !result.UsedFallback {
		s.matchEntities(ctx, req, fields, result)
	}
	return result, nil
}

// complete 按内容类型选择模型输入：PDF先转文本，图像原样内联，否则取正文
func (s *Step) complete(ctx context.Context, req Request) (string, error) {
	prompt := promptForDomain(req.Domain)

	if len(req.ImageContent) > 0 {
		return s.llm.CompleteWithImage(ctx, prompt, "请从这张单据图片中提取信息。", req.ImageContent, req.ImageMIME)
	}

	var text string
	if len(req.PDFContent) > 0 {
		extracted, err := s.pdf.Extract(ctx, req.PDFContent, req.Filename)
		if err != nil {
			return "", err
		}
		text = extracted
	} else {
		text = req.BodyText
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("无可抽取的文本内容")
	}
	return s.llm.Complete(ctx, prompt, text)
}

// parseFields 把模型输出解析为字段集。不可解析时返回单个兜底字段，
// 保留原始文本供人工排查，绝不丢弃这次尝试。
func (s *Step) parseFields(req Request, response string, usedFallback *bool) []models.ExtractedField {
	source := req.Source
	if source == "" {
		source = "attachment"
	}

	jsonStr := extractJSON(response)
	if jsonStr != "" {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(jsonStr), &raw); err == nil {
			fields := make([]models.ExtractedField, 0, len(raw))
			for key, value := range raw {
				fields = append(fields, models.ExtractedField{
					TenantID:       req.TenantID,
					InboundEmailID: req.EmailID,
					FieldKey:       key,
					FieldValue:     stringifyValue(value),
					Confidence:     1,
					Source:         source,
				})
			}
			if len(fields) > 0 {
				return fields
			}
		}
	}

	*usedFallback = true
	logger.Warn().Uint("email_id", req.EmailID).Msg("模型输出无法解析为JSON，存入兜底字段")
	return []models.ExtractedField{{
		TenantID:       req.TenantID,
		InboundEmailID: req.EmailID,
		FieldKey:       FallbackFieldKey,
		FieldValue:     response,
		Confidence:     0,
		Source:         "fallback",
	}}
}

// matchEntities 实体匹配，匹配失败不是错误，字段保持未关联
func (s *Step) matchEntities(ctx context.Context, req Request, fields []models.ExtractedField, result *Result) {
	supplierName := fieldValue(fields, "supplier_name")
	projectName := fieldValue(fields, "project_name")

	if req.Domain == constants.DomainPayables {
		suppliers, err := s.store.ActiveSuppliers(ctx, req.TenantID)
		if err != nil {
			logger.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("查询供应商列表失败，跳过供应商匹配")
		} else if supplier := matchSupplier(suppliers, supplierName, req.SenderEmail); supplier != nil {
			result.SupplierID = &supplier.SupplierID
			logger.Debug().
				Str("supplier_id", supplier.SupplierID).
				Str("supplier_name", supplier.Name).
				Msg("供应商匹配成功")
		}
	}

	projects, err := s.store.ActiveProjects(ctx, req.TenantID)
	if err != nil {
		logger.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("查询项目列表失败，跳过项目匹配")
		return
	}
	if project := matchProject(projects, projectName); project != nil {
		result.ProjectID = &project.ProjectID
		logger.Debug().
			Str("project_id", project.ProjectID).
			Str("project_name", project.Name).
			Msg("项目匹配成功")
	}
}

func fieldValue(fields []models.ExtractedField, key string) string {
	for i := range fields {
		if fields[i].FieldKey == key {
			return fields[i].FieldValue
		}
	}
	return ""
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
