package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"gorm.io/gorm"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/diff"
	"buildcore-go/internal/dispatch"
	"buildcore-go/internal/ingest"
	"buildcore-go/internal/queue"
	"buildcore-go/internal/storage/models"
)

// InboxStore 收件记录及抽取字段的查询，由storage.MySQL实现
type InboxStore interface {
	GetInboundEmail(ctx context.Context, id uint) (*models.InboundEmail, error)
	ExtractedFieldsByEmail(ctx context.Context, emailID uint) ([]models.ExtractedField, error)
}

// OpsHandler 运维可视化接口：队列/熔断统计、死信管理、手动触发轮询
type OpsHandler struct {
	dispatcher   *dispatch.Dispatcher
	registry     *breaker.Registry
	queues       map[string]*queue.Queue
	pipelines    map[string]*ingest.Pipeline
	extractQueue *queue.Queue
	inbox        InboxStore
	differ       *diff.Service
}

// NewOpsHandler 创建运维接口处理器
func NewOpsHandler(dispatcher *dispatch.Dispatcher, registry *breaker.Registry, queues map[string]*queue.Queue, pipelines map[string]*ingest.Pipeline, extractQueue *queue.Queue, inbox InboxStore, differ *diff.Service) *OpsHandler {
	return &OpsHandler{
		dispatcher:   dispatcher,
		registry:     registry,
		queues:       queues,
		pipelines:    pipelines,
		extractQueue: extractQueue,
		inbox:        inbox,
		differ:       differ,
	}
}

// Stats 汇总所有队列与熔断器的运行状态
func (h *OpsHandler) Stats(c context.Context, ctx *app.RequestContext) {
	queueStats := make(map[string]interface{}, len(h.queues))
	for name, q := range h.queues {
		queueStats[name] = q.Stats()
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"queues":   queueStats,
		"breakers": h.registry.Stats(),
	})
}

// DeadLetters 查询未处理死信，tenant_id为空时跨租户列出
func (h *OpsHandler) DeadLetters(c context.Context, ctx *app.RequestContext) {
	tenantID := ctx.Query("tenant_id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	letters, err := h.dispatcher.DeadLetters(c, tenantID, limit)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"dead_letters": letters})
}

// ResolveDeadLetter 人工确认一条死信已处理
func (h *OpsHandler) ResolveDeadLetter(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	resolvedBy := ctx.Query("resolved_by")
	if resolvedBy == "" {
		resolvedBy = "ops"
	}

	if err := h.dispatcher.ResolveDeadLetter(c, id, resolvedBy); err != nil {
		h.deadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"resolved": true})
}

// RetryDeadLetter 把一条死信重投为新的派发任务
func (h *OpsHandler) RetryDeadLetter(c context.Context, ctx *app.RequestContext) {
	id, ok := h.deadLetterID(ctx)
	if !ok {
		return
	}
	resolvedBy := ctx.Query("resolved_by")
	if resolvedBy == "" {
		resolvedBy = "ops"
	}

	jobID, err := h.dispatcher.RetryDeadLetter(c, id, resolvedBy)
	if err != nil {
		h.deadLetterError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"dispatch_job_id": jobID})
}

// Poll 手动触发一个业务域的收件箱轮询，返回汇总结果。
// 正常情况下由外部调度器按周期调用。
func (h *OpsHandler) Poll(c context.Context, ctx *app.RequestContext) {
	domain := ctx.Param("domain")
	pipeline, ok := h.pipelines[domain]
	if !ok {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "未知的业务域: " + domain})
		return
	}
	ctx.JSON(consts.StatusOK, pipeline.Poll(c))
}

// ReExtract 把一封已摄取的邮件重新送入AI抽取队列
func (h *OpsHandler) ReExtract(c context.Context, ctx *app.RequestContext) {
	domain := ctx.Param("domain")
	pipeline, ok := h.pipelines[domain]
	if !ok {
		ctx.JSON(consts.StatusNotFound, utils.H{"error": "未知的业务域: " + domain})
		return
	}
	emailID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "非法的收件记录ID"})
		return
	}

	jobID, err := pipeline.EnqueueReExtract(h.extractQueue, uint(emailID))
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusAccepted, utils.H{"job_id": jobID})
}

// EmailFields 查询一封已摄取邮件及其抽取字段，供运维核对抽取结果
func (h *OpsHandler) EmailFields(c context.Context, ctx *app.RequestContext) {
	emailID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "非法的收件记录ID"})
		return
	}

	email, err := h.inbox.GetInboundEmail(c, uint(emailID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "收件记录不存在"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	fields, err := h.inbox.ExtractedFieldsByEmail(c, uint(emailID))
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"email":  email,
		"fields": fields,
	})
}

// CompareDocuments 对比两份已存文档，生成差异叠加图并返回统计。
// 用于核对图纸版次或重摄取前后的附件差异。
func (h *OpsHandler) CompareDocuments(c context.Context, ctx *app.RequestContext) {
	docA, errA := strconv.ParseUint(ctx.Query("doc_a"), 10, 64)
	docB, errB := strconv.ParseUint(ctx.Query("doc_b"), 10, 64)
	if errA != nil || errB != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "缺少或非法的doc_a/doc_b参数"})
		return
	}
	sensitivity, _ := strconv.Atoi(ctx.Query("sensitivity"))

	result, err := h.differ.Compare(c, uint(docA), uint(docB), sensitivity)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "文档不存在"})
		case errors.Is(err, diff.ErrUnsupportedFormat), errors.Is(err, diff.ErrTenantMismatch):
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		default:
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		}
		return
	}
	ctx.JSON(consts.StatusOK, result)
}

// Health 健康检查
func (h *OpsHandler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

func (h *OpsHandler) deadLetterID(ctx *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "非法的死信ID"})
		return 0, false
	}
	return uint(id), true
}

func (h *OpsHandler) deadLetterError(ctx *app.RequestContext, err error) {
	if errors.Is(err, dispatch.ErrDeadLetterResolved) {
		ctx.JSON(consts.StatusConflict, utils.H{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
}
