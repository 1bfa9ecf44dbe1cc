package ingest

import "buildcore-go/internal/constants"

// DomainSpec 单个业务收件箱域的摄取规则
type DomainSpec struct {
	Name string

	// Extensions 该域接受的附件扩展名（小写，含点）
	Extensions map[string]struct{}

	// NoAttachmentStatus 无合格附件时的终态
	NoAttachmentStatus string

	// BodyExtraction 无附件时是否尝试对邮件正文做抽取
	BodyExtraction bool

	// AllowReprocess 自愈例外：PROCESSED但未产生业务记录的行
	// 允许删除后重新摄取。仅应付域启用。
	AllowReprocess bool
}

var (
	// PayablesDomain 应付账款收件箱：供应商发票。
	// 摄取成功后生成发票草稿，严格幂等之外开放自愈重摄取。
	PayablesDomain = DomainSpec{
		Name: constants.DomainPayables,
		Extensions: map[string]struct{}{
			".pdf": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".tif": {}, ".tiff": {},
		},
		NoAttachmentStatus: "NO_PDF_ATTACHMENTS",
		BodyExtraction:     false,
		AllowReprocess:     true,
	}

	// TendersDomain 招标询价收件箱：询价常以纯正文形式到达，支持正文抽取
	TendersDomain = DomainSpec{
		Name: constants.DomainTenders,
		Extensions: map[string]struct{}{
			".pdf": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".tif": {}, ".tiff": {},
		},
		NoAttachmentStatus: "NO_ATTACHMENTS",
		BodyExtraction:     true,
	}

	// DraftingDomain 图纸变更收件箱：额外接受CAD格式
	DraftingDomain = DomainSpec{
		Name: constants.DomainDrafting,
		Extensions: map[string]struct{}{
			".pdf": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".tif": {}, ".tiff": {},
			".dwg": {}, ".dxf": {},
		},
		NoAttachmentStatus: "NO_ATTACHMENTS",
		BodyExtraction:     true,
	}
)
