package extract

import "buildcore-go/internal/constants"

// 各业务域的抽取提示词。要求模型只输出一个JSON对象，
// 字段键与下游实体匹配约定一致（supplier_name / project_name）。

const payablesPrompt = `你是建筑行业的应付账款单据解析助手。从下面的发票或账单文本中提取结构化信息。

只输出一个JSON对象，不要输出任何其他内容。字段如下（取不到的字段填null）：
{
  "supplier_name": "开票供应商名称",
  "invoice_number": "发票编号",
  "invoice_date": "开票日期，格式YYYY-MM-DD",
  "due_date": "付款到期日，格式YYYY-MM-DD",
  "total_amount": "含税总金额，数字",
  "tax_amount": "税额，数字",
  "project_name": "关联的工程项目名称",
  "description": "费用内容摘要，一句话"
}`

const tendersPrompt = `你是建筑行业的招标询价邮件解析助手。从下面的招标或询价文本中提取结构化信息。

只输出一个JSON对象，不要输出任何其他内容。字段如下（取不到的字段填null）：
{
  "client_name": "发起方/业主名称",
  "project_name": "项目名称",
  "due_date": "投标截止日期，格式YYYY-MM-DD",
  "scope_summary": "工程范围摘要，一句话",
  "estimated_value": "预估造价，数字"
}`

const draftingPrompt = `你是建筑行业的图纸变更请求解析助手。从下面的变更请求文本中提取结构化信息。

只输出一个JSON对象，不要输出任何其他内容。字段如下（取不到的字段填null）：
{
  "project_name": "项目名称",
  "drawing_number": "图纸编号",
  "revision": "版次",
  "requested_change": "请求的变更内容摘要",
  "due_date": "要求完成日期，格式YYYY-MM-DD"
}`

func promptForDomain(domain string) string {
	switch domain {
	case constants.DomainTenders:
		return tendersPrompt
	case constants.DomainDrafting:
		return draftingPrompt
	default:
		return payablesPrompt
	}
}
