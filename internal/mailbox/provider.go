package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"buildcore-go/internal/config"
)

// MessageSummary 消息列表中的条目
type MessageSummary struct {
	ID              string    `json:"id"`
	From            string    `json:"from"`
	To              []string  `json:"to"`
	Subject         string    `json:"subject"`
	AttachmentCount int       `json:"attachment_count"`
	ReceivedAt      time.Time `json:"received_at"`
}

// MessagePage 一页消息列表及下一页游标
type MessagePage struct {
	Messages   []MessageSummary `json:"messages"`
	NextCursor string           `json:"next_cursor"`
}

// Attachment 附件详情。提供商可能内联内容，也可能只给下载URL。
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentID   string `json:"content_id"` // 非空表示内联资源（签名图等）
	Inline      bool   `json:"inline"`
	Content     []byte `json:"content,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// MessageDetail 完整的消息内容
type MessageDetail struct {
	MessageSummary
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	Attachments []Attachment `json:"attachments"`
}

// ListOptions 列表查询参数
type ListOptions struct {
	Cursor   string
	PageSize int
}

// Provider 收件提供商API的窄接口。429/5xx以错误形式上抛，交由熔断器统计。
type Provider interface {
	ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error)
	GetMessage(ctx context.Context, id string) (*MessageDetail, error)
	DownloadAttachment(ctx context.Context, att *Attachment) ([]byte, error)
}

// HTTPProvider 基于HTTP JSON API的提供商客户端
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// 确保HTTPProvider实现了Provider接口
var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider 创建提供商客户端
func NewHTTPProvider(cfg *config.MailboxConfig) (*HTTPProvider, error) {
	if cfg == nil || strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("收件提供商endpoint不能为空")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPProvider{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ListMessages 游标分页列出消息
func (p *HTTPProvider) ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error) {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}

	var page MessagePage
	if err := p.getJSON(ctx, "/messages?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMessage 获取消息详情（正文和附件列表）
func (p *HTTPProvider) GetMessage(ctx context.Context, id string) (*MessageDetail, error) {
	var detail MessageDetail
	if err := p.getJSON(ctx, "/messages/"+url.PathEscape(id), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// DownloadAttachment 取附件内容：内联内容直接返回，否则按URL下载
func (p *HTTPProvider) DownloadAttachment(ctx context.Context, att *Attachment) ([]byte, error) {
	if len(att.Content) > 0 {
		return att.Content, nil
	}
	if att.DownloadURL == "" {
		return nil, fmt.Errorf("附件 %s 既无内联内容也无下载URL", att.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("构造附件下载请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载附件失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载附件 %s 失败: 状态 %d", att.ID, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// getJSON 执行GET请求并解码JSON响应
func (p *HTTPProvider) getJSON(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求提供商API失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 把状态码带入错误文本，限流/服务端错误由上层按可重试处理
		return fmt.Errorf("提供商API %s 返回状态 %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("解码提供商响应失败: %w", err)
	}
	return nil
}
