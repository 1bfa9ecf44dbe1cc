package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"buildcore-go/internal/config"
)

// Attachment 出站邮件附件
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// Message 一封待发送的邮件
type Message struct {
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResult 发送结果。Retryable指示失败是否值得重试（传输/5xx类），
// 校验类失败（4xx）不应重试。
type SendResult struct {
	Success      bool   `json:"success"`
	MessageID    string `json:"message_id,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable"`
}

// Sender 出站邮件传输的窄接口
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// HTTPSender 通过HTTP JSON API发送邮件的实现
type HTTPSender struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
}

// 确保HTTPSender实现了Sender接口
var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender 创建HTTP邮件发送客户端
func NewHTTPSender(cfg *config.MailerConfig) (*HTTPSender, error) {
	if cfg == nil || strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("邮件发送endpoint不能为空")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("邮件发送API密钥不能为空")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPSender{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		from:       cfg.FromAddress,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type sendAPIResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send 调用提供商API发送邮件。网络错误和5xx/429响应标记为可重试。
func (s *HTTPSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.From == "" {
		msg.From = s.from
	}
	if len(msg.To) == 0 {
		return &SendResult{
			Success:      false,
			ErrorMessage: "收件人为空",
			Retryable:    false,
		}, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("序列化邮件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// 传输层错误一律视为可重试
		return &SendResult{
			Success:      false,
			ErrorMessage: err.Error(),
			Retryable:    true,
		}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var parsed sendAPIResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &SendResult{
			Success:   true,
			MessageID: parsed.MessageID,
		}, nil
	}

	errMsg := parsed.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("邮件API返回状态 %d", resp.StatusCode)
	}

	return &SendResult{
		Success:      false,
		ErrorMessage: errMsg,
		Retryable:    resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}, nil
}
