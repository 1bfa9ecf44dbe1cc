package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/logger"
	"buildcore-go/pkg/ratelimit"
)

// LLMClient 文档理解服务的调用封装。
// 限流器在熔断器之外：排队等令牌不应计入依赖健康度。
type LLMClient struct {
	model   model.ToolCallingChatModel
	limiter *ratelimit.TokenBucket
	brk     *breaker.Breaker
	timeout time.Duration
}

// NewLLMClient 创建LLM客户端
func NewLLMClient(m model.ToolCallingChatModel, limiter *ratelimit.TokenBucket, brk *breaker.Breaker) *LLMClient {
	return &LLMClient{
		model:   m,
		limiter: limiter,
		brk:     brk,
		timeout: 60 * time.Second,
	}
}

// Complete 发送系统提示词和用户内容，返回模型的原始文本输出。
// 输出视为不可信文本，JSON提取和校验由调用方负责。
func (c *LLMClient) Complete(ctx context.Context, systemPrompt, userContent string) (string, error) {
	messages := []*einoschema.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}
	return c.generate(ctx, messages)
}

// CompleteWithImage 发送图像附件和说明文本做多模态抽取。
// 图像以base64数据URL内联在用户消息里。
func (c *LLMClient) CompleteWithImage(ctx context.Context, systemPrompt, userText string, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	messages := []*einoschema.Message{
		{Role: "system", Content: systemPrompt},
		{
			Role: "user",
			MultiContent: []einoschema.ChatMessagePart{
				{Type: einoschema.ChatMessagePartTypeText, Text: userText},
				{
					Type:     einoschema.ChatMessagePartTypeImageURL,
					ImageURL: &einoschema.ChatMessageImageURL{URL: dataURL, MIMEType: mimeType},
				},
			},
		},
	}
	return c.generate(ctx, messages)
}

func (c *LLMClient) generate(ctx context.Context, messages []*einoschema.Message) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("等待限流令牌失败: %w", err)
		}
	}

	var content string
	err := c.brk.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		response, genErr := c.model.Generate(callCtx, messages)
		if genErr != nil {
			return fmt.Errorf("LLM调用失败: %w", genErr)
		}
		content = response.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Debug().Int("length", len(content)).Msg("LLM响应已返回")
	return content, nil
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// extractJSON 从模型输出中提取第一个JSON对象。
// 优先匹配```json代码块，回退到花括号配对扫描。
func extractJSON(text string) string {
	matches := jsonFenceRe.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	level := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
