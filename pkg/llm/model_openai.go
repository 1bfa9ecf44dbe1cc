package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultTimeout = 90 * time.Second

// OpenAICompatModel 通过OpenAI兼容的chat/completions接口实现
// model.ToolCallingChatModel。文档抽取只用Generate，工具绑定为空实现。
type OpenAICompatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// Option 模型客户端配置选项
type Option func(*OpenAICompatModel)

// WithTemperature 设置采样温度
func WithTemperature(t float64) Option {
	return func(m *OpenAICompatModel) { m.temperature = t }
}

// WithMaxTokens 设置最大输出token数
func WithMaxTokens(n int) Option {
	return func(m *OpenAICompatModel) { m.maxTokens = n }
}

// WithHTTPClient 替换HTTP客户端（测试用）
func WithHTTPClient(c *http.Client) Option {
	return func(m *OpenAICompatModel) { m.httpClient = c }
}

// NewOpenAICompatModel 创建OpenAI兼容的模型客户端
func NewOpenAICompatModel(apiKey, modelName, apiURL string, options ...Option) (*OpenAICompatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, fmt.Errorf("模型名不能为空")
	}
	if strings.TrimSpace(apiURL) == "" {
		return nil, fmt.Errorf("API地址不能为空")
	}

	m := &OpenAICompatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// wireMessage chat/completions的消息格式。纯文本时content为字符串，
// 多模态时为分段数组，与eino的schema.Message序列化布局不同，需要转换。
type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

func toWireMessages(messages []*schema.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wm := wireMessage{Role: string(msg.Role)}
		if len(msg.MultiContent) == 0 {
			wm.Content = msg.Content
			out = append(out, wm)
			continue
		}
		parts := make([]wirePart, 0, len(msg.MultiContent))
		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL != nil {
					parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: part.ImageURL.URL}})
				}
			default:
				parts = append(parts, wirePart{Type: "text", Text: part.Text})
			}
		}
		wm.Content = parts
		out = append(out, wm)
	}
	return out
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate 实现 model.ChatModel 接口
func (m *OpenAICompatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	payload := chatCompletionRequest{
		Model:       m.modelName,
		Messages:    toWireMessages(messages),
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		// 状态码保留在错误文本里，上游据此判定是否可重试
		return nil, fmt.Errorf("API请求失败，状态 %d: %s", httpResp.StatusCode, string(body))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("反序列化API响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API返回空选项")
	}

	content := ""
	if resp.Choices[0].Message.Content != nil {
		content = *resp.Choices[0].Message.Content
	}
	role := resp.Choices[0].Message.Role
	if role == "" {
		role = "assistant"
	}
	return &schema.Message{
		Role:    schema.RoleType(role),
		Content: content,
	}, nil
}

// Stream 未实现，抽取场景只需要单次补全
func (m *OpenAICompatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAICompatModel 不支持流式输出")
}

// BindTools 实现 model.ChatModel 接口。抽取不使用工具调用。
func (m *OpenAICompatModel) BindTools(_ []*schema.ToolInfo) error {
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (m *OpenAICompatModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}
