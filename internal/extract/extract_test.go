package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore-go/internal/breaker"
	"buildcore-go/internal/constants"
	"buildcore-go/internal/storage/models"
)

func TestExtractJSONFromFencedBlock(t *testing.T) {
	text := "好的，以下是抽取结果：\n```json\n{\"invoice_number\": \"INV-001\"}\n```\n如有问题请告知。"
	assert.Equal(t, `{"invoice_number": "INV-001"}`, extractJSON(text))
}

func TestExtractJSONBraceFallback(t *testing.T) {
	text := `模型直接输出 {"total_amount": 1200.50, "meta": {"nested": true}} 后面还有别的话`
	assert.Equal(t, `{"total_amount": 1200.50, "meta": {"nested": true}}`, extractJSON(text))
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Equal(t, "", extractJSON("这段文本里没有任何结构化内容"))
	assert.Equal(t, "", extractJSON("左括号{没有闭合"))
}

func TestMatchSupplierExactName(t *testing.T) {
	suppliers := []models.Supplier{
		{SupplierID: "s-1", Name: "宏达建材"},
		{SupplierID: "s-2", Name: "Acme Concrete"},
	}
	got := matchSupplier(suppliers, "acme concrete", "billing@acme.com")
	require.NotNil(t, got)
	assert.Equal(t, "s-2", got.SupplierID)
}

func TestMatchSupplierSubstring(t *testing.T) {
	suppliers := []models.Supplier{
		{SupplierID: "s-1", Name: "Acme Concrete"},
	}
	got := matchSupplier(suppliers, "Acme Concrete Pty Ltd", "")
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.SupplierID)
}

func TestMatchSupplierSenderDomainFallback(t *testing.T) {
	suppliers := []models.Supplier{
		{SupplierID: "s-1", Name: "宏达建材", Email: "ap@hongda-build.cn"},
	}
	got := matchSupplier(suppliers, "名称完全对不上", "invoices@hongda-build.cn")
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.SupplierID)
}

func TestMatchSupplierIgnoresPublicEmailDomains(t *testing.T) {
	suppliers := []models.Supplier{
		{SupplierID: "s-1", Name: "宏达建材", Email: "someone@gmail.com"},
	}
	// 公共邮箱域名不能作为归属依据
	assert.Nil(t, matchSupplier(suppliers, "", "other@gmail.com"))
	assert.Nil(t, matchSupplier(suppliers, "", "other@qq.com"))
}

func TestMatchProjectExactThenSubstring(t *testing.T) {
	projects := []models.Project{
		{ProjectID: "p-1", Name: "滨江一期"},
		{ProjectID: "p-2", Name: "Riverside Tower"},
	}
	got := matchProject(projects, "riverside tower")
	require.NotNil(t, got)
	assert.Equal(t, "p-2", got.ProjectID)

	got = matchProject(projects, "滨江一期土建工程")
	require.NotNil(t, got)
	assert.Equal(t, "p-1", got.ProjectID)

	assert.Nil(t, matchProject(projects, ""))
}

// fakeChatModel 按脚本返回响应或错误
type fakeChatModel struct {
	mu           sync.Mutex
	calls        int
	responses    []string
	err          error
	lastMessages []*einoschema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, messages []*einoschema.Message, _ ...model.Option) (*einoschema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMessages = messages
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &einoschema.Message{Role: einoschema.Assistant, Content: f.responses[idx]}, nil
}

func (f *fakeChatModel) Stream(_ context.Context, _ []*einoschema.Message, _ ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	return nil, errors.New("不支持流式输出")
}

func (f *fakeChatModel) BindTools(_ []*einoschema.ToolInfo) error { return nil }

func (f *fakeChatModel) WithTools(_ []*einoschema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

// fakeExtractStore 记录字段写入的内存Store
type fakeExtractStore struct {
	mu        sync.Mutex
	fields    map[uint][]models.ExtractedField
	suppliers []models.Supplier
	projects  []models.Project
}

func newFakeExtractStore() *fakeExtractStore {
	return &fakeExtractStore{fields: map[uint][]models.ExtractedField{}}
}

func (s *fakeExtractStore) ReplaceExtractedFields(_ context.Context, emailID uint, fields []models.ExtractedField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[emailID] = fields
	return nil
}

func (s *fakeExtractStore) ActiveSuppliers(_ context.Context, _ string) ([]models.Supplier, error) {
	return s.suppliers, nil
}

func (s *fakeExtractStore) ActiveProjects(_ context.Context, _ string) ([]models.Project, error) {
	return s.projects, nil
}

func newTestStep(chat *fakeChatModel, store Store, maxFailures int) *Step {
	brk := breaker.New("ai-extraction-test", breaker.Options{FailureThreshold: 100, ResetTimeout: time.Minute})
	return NewStep(NewLLMClient(chat, nil, brk), nil, store, maxFailures)
}

func bodyRequest(emailID uint) Request {
	return Request{
		TenantID:    "tenant-1",
		EmailID:     emailID,
		Domain:      constants.DomainPayables,
		SenderEmail: "billing@acme.com",
		BodyText:    "Invoice INV-001 from Acme Concrete, total 1200.50",
		Source:      "body",
	}
}

func TestExtractParsesFieldsAndMatchesEntities(t *testing.T) {
	chat := &fakeChatModel{responses: []string{
		"```json\n{\"supplier_name\": \"Acme Concrete\", \"invoice_number\": \"INV-001\", \"project_name\": \"Riverside Tower\", \"total_amount\": 1200.5}\n```",
	}}
	store := newFakeExtractStore()
	store.suppliers = []models.Supplier{{SupplierID: "s-1", Name: "Acme Concrete", Email: "ap@acme.com"}}
	store.projects = []models.Project{{ProjectID: "p-1", Name: "Riverside Tower"}}
	step := newTestStep(chat, store, 3)

	result, err := step.Extract(context.Background(), bodyRequest(1))
	require.NoError(t, err)
	assert.False(t, result.UsedFallback)
	assert.False(t, result.Escalated)
	assert.Len(t, result.Fields, 4)

	require.NotNil(t, result.SupplierID)
	assert.Equal(t, "s-1", *result.SupplierID)
	require.NotNil(t, result.ProjectID)
	assert.Equal(t, "p-1", *result.ProjectID)

	// 字段已落库，数值转为字符串
	saved := store.fields[1]
	require.Len(t, saved, 4)
	byKey := map[string]models.ExtractedField{}
	for _, f := range saved {
		byKey[f.FieldKey] = f
	}
	assert.Equal(t, "1200.5", byKey["total_amount"].FieldValue)
	assert.Equal(t, "body", byKey["invoice_number"].Source)
	assert.Equal(t, float64(1), byKey["invoice_number"].Confidence)
}

func TestExtractSendsImageAsInlineDataURL(t *testing.T) {
	chat := &fakeChatModel{responses: []string{
		`{"supplier_name": "Acme Concrete", "invoice_number": "INV-002"}`,
	}}
	store := newFakeExtractStore()
	step := newTestStep(chat, store, 3)

	req := bodyRequest(7)
	req.BodyText = ""
	req.Filename = "invoice-scan.jpg"
	req.ImageContent = []byte{0xff, 0xd8, 0xff, 0xe0}
	req.ImageMIME = "image/jpeg"
	req.Source = "attachment"

	result, err := step.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.UsedFallback)
	assert.Len(t, result.Fields, 2)

	// 用户消息为多模态分段，图像以base64数据URL内联
	require.Len(t, chat.lastMessages, 2)
	user := chat.lastMessages[1]
	require.Len(t, user.MultiContent, 2)
	imagePart := user.MultiContent[1]
	assert.Equal(t, einoschema.ChatMessagePartTypeImageURL, imagePart.Type)
	require.NotNil(t, imagePart.ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(req.ImageContent), imagePart.ImageURL.URL)
}

func TestExtractFallsBackOnUnparseableOutput(t *testing.T) {
	chat := &fakeChatModel{responses: []string{"抱歉，这份文档我无法处理。"}}
	store := newFakeExtractStore()
	step := newTestStep(chat, store, 3)

	result, err := step.Extract(context.Background(), bodyRequest(2))
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)

	// 原始输出保留在兜底字段，绝不丢弃
	saved := store.fields[2]
	require.Len(t, saved, 1)
	assert.Equal(t, FallbackFieldKey, saved[0].FieldKey)
	assert.Equal(t, "抱歉，这份文档我无法处理。", saved[0].FieldValue)
	assert.Equal(t, "fallback", saved[0].Source)
	assert.Equal(t, float64(0), saved[0].Confidence)

	// 兜底不做实体匹配
	assert.Nil(t, result.SupplierID)
	assert.Nil(t, result.ProjectID)
}

func TestExtractEscalatesAfterMaxFailures(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("上游超时")}
	store := newFakeExtractStore()
	step := newTestStep(chat, store, 3)

	req := bodyRequest(3)

	// 前两次返回错误，计数累积
	_, err := step.Extract(context.Background(), req)
	require.Error(t, err)
	_, err = step.Extract(context.Background(), req)
	require.Error(t, err)

	// 第三次达到上限：返回升级结果而非错误
	result, err := step.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Contains(t, result.FailureNote, "连续失败3次")

	// 升级后不再接受自动抽取，模型不会被再次调用
	before := chat.calls
	_, err = step.Extract(context.Background(), req)
	assert.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, before, chat.calls)
}

func TestExtractSuccessClearsFailureCount(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("上游超时")}
	store := newFakeExtractStore()
	step := newTestStep(chat, store, 3)

	req := bodyRequest(4)
	_, err := step.Extract(context.Background(), req)
	require.Error(t, err)
	_, err = step.Extract(context.Background(), req)
	require.Error(t, err)

	// 恢复后成功一次，失败计数清零
	chat.mu.Lock()
	chat.err = nil
	chat.responses = []string{"```json\n{\"invoice_number\": \"INV-002\"}\n```"}
	chat.mu.Unlock()
	_, err = step.Extract(context.Background(), req)
	require.NoError(t, err)

	// 再次失败从头计数，不会立即升级
	chat.mu.Lock()
	chat.err = errors.New("又超时了")
	chat.mu.Unlock()
	_, err = step.Extract(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEscalated)
}

func TestExtractRejectsEmptyContent(t *testing.T) {
	chat := &fakeChatModel{responses: []string{"{}"}}
	step := newTestStep(chat, newFakeExtractStore(), 3)

	req := bodyRequest(5)
	req.BodyText = "   "
	_, err := step.Extract(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 0, chat.calls)
}
