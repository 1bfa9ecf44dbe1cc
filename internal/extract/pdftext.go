package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoparser "github.com/cloudwego/eino/components/document/parser"

	"buildcore-go/internal/logger"
)

// PDFText PDF文本抽取器，按页解析并受页数上限约束
type PDFText struct {
	parser   *pdf.PDFParser
	maxPages int
}

// NewPDFText 创建PDF文本抽取器。maxPages限制送入模型的页数，
// 超长文档只取前若干页。
func NewPDFText(ctx context.Context, maxPages int) (*PDFText, error) {
	if maxPages <= 0 {
		maxPages = 8
	}
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: true, // 按页分割，便于施加页数上限
	})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}
	return &PDFText{parser: p, maxPages: maxPages}, nil
}

// Extract 从PDF字节流提取文本
func (p *PDFText) Extract(ctx context.Context, data []byte, uri string) (string, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	docs, err := p.parser.Parse(ctx, bytes.NewReader(data), einoparser.WithURI(uri))
	if err != nil {
		return "", fmt.Errorf("PDF解析失败 (%s): %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF解析无内容 (%s)", uri)
	}

	pages := len(docs)
	if pages > p.maxPages {
		logger.Warn().
			Str("uri", uri).
			Int("pages", pages).
			Int("max_pages", p.maxPages).
			Msg("PDF超过页数上限，截断处理")
		docs = docs[:p.maxPages]
	}

	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}

	text := sb.String()
	logger.Debug().
		Str("uri", uri).
		Int("pages", pages).
		Int("chars", len(text)).
		Dur("elapsed", time.Since(start)).
		Msg("PDF文本提取完成")
	return text, nil
}
