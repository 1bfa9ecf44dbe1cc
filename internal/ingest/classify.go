package ingest

import (
	"path/filepath"
	"regexp"
	"strings"

	"buildcore-go/internal/mailbox"
)

// 签名图、横幅、logo等装饰性附件的文件名特征。
// 这些文件通常是邮件签名自动携带的，不是业务单据。
var decorativeFilenameRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)signature`),
	regexp.MustCompile(`(?i)banner`),
	regexp.MustCompile(`(?i)logo`),
	regexp.MustCompile(`(?i)^image\d{3,}\.(png|jpe?g|gif)$`), // 客户端自动命名的内嵌图
	regexp.MustCompile(`(?i)^outlook-\w+\.(png|jpe?g)$`),
	regexp.MustCompile(`(?i)footer`),
	regexp.MustCompile(`(?i)icon`),
}

// classifyAttachments 过滤出值得落盘的附件。
// 排除内嵌展示的附件（Content-ID）和装饰性图片，只保留该域接受的格式。
func classifyAttachments(spec DomainSpec, attachments []mailbox.Attachment) []mailbox.Attachment {
	relevant := make([]mailbox.Attachment, 0, len(attachments))
	for _, att := range attachments {
		if att.Inline || att.ContentID != "" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if _, ok := spec.Extensions[ext]; !ok {
			continue
		}
		if isDecorative(att.Filename) {
			continue
		}
		relevant = append(relevant, att)
	}
	return relevant
}

// isRasterImage 可直接送多模态模型的光栅图片格式
func isRasterImage(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".gif":
		return true
	}
	return false
}

func isDecorative(filename string) bool {
	// PDF和CAD不会是签名图，只对光栅图片做文件名过滤
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf", ".dwg", ".dxf":
		return false
	}
	for _, re := range decorativeFilenameRes {
		if re.MatchString(filename) {
			return true
		}
	}
	return false
}
