package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"buildcore-go/internal/mailbox"
)

func TestClassifyKeepsBusinessDocuments(t *testing.T) {
	attachments := []mailbox.Attachment{
		{ID: "a-1", Filename: "invoice-0042.pdf"},
		{ID: "a-2", Filename: "现场照片.jpg"},
	}
	relevant := classifyAttachments(PayablesDomain, attachments)
	assert.Len(t, relevant, 2)
}

func TestClassifyExcludesInlineAndContentID(t *testing.T) {
	attachments := []mailbox.Attachment{
		{ID: "a-1", Filename: "photo.png", Inline: true},
		{ID: "a-2", Filename: "chart.png", ContentID: "<cid-123>"},
		{ID: "a-3", Filename: "receipt.png"},
	}
	relevant := classifyAttachments(PayablesDomain, attachments)
	assert.Len(t, relevant, 1)
	assert.Equal(t, "a-3", relevant[0].ID)
}

func TestClassifyExcludesDecorativeImages(t *testing.T) {
	attachments := []mailbox.Attachment{
		{ID: "a-1", Filename: "company-signature.png"},
		{ID: "a-2", Filename: "email-banner.jpg"},
		{ID: "a-3", Filename: "logo.png"},
		{ID: "a-4", Filename: "image001.png"},
		{ID: "a-5", Filename: "Outlook-abc123.png"},
		{ID: "a-6", Filename: "invoice.pdf"},
	}
	relevant := classifyAttachments(PayablesDomain, attachments)
	assert.Len(t, relevant, 1)
	assert.Equal(t, "a-6", relevant[0].ID)
}

func TestClassifyDecorativeFilterSkipsPDF(t *testing.T) {
	// 文件名带signature的PDF是待签文件，不是签名图
	attachments := []mailbox.Attachment{
		{ID: "a-1", Filename: "contract-signature-page.pdf"},
	}
	relevant := classifyAttachments(PayablesDomain, attachments)
	assert.Len(t, relevant, 1)
}

func TestClassifyExtensionsPerDomain(t *testing.T) {
	attachments := []mailbox.Attachment{
		{ID: "a-1", Filename: "floor-plan.dwg"},
		{ID: "a-2", Filename: "detail.dxf"},
		{ID: "a-3", Filename: "notes.txt"},
	}
	// CAD格式只有图纸域接受
	assert.Len(t, classifyAttachments(PayablesDomain, attachments), 0)
	assert.Len(t, classifyAttachments(TendersDomain, attachments), 0)

	relevant := classifyAttachments(DraftingDomain, attachments)
	assert.Len(t, relevant, 2)
}
