package diff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"buildcore-go/internal/logger"
	"buildcore-go/internal/storage/models"
)

var (
	// ErrUnsupportedFormat 文档不是可对比的光栅图片。
	// PDF对比需要光栅化引擎，当前不提供。
	ErrUnsupportedFormat = errors.New("不支持对比的文档格式")
	// ErrTenantMismatch 两份文档属于不同租户
	ErrTenantMismatch = errors.New("两份文档不属于同一租户")
)

// DocStore 文档元数据查询，由storage.MySQL实现
type DocStore interface {
	GetStoredDocument(ctx context.Context, id uint) (*models.StoredDocument, error)
}

// ObjectStore 文档内容读取与叠加图写入，由storage.MinIO实现
type ObjectStore interface {
	Download(ctx context.Context, objectName string) ([]byte, error)
	UploadAttachment(ctx context.Context, domain, tenantID, filename string, data []byte, contentType string) (string, error)
}

// Service 文档视觉对比服务：把两份已存文档渲染成差异叠加图，
// 供运维核对图纸版次或重摄取前后的附件差异。
type Service struct {
	store   DocStore
	objects ObjectStore
}

// NewService 创建文档对比服务
func NewService(store DocStore, objects ObjectStore) *Service {
	return &Service{store: store, objects: objects}
}

// Result 一次文档对比的输出
type Result struct {
	DocAID           uint    `json:"doc_a_id"`
	DocBID           uint    `json:"doc_b_id"`
	TotalPixels      int     `json:"total_pixels"`
	ChangedPixels    int     `json:"changed_pixels"`
	ChangePercentage float64 `json:"change_percentage"`
	Sensitivity      int     `json:"sensitivity"`
	OverlayKey       string  `json:"overlay_key"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
}

// Compare 对比两份已存文档并把差异叠加图写回对象存储。
// docA视为基准版，docB视为修订版。
func (s *Service) Compare(ctx context.Context, docAID, docBID uint, sensitivity int) (*Result, error) {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	start := time.Now()

	docA, err := s.store.GetStoredDocument(ctx, docAID)
	if err != nil {
		return nil, fmt.Errorf("加载文档 %d 失败: %w", docAID, err)
	}
	docB, err := s.store.GetStoredDocument(ctx, docBID)
	if err != nil {
		return nil, fmt.Errorf("加载文档 %d 失败: %w", docBID, err)
	}
	if docA.TenantID != docB.TenantID {
		return nil, ErrTenantMismatch
	}

	imgA, err := s.loadImage(ctx, docA)
	if err != nil {
		return nil, err
	}
	imgB, err := s.loadImage(ctx, docB)
	if err != nil {
		return nil, err
	}

	overlay, stats := CompareImages(imgA, imgB, sensitivity)

	var buf bytes.Buffer
	if err := png.Encode(&buf, overlay); err != nil {
		return nil, fmt.Errorf("编码叠加图失败: %w", err)
	}
	filename := fmt.Sprintf("diff-%d-%d.png", docAID, docBID)
	key, err := s.objects.UploadAttachment(ctx, "diff", docA.TenantID, filename, buf.Bytes(), "image/png")
	if err != nil {
		return nil, fmt.Errorf("上传叠加图失败: %w", err)
	}

	logger.Info().
		Uint("doc_a", docAID).
		Uint("doc_b", docBID).
		Int("changed_pixels", stats.ChangedPixels).
		Float64("change_percentage", stats.ChangePercentage).
		Dur("elapsed", time.Since(start)).
		Msg("文档对比完成")

	return &Result{
		DocAID:           docAID,
		DocBID:           docBID,
		TotalPixels:      stats.TotalPixels,
		ChangedPixels:    stats.ChangedPixels,
		ChangePercentage: stats.ChangePercentage,
		Sensitivity:      sensitivity,
		OverlayKey:       key,
		Width:            stats.Width,
		Height:           stats.Height,
	}, nil
}

func (s *Service) loadImage(ctx context.Context, doc *models.StoredDocument) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, doc.Filename)
	}

	data, err := s.objects.Download(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("下载文档 %s 失败: %w", doc.StorageKey, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码文档 %s 失败: %w", doc.Filename, err)
	}
	return img, nil
}
