package diff

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildcore-go/internal/storage/models"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

func TestCompareIdenticalImagesNoChange(t *testing.T) {
	a := solidImage(10, 10, white)
	b := solidImage(10, 10, white)

	overlay, stats := CompareImages(a, b, 0)
	assert.Equal(t, 100, stats.TotalPixels)
	assert.Equal(t, 0, stats.ChangedPixels)
	assert.Equal(t, 0.0, stats.ChangePercentage)
	// 无差异时叠加图就是基准图
	assert.Equal(t, white, overlay.RGBAAt(5, 5))
}

func TestCompareDetectsChangedRegion(t *testing.T) {
	a := solidImage(10, 10, white)
	b := solidImage(10, 10, white)
	// 修订稿左上角多出一个2x2黑块
	draw.Draw(b, image.Rect(0, 0, 2, 2), &image.Uniform{C: black}, image.Point{}, draw.Src)

	overlay, stats := CompareImages(a, b, 30)
	assert.Equal(t, 4, stats.ChangedPixels)
	assert.Equal(t, 4.0, stats.ChangePercentage)

	// 深色内容上的差异标红
	marked := overlay.RGBAAt(0, 0)
	assert.Greater(t, marked.R, marked.B)
	// 未变化区域保持原图
	assert.Equal(t, white, overlay.RGBAAt(9, 9))
}

func TestCompareIgnoresBelowSensitivity(t *testing.T) {
	a := solidImage(5, 5, white)
	b := solidImage(5, 5, color.RGBA{R: 240, G: 240, B: 240, A: 255})

	_, stats := CompareImages(a, b, 30)
	assert.Equal(t, 0, stats.ChangedPixels)
}

func TestCompareNormalizesSizes(t *testing.T) {
	a := solidImage(4, 4, white)
	b := solidImage(8, 4, white)
	// 修订稿右半边为黑，基准图该区域补白后全部判为变化
	draw.Draw(b, image.Rect(4, 0, 8, 4), &image.Uniform{C: black}, image.Point{}, draw.Src)

	_, stats := CompareImages(a, b, 30)
	assert.Equal(t, 32, stats.TotalPixels)
	assert.Equal(t, 16, stats.ChangedPixels)
	assert.Equal(t, 50.0, stats.ChangePercentage)
	assert.Equal(t, 8, stats.Width)
	assert.Equal(t, 4, stats.Height)
}

// fakeDocStore 内存文档元数据
type fakeDocStore struct {
	docs map[uint]*models.StoredDocument
}

func (s *fakeDocStore) GetStoredDocument(_ context.Context, id uint) (*models.StoredDocument, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return doc, nil
}

// fakeObjects 内存对象存储，记录叠加图上传
type fakeObjects struct {
	mu       sync.Mutex
	contents map[string][]byte
	uploaded map[string][]byte
}

func (o *fakeObjects) Download(_ context.Context, objectName string) ([]byte, error) {
	data, ok := o.contents[objectName]
	if !ok {
		return nil, errors.New("对象不存在")
	}
	return data, nil
}

func (o *fakeObjects) UploadAttachment(_ context.Context, domain, tenantID, filename string, data []byte, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := domain + "/" + tenantID + "/" + filename
	if o.uploaded == nil {
		o.uploaded = map[string][]byte{}
	}
	o.uploaded[key] = data
	return key, nil
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestService(t *testing.T) (*Service, *fakeDocStore, *fakeObjects) {
	t.Helper()
	store := &fakeDocStore{docs: map[uint]*models.StoredDocument{}}
	objects := &fakeObjects{contents: map[string][]byte{}}
	return NewService(store, objects), store, objects
}

func TestServiceComparesStoredDocuments(t *testing.T) {
	svc, store, objects := newTestService(t)

	base := solidImage(6, 6, white)
	revised := solidImage(6, 6, white)
	draw.Draw(revised, image.Rect(0, 0, 3, 3), &image.Uniform{C: black}, image.Point{}, draw.Src)

	store.docs[1] = &models.StoredDocument{ID: 1, TenantID: "tenant-1", Filename: "rev-a.png", StorageKey: "drafting/tenant-1/rev-a.png"}
	store.docs[2] = &models.StoredDocument{ID: 2, TenantID: "tenant-1", Filename: "rev-b.png", StorageKey: "drafting/tenant-1/rev-b.png"}
	objects.contents["drafting/tenant-1/rev-a.png"] = encodePNG(t, base)
	objects.contents["drafting/tenant-1/rev-b.png"] = encodePNG(t, revised)

	result, err := svc.Compare(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 36, result.TotalPixels)
	assert.Equal(t, 9, result.ChangedPixels)
	assert.Equal(t, 25.0, result.ChangePercentage)
	assert.Equal(t, DefaultSensitivity, result.Sensitivity)
	assert.Equal(t, "diff/tenant-1/diff-1-2.png", result.OverlayKey)

	// 叠加图已写回对象存储且可解码
	data, ok := objects.uploaded[result.OverlayKey]
	require.True(t, ok)
	overlay, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 6, overlay.Bounds().Dx())
	assert.Equal(t, 6, overlay.Bounds().Dy())
}

func TestServiceRejectsCrossTenantComparison(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.docs[1] = &models.StoredDocument{ID: 1, TenantID: "tenant-1", Filename: "a.png", StorageKey: "k1"}
	store.docs[2] = &models.StoredDocument{ID: 2, TenantID: "tenant-2", Filename: "b.png", StorageKey: "k2"}

	_, err := svc.Compare(context.Background(), 1, 2, 0)
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestServiceRejectsUnsupportedFormat(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.docs[1] = &models.StoredDocument{ID: 1, TenantID: "tenant-1", Filename: "invoice.pdf", StorageKey: "k1"}
	store.docs[2] = &models.StoredDocument{ID: 2, TenantID: "tenant-1", Filename: "b.png", StorageKey: "k2"}

	_, err := svc.Compare(context.Background(), 1, 2, 0)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.True(t, strings.Contains(err.Error(), "invoice.pdf"))
}
