package diff

import (
	"image"
	"image/color"
	"image/draw"
)

// DefaultSensitivity 默认像素差异阈值，单通道差超过该值视为变化
const DefaultSensitivity = 30

// Stats 一次像素对比的统计结果
type Stats struct {
	TotalPixels      int
	ChangedPixels    int
	ChangePercentage float64
	Width            int
	Height           int
}

// CompareImages 逐像素对比两张文档图像，返回差异高亮叠加图和统计。
// 尺寸不一致时先向右下补白对齐。深色内容上的差异标红，
// 浅色背景上的差异标蓝，未变化的像素保留原图内容。
func CompareImages(a, b image.Image, sensitivity int) (*image.RGBA, Stats) {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	a, b = normalizeSizes(a, b)

	bounds := a.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	overlay := image.NewRGBA(image.Rect(0, 0, w, h))

	changed := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pa := rgb8(a.At(bounds.Min.X+x, bounds.Min.Y+y))
			pb := rgb8(b.At(bounds.Min.X+x, bounds.Min.Y+y))

			if maxChannelDiff(pa, pb) <= sensitivity {
				overlay.SetRGBA(x, y, color.RGBA{pa.R, pa.G, pa.B, 255})
				continue
			}
			changed++

			// 以修订稿像素的亮度决定高亮色
			brightness := (int(pb.R) + int(pb.G) + int(pb.B)) / 3
			var mark color.RGBA
			if brightness < 128 {
				mark = color.RGBA{R: 255, G: 50, B: 50, A: 180}
			} else {
				mark = color.RGBA{R: 50, G: 50, B: 255, A: 140}
			}
			overlay.SetRGBA(x, y, blendOver(mark, pa))
		}
	}

	total := w * h
	pct := 0.0
	if total > 0 {
		pct = float64(changed) / float64(total) * 100
	}
	return overlay, Stats{
		TotalPixels:      total,
		ChangedPixels:    changed,
		ChangePercentage: pct,
		Width:            w,
		Height:           h,
	}
}

// normalizeSizes 把两张图补白到同一尺寸，内容保持在左上角
func normalizeSizes(a, b image.Image) (image.Image, image.Image) {
	w := a.Bounds().Dx()
	if b.Bounds().Dx() > w {
		w = b.Bounds().Dx()
	}
	h := a.Bounds().Dy()
	if b.Bounds().Dy() > h {
		h = b.Bounds().Dy()
	}
	return padWhite(a, w, h), padWhite(b, w, h)
}

func padWhite(img image.Image, w, h int) image.Image {
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		return img
	}
	padded := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(padded, padded.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(padded, img.Bounds().Sub(img.Bounds().Min), img, img.Bounds().Min, draw.Src)
	return padded
}

func rgb8(c color.Color) color.RGBA {
	r, g, b, _ := c.RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255}
}

func maxChannelDiff(a, b color.RGBA) int {
	d := absInt(int(a.R) - int(b.R))
	if g := absInt(int(a.G) - int(b.G)); g > d {
		d = g
	}
	if bd := absInt(int(a.B) - int(b.B)); bd > d {
		d = bd
	}
	return d
}

func blendOver(mark, base color.RGBA) color.RGBA {
	alpha := float64(mark.A) / 255
	blend := func(m, b uint8) uint8 {
		return uint8(float64(m)*alpha + float64(b)*(1-alpha))
	}
	return color.RGBA{
		R: blend(mark.R, base.R),
		G: blend(mark.G, base.G),
		B: blend(mark.B, base.B),
		A: 255,
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
