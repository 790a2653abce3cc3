package core

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	watermarkPadding  = 20
	watermarkMinSize  = 20
	watermarkHeightPc = 0.05
)

// Watermark describes the text stamped onto processed images.
type Watermark struct {
	Text    string
	Opacity uint8
}

// Enabled reports whether there is anything to draw.
func (w Watermark) Enabled() bool {
	return w.Text != ""
}

var goRegular = sync.OnceValues(func() (*opentype.Font, error) {
	return opentype.Parse(goregular.TTF)
})

// watermarkFace returns a face of the given pixel size, or the fixed 7x13
// bitmap face when the TrueType font cannot be loaded.
func watermarkFace(size int) font.Face {
	f, err := goRegular()
	if err != nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

// ApplyWatermark draws w onto a copy of img, anchored bottom-right with a
// fixed padding, and returns the opaque result. Text height is 5% of the
// image height, never below 20px.
func ApplyWatermark(img image.Image, w Watermark) *image.NRGBA {
	dst := imaging.Clone(img)
	if !w.Enabled() {
		return dst
	}
	b := dst.Bounds()

	size := max(watermarkMinSize, int(float64(b.Dy())*watermarkHeightPc))
	face := watermarkFace(size)
	defer face.Close()

	overlay := image.NewRGBA(b)
	d := &font.Drawer{
		Dst:  overlay,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: w.Opacity}),
		Face: face,
	}

	m := face.Metrics()
	textW := d.MeasureString(w.Text).Ceil()
	textH := (m.Ascent + m.Descent).Ceil()

	x := b.Max.X - textW - watermarkPadding
	y := b.Max.Y - textH - watermarkPadding
	d.Dot = fixed.P(x, y+m.Ascent.Ceil())
	d.DrawString(w.Text)

	draw.Draw(dst, b, overlay, b.Min, draw.Over)
	flatten(dst)
	return dst
}

// flatten drops the alpha channel in place, keeping the stored colour of
// every pixel.
func flatten(img *image.NRGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xFF
		}
	}
}
