package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

// helpers

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodeAnimatedGIF(t *testing.T, frames int, w, h int) []byte {
	t.Helper()
	g := &gif.GIF{LoopCount: 0}
	for i := 0; i < frames; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
		for p := range frame.Pix {
			frame.Pix[p] = uint8((i*17 + p) % len(palette.Plan9))
		}
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}
	return buf.Bytes()
}

func countBrightPixels(img image.Image, r image.Rectangle) int {
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr > 0x8000 && cg > 0x8000 && cb > 0x8000 {
				n++
			}
		}
	}
	return n
}

// Tests

func TestTargetFormat(t *testing.T) {
	tests := []struct {
		in       Format
		convert  bool
		expected Format
	}{
		{FormatJPEG, true, FormatWebP},
		{FormatPNG, true, FormatWebP},
		{FormatGIF, true, FormatGIF},
		{FormatWebP, true, FormatWebP},
		{FormatJPEG, false, FormatJPEG},
		{FormatPNG, false, FormatPNG},
	}
	for _, tt := range tests {
		if got := TargetFormat(tt.in, tt.convert); got != tt.expected {
			t.Errorf("TargetFormat(%s, %v) = %s, want %s", tt.in, tt.convert, got, tt.expected)
		}
	}
}

func TestProcess(t *testing.T) {
	t.Run("png stays png with dimensions", func(t *testing.T) {
		data := encodePNG(t, solidImage(64, 32, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))

		var out bytes.Buffer
		res, err := Process(&out, bytes.NewReader(data), FormatPNG, Options{Quality: 80})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Format != FormatPNG || res.Width != 64 || res.Height != 32 {
			t.Errorf("unexpected result: %+v", res)
		}
		if DetectFormat(out.Bytes()) != FormatPNG {
			t.Error("expected png output")
		}
	})

	t.Run("jpeg converted to webp when enabled", func(t *testing.T) {
		data := encodeJPEG(t, solidImage(40, 30, color.NRGBA{R: 200, A: 255}))

		var out bytes.Buffer
		res, err := Process(&out, bytes.NewReader(data), FormatJPEG, Options{Quality: 70, ConvertWebP: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Format != FormatWebP {
			t.Errorf("expected webp, got %s", res.Format)
		}
		if DetectFormat(out.Bytes()) != FormatWebP {
			t.Error("expected webp signature in output")
		}
		if res.Width != 40 || res.Height != 30 {
			t.Errorf("expected 40x30, got %dx%d", res.Width, res.Height)
		}
	})

	t.Run("watermark drawn bottom-right", func(t *testing.T) {
		data := encodePNG(t, solidImage(400, 400, color.NRGBA{A: 255}))

		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader(data), FormatPNG, Options{
			Quality:   80,
			Watermark: Watermark{Text: "imghost", Opacity: 255},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		img, err := png.Decode(&out)
		if err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		if n := countBrightPixels(img, image.Rect(200, 300, 400, 400)); n == 0 {
			t.Error("expected watermark pixels in the bottom-right corner")
		}
		if n := countBrightPixels(img, image.Rect(0, 0, 200, 200)); n != 0 {
			t.Errorf("expected no watermark pixels in the top-left, got %d", n)
		}
		if n := countBrightPixels(img, image.Rect(381, 0, 400, 400)); n != 0 {
			t.Errorf("expected padding on the right edge, got %d bright pixels", n)
		}
	})

	t.Run("watermarked output is opaque", func(t *testing.T) {
		src := solidImage(100, 100, color.NRGBA{R: 50, G: 60, B: 70, A: 0})
		data := encodePNG(t, src)

		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader(data), FormatPNG, Options{
			Quality:   80,
			Watermark: Watermark{Text: "x", Opacity: 128},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		img, _ := png.Decode(&out)
		if _, _, _, a := img.At(5, 5).RGBA(); a != 0xFFFF {
			t.Errorf("expected opaque pixel, got alpha %d", a)
		}
	})

	t.Run("gif keeps frames and skips watermark", func(t *testing.T) {
		data := encodeAnimatedGIF(t, 3, 120, 80)
		orig, _ := gif.DecodeAll(bytes.NewReader(data))

		var out bytes.Buffer
		res, err := Process(&out, bytes.NewReader(data), FormatGIF, Options{
			Quality:     80,
			ConvertWebP: true,
			Watermark:   Watermark{Text: "should not appear", Opacity: 255},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Format != FormatGIF || res.Width != 120 || res.Height != 80 {
			t.Errorf("unexpected result: %+v", res)
		}

		got, err := gif.DecodeAll(&out)
		if err != nil {
			t.Fatalf("failed to decode output gif: %v", err)
		}
		if len(got.Image) != 3 {
			t.Fatalf("expected 3 frames, got %d", len(got.Image))
		}
		for i := range got.Image {
			if !bytes.Equal(got.Image[i].Pix, orig.Image[i].Pix) {
				t.Errorf("frame %d pixels changed", i)
			}
		}
	})

	t.Run("valid signature but corrupt body", func(t *testing.T) {
		data := append([]byte("\x89PNG\r\n\x1a\n"), []byte("garbage garbage garbage")...)

		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader(data), FormatPNG, Options{Quality: 80})
		if !errors.Is(err, ErrCorruptImage) {
			t.Errorf("expected ErrCorruptImage, got %v", err)
		}
	})

	t.Run("corrupt gif", func(t *testing.T) {
		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader([]byte("GIF89a\x00")), FormatGIF, Options{})
		if !errors.Is(err, ErrCorruptImage) {
			t.Errorf("expected ErrCorruptImage, got %v", err)
		}
	})
}

// pngHeader returns a PNG holding only a 1-bit grayscale IHDR of the given
// size. Its pixel data is never reached by a config decode.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 1 // bit depth; color type, compression, filter, interlace stay 0

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	writeChunk := func(typ string, data []byte) {
		binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		buf.WriteString(typ)
		buf.Write(data)
		binary.Write(&buf, binary.BigEndian, crc.Sum32())
	}
	writeChunk("IHDR", ihdr)
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestCheckPixels(t *testing.T) {
	t.Run("huge png rejected before decode", func(t *testing.T) {
		data := pngHeader(12000, 12000)

		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader(data), FormatPNG, Options{Quality: 80})
		if !errors.Is(err, ErrImageTooLarge) {
			t.Fatalf("expected ErrImageTooLarge, got %v", err)
		}
		if out.Len() != 0 {
			t.Error("nothing should be encoded")
		}
	})

	t.Run("huge gif screen rejected", func(t *testing.T) {
		// 65535x65535 logical screen, no color table
		data := []byte("GIF89a\xff\xff\xff\xff\x00\x00\x00")

		var out bytes.Buffer
		_, err := Process(&out, bytes.NewReader(data), FormatGIF, Options{})
		if !errors.Is(err, ErrImageTooLarge) {
			t.Errorf("expected ErrImageTooLarge, got %v", err)
		}
	})

	t.Run("limit is inclusive", func(t *testing.T) {
		if err := CheckPixels(bytes.NewReader(pngHeader(10000, 10000))); err != nil {
			t.Errorf("10000x10000 is exactly the limit, got %v", err)
		}
		if err := CheckPixels(bytes.NewReader(pngHeader(10000, 10001))); !errors.Is(err, ErrImageTooLarge) {
			t.Errorf("expected ErrImageTooLarge, got %v", err)
		}
	})

	t.Run("rewinds to the start position", func(t *testing.T) {
		data := encodePNG(t, solidImage(4, 4, color.White))
		r := bytes.NewReader(data)
		if err := CheckPixels(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Len() != len(data) {
			t.Errorf("expected reader rewound, %d of %d bytes left", r.Len(), len(data))
		}
	})
}

func TestDimensions(t *testing.T) {
	t.Run("reads size", func(t *testing.T) {
		w, h, err := Dimensions(bytes.NewReader(encodePNG(t, solidImage(7, 9, color.White))))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w != 7 || h != 9 {
			t.Errorf("expected 7x9, got %dx%d", w, h)
		}
	})

	t.Run("corrupt data", func(t *testing.T) {
		_, _, err := Dimensions(bytes.NewReader([]byte{0xFF, 0xD8, 0xFF, 0x00}))
		if !errors.Is(err, ErrCorruptImage) {
			t.Errorf("expected ErrCorruptImage, got %v", err)
		}
	})
}
