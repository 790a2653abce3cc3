package core

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps width*height for images that are fully decoded.
const MaxPixels = 100_000_000

var (
	// ErrCorruptImage is returned when bytes carry a valid signature but
	// cannot be decoded.
	ErrCorruptImage = errors.New("image data is corrupt or unreadable")
	// ErrImageTooLarge is returned when the declared dimensions exceed
	// MaxPixels.
	ErrImageTooLarge = errors.New("image dimensions too large")
)

// Mode selects how an upload is turned into stored bytes.
type Mode int

const (
	// ModeProcessed decodes, reorients, optionally converts and watermarks,
	// and re-encodes the image.
	ModeProcessed Mode = iota
	// ModePassthrough stores the uploaded bytes unmodified.
	ModePassthrough
)

func (m Mode) String() string {
	if m == ModePassthrough {
		return "passthrough"
	}
	return "processed"
}

// Options controls processed-mode transforms.
type Options struct {
	Quality     int
	ConvertWebP bool
	Watermark   Watermark
}

// Result describes an encoded image.
type Result struct {
	Format Format
	Width  int
	Height int
}

// TargetFormat returns the format a processed upload is stored as.
// JPEG and PNG are retargeted to WebP when conversion is enabled.
func TargetFormat(f Format, convertWebP bool) Format {
	if convertWebP && (f == FormatJPEG || f == FormatPNG) {
		return FormatWebP
	}
	return f
}

// StoredExt picks the extension for a stored file: the declared extension
// when it already names target, the canonical one otherwise.
func StoredExt(declared string, target Format) string {
	if target.HasExt(declared) {
		return declared
	}
	return target.Ext()
}

// Process decodes src as format f, applies the configured transforms and
// encodes the result into w.
//
// GIF input keeps every frame and is never watermarked or converted. Static
// input is reoriented from its EXIF data, which also drops the EXIF block on
// re-encode. The declared dimensions are checked against MaxPixels before
// any pixel data is decoded.
func Process(w io.Writer, src io.ReadSeeker, f Format, opts Options) (*Result, error) {
	if err := CheckPixels(src); err != nil {
		return nil, err
	}

	if f == FormatGIF {
		return processGIF(w, src)
	}

	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}

	if opts.Watermark.Enabled() {
		img = ApplyWatermark(img, opts.Watermark)
	}

	target := TargetFormat(f, opts.ConvertWebP)
	if err := encode(w, img, target, opts.Quality); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", target, err)
	}

	b := img.Bounds()
	return &Result{Format: target, Width: b.Dx(), Height: b.Dy()}, nil
}

func processGIF(w io.Writer, src io.Reader) (*Result, error) {
	g, err := gif.DecodeAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrCorruptImage)
	}

	if err := gif.EncodeAll(w, g); err != nil {
		return nil, fmt.Errorf("failed to encode gif: %w", err)
	}

	width, height := g.Config.Width, g.Config.Height
	if width == 0 || height == 0 {
		b := g.Image[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}
	return &Result{Format: FormatGIF, Width: width, Height: height}, nil
}

func encode(w io.Writer, img image.Image, f Format, quality int) error {
	switch f {
	case FormatJPEG:
		// JPEG has no alpha channel
		opaque := imaging.Clone(img)
		flatten(opaque)
		return imaging.Encode(w, opaque, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported target format %q", f)
	}
}

// CheckPixels reads the image header from src and rejects images whose
// width*height exceeds MaxPixels. src is rewound to where it started.
func CheckPixels(src io.ReadSeeker) error {
	start, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	cfg, _, err := image.DecodeConfig(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return err
	}

	if px := int64(cfg.Width) * int64(cfg.Height); px > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, MaxPixels)
	}
	return nil
}

// Dimensions reads the pixel size of an encoded image without decoding the
// pixel data.
func Dimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	return cfg.Width, cfg.Height, nil
}
