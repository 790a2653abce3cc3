package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// sniffLen is how much of the stream is inspected for a signature.
const sniffLen = 512

// ErrUnrecognizedFormat is returned when no known image signature matches.
var ErrUnrecognizedFormat = errors.New("unrecognized image format")

// Format is an image format detected from leading bytes.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
)

var (
	sigJPEG  = []byte{0xFF, 0xD8, 0xFF}
	sigPNG   = []byte("\x89PNG\r\n\x1a\n")
	sigGIF87 = []byte("GIF87a")
	sigGIF89 = []byte("GIF89a")
	sigRIFF  = []byte("RIFF")
	tagWEBP  = []byte("WEBP")
)

// Ext returns the canonical file extension for f, without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// MIME returns the media type for f.
func (f Format) MIME() string {
	if f == FormatUnknown || f == "" {
		return "application/octet-stream"
	}
	return "image/" + string(f)
}

// HasExt reports whether ext names this format (jpg and jpeg are aliases).
func (f Format) HasExt(ext string) bool {
	switch f {
	case FormatJPEG:
		return ext == "jpg" || ext == "jpeg"
	case FormatUnknown:
		return false
	}
	return ext == string(f)
}

// DetectFormat matches header against the known signatures.
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, sigJPEG):
		return FormatJPEG
	case bytes.HasPrefix(header, sigPNG):
		return FormatPNG
	case bytes.HasPrefix(header, sigGIF87), bytes.HasPrefix(header, sigGIF89):
		return FormatGIF
	case bytes.HasPrefix(header, sigRIFF) && bytes.Contains(header, tagWEBP):
		return FormatWebP
	}
	return FormatUnknown
}

// Sniff reads up to 512 bytes from r and returns the detected format.
// The stream is rewound to the position it had on entry, so callers can
// read it again from the start. An unknown format is reported as
// ErrUnrecognizedFormat.
func Sniff(r io.ReadSeeker) (Format, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return FormatUnknown, fmt.Errorf("failed to read stream position: %w", err)
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("failed to read header: %w", err)
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return FormatUnknown, fmt.Errorf("failed to rewind stream: %w", err)
	}

	format := DetectFormat(header[:n])
	if format == FormatUnknown {
		return FormatUnknown, ErrUnrecognizedFormat
	}
	return format, nil
}
