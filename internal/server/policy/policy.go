// Package policy resolves the runtime-mutable upload policy.
//
// Values live in an external key/value store that admins can change at any
// time, so a Policy is resolved fresh for every request and never cached.
// Missing or malformed values fall back to documented defaults instead of
// blocking uploads.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"imghost/internal/core"
)

// Configuration keys.
const (
	KeyAllowedExts      = "ALLOWED_EXTS"
	KeyMaxUploadSize    = "MAX_UPLOAD_SIZE"
	KeyCompressQuality  = "compress_quality"
	KeyEnableWebP       = "ENABLE_WEBP_CONVERT"
	KeyWatermarkText    = "WATERMARK_TEXT"
	KeyWatermarkOpacity = "WATERMARK_OPACITY"
	KeyUserQuota        = "user_quota"
	KeyEnableInvite     = "ENABLE_INVITE_CODE"
)

// Defaults.
const (
	DefaultAllowedExts      = "jpg,jpeg,png,gif,webp"
	DefaultWatermarkOpacity = 128
	DefaultUserQuotaMB      = 500
)

const mb = 1024 * 1024

var (
	ErrDisallowedExtension = errors.New("file type not allowed")
	ErrOversize            = errors.New("file too large")
)

// Source is a read accessor over the configuration store. ok is false when
// the key is absent.
type Source interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// Policy is a resolved snapshot of the upload policy.
type Policy struct {
	AllowedExts       map[string]struct{}
	MaxUploadBytes    int64 // 0 = unlimited
	QualityCeiling    int
	Watermark         core.Watermark
	ConvertWebP       bool
	DefaultQuotaBytes int64 // 0 = unlimited
	InviteRequired    bool
}

// Allows reports whether an upload with the sniffed format or the given
// extension is permitted. Either match is sufficient.
func (p *Policy) Allows(f core.Format, ext string) bool {
	if _, ok := p.AllowedExts[string(f)]; ok {
		return true
	}
	_, ok := p.AllowedExts[strings.ToLower(ext)]
	return ok
}

// CheckType returns ErrDisallowedExtension when neither the format nor the
// extension is allowed.
func (p *Policy) CheckType(f core.Format, ext string) error {
	if !p.Allows(f, ext) {
		return fmt.Errorf("%w: %s", ErrDisallowedExtension, ext)
	}
	return nil
}

// CheckSize returns ErrOversize when size exceeds a non-zero cap.
func (p *Policy) CheckSize(size int64) error {
	if p.MaxUploadBytes > 0 && size > p.MaxUploadBytes {
		return fmt.Errorf("%w: max %s", ErrOversize, humanMB(p.MaxUploadBytes))
	}
	return nil
}

// Resolver builds a Policy from a Source.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver reading from src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve reads every policy key and returns the effective Policy.
func (r *Resolver) Resolve(ctx context.Context) *Policy {
	return &Policy{
		AllowedExts:    ParseExts(r.get(ctx, KeyAllowedExts, DefaultAllowedExts)),
		MaxUploadBytes: parseMB(r.get(ctx, KeyMaxUploadSize, "")),
		QualityCeiling: parseInt(r.get(ctx, KeyCompressQuality, ""), core.DefaultQuality),
		Watermark: core.Watermark{
			Text:    r.get(ctx, KeyWatermarkText, ""),
			Opacity: uint8(min(max(parseInt(r.get(ctx, KeyWatermarkOpacity, ""), DefaultWatermarkOpacity), 0), 255)),
		},
		ConvertWebP:       parseBool(r.get(ctx, KeyEnableWebP, "false")),
		DefaultQuotaBytes: r.defaultQuota(ctx),
		InviteRequired:    parseBool(r.get(ctx, KeyEnableInvite, "false")),
	}
}

// QualityCeiling reads only the admin quality ceiling.
func (r *Resolver) QualityCeiling(ctx context.Context) int {
	return parseInt(r.get(ctx, KeyCompressQuality, ""), core.DefaultQuality)
}

// InviteRequired reads only the invite toggle.
func (r *Resolver) InviteRequired(ctx context.Context) bool {
	return parseBool(r.get(ctx, KeyEnableInvite, "false"))
}

func (r *Resolver) defaultQuota(ctx context.Context) int64 {
	n := parseInt(r.get(ctx, KeyUserQuota, ""), DefaultUserQuotaMB)
	if n < 0 {
		n = DefaultUserQuotaMB
	}
	return int64(n) * mb
}

// get returns the value for key, or def when it is absent, empty or the
// store cannot be read.
func (r *Resolver) get(ctx context.Context, key, def string) string {
	v, ok, err := r.src.Get(ctx, key)
	if err != nil {
		slog.Warn("policy lookup failed, using default", "key", key, "error", err)
		return def
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" || v == "None" {
		return def
	}
	return v
}

// ParseExts splits a comma-separated extension list.
func ParseExts(s string) map[string]struct{} {
	exts := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(part)), ".")
		if part != "" {
			exts[part] = struct{}{}
		}
	}
	return exts
}

// parseMB converts a megabyte value to bytes. Invalid or negative values
// mean unlimited.
func parseMB(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f <= 0 || f*mb >= math.MaxInt64 {
		return 0
	}
	return int64(f * mb)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func humanMB(b int64) string {
	return strconv.FormatFloat(float64(b)/mb, 'f', -1, 64) + "MB"
}
