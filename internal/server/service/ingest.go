package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"imghost/internal/core"
	"imghost/internal/server/database"
	"imghost/internal/server/policy"
	"imghost/internal/server/storage"
)

// Upload rejections. Everything except ErrStorageFailure is a client error.
// ErrCorruptImage may wrap decoder detail that is only fit for logs.
var (
	ErrUnrecognizedFormat  = core.ErrUnrecognizedFormat
	ErrDisallowedExtension = policy.ErrDisallowedExtension
	ErrOversizeUpload      = policy.ErrOversize
	ErrCorruptImage        = core.ErrCorruptImage
	ErrImageTooLarge       = core.ErrImageTooLarge
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
	ErrStorageFailure      = errors.New("failed to store image")
)

// UploadRequest is one file submitted for ingestion.
type UploadRequest struct {
	Body     io.ReadSeeker
	Filename string // as declared by the client
	Quality  *int   // nil uses the admin ceiling
	Mode     core.Mode
	Owner    *database.User
}

// Artifact describes a stored image.
type Artifact struct {
	Filename     string
	OriginalName string
	Size         int64
	Width        int
	Height       int
	MIME         string
	Mode         core.Mode
}

// QuotaStatus is a user's storage usage against their effective quota.
type QuotaStatus struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"` // 0 = unlimited
	ImageCount int64 `json:"image_count"`
}

// IngestService turns an untrusted upload into a stored file.
type IngestService struct {
	usage  UsageReader
	policy PolicyResolver
	store  storage.Store
}

// NewIngestService creates a new ingest service.
func NewIngestService(usage UsageReader, resolver PolicyResolver, store storage.Store) *IngestService {
	return &IngestService{
		usage:  usage,
		policy: resolver,
		store:  store,
	}
}

// EffectiveQuota returns the quota that applies to a user: a positive
// override wins, otherwise the global default. 0 means unlimited.
func EffectiveQuota(override *int64, globalBytes int64) int64 {
	if override != nil && *override > 0 {
		return *override
	}
	return globalBytes
}

// Quota reports the owner's current usage and effective quota.
func (s *IngestService) Quota(ctx context.Context, owner *database.User) (*QuotaStatus, error) {
	return s.quota(ctx, owner, s.policy.Resolve(ctx))
}

func (s *IngestService) quota(ctx context.Context, owner *database.User, pol *policy.Policy) (*QuotaStatus, error) {
	usage, err := s.usage.UsageByUser(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage usage: %w", err)
	}
	return &QuotaStatus{
		UsedBytes:  usage.UsedBytes,
		QuotaBytes: EffectiveQuota(owner.QuotaBytes, pol.DefaultQuotaBytes),
		ImageCount: usage.ImageCount,
	}, nil
}

// Ingest runs the pipeline: quota gate, content sniffing, policy checks,
// transform and storage. The returned artifact is on disk but has no
// database record yet.
func (s *IngestService) Ingest(ctx context.Context, req UploadRequest) (*Artifact, error) {
	pol := s.policy.Resolve(ctx)

	// 1. Quota gate runs before any decoding work
	q, err := s.quota(ctx, req.Owner, pol)
	if err != nil {
		return nil, err
	}
	if q.QuotaBytes > 0 && q.UsedBytes >= q.QuotaBytes {
		return nil, fmt.Errorf("%w: %s of %s used", ErrQuotaExceeded, humanBytes(q.UsedBytes), humanBytes(q.QuotaBytes))
	}

	// 2. Sniff the real format; the declared name is never trusted
	format, err := core.Sniff(req.Body)
	if err != nil {
		if errors.Is(err, core.ErrUnrecognizedFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	// 3. Policy: type and size
	original := core.SecureFilename(req.Filename)
	ext := core.EffectiveExt(original, format)
	if err := pol.CheckType(format, ext); err != nil {
		return nil, err
	}

	size, err := req.Body.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to measure upload: %w", err)
	}
	if _, err := req.Body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}
	if err := pol.CheckSize(size); err != nil {
		return nil, err
	}

	if original == "" {
		original = "image." + ext
	}

	// 4. Transform and store
	var art *Artifact
	switch req.Mode {
	case core.ModePassthrough:
		art, err = s.storeOriginal(req.Body, format, ext)
	default:
		opts := core.Options{
			Quality:     core.ResolveQuality(req.Quality, pol.QualityCeiling),
			ConvertWebP: pol.ConvertWebP,
			Watermark:   pol.Watermark,
		}
		art, err = s.storeProcessed(req.Body, format, ext, opts)
	}
	if err != nil {
		return nil, err
	}

	art.OriginalName = original
	art.Mode = req.Mode

	slog.Info("image ingested",
		"filename", art.Filename,
		"original_name", original,
		"mode", req.Mode.String(),
		"format", string(format),
		"upload_size", size,
		"stored_size", art.Size,
		"width", art.Width,
		"height", art.Height,
	)
	return art, nil
}

// storeOriginal writes the upload byte for byte, then reads the dimensions
// back from the stored file.
func (s *IngestService) storeOriginal(body io.Reader, format core.Format, ext string) (*Artifact, error) {
	name := storage.NewName(core.StoredExt(ext, format))
	n, err := s.store.Save(name, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	f, err := s.store.Open(name)
	if err != nil {
		s.discard(name)
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	w, h, err := core.Dimensions(f)
	f.Close()
	if err != nil {
		s.discard(name)
		return nil, err
	}

	return &Artifact{
		Filename: name,
		Size:     n,
		Width:    w,
		Height:   h,
		MIME:     format.MIME(),
	}, nil
}

func (s *IngestService) storeProcessed(body io.ReadSeeker, format core.Format, ext string, opts core.Options) (*Artifact, error) {
	var buf bytes.Buffer
	res, err := core.Process(&buf, body, format, opts)
	if err != nil {
		if errors.Is(err, core.ErrCorruptImage) || errors.Is(err, core.ErrImageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to process image: %w", err)
	}

	name := storage.NewName(core.StoredExt(ext, res.Format))
	n, err := s.store.Save(name, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	return &Artifact{
		Filename: name,
		Size:     n,
		Width:    res.Width,
		Height:   res.Height,
		MIME:     res.Format.MIME(),
	}, nil
}

func (s *IngestService) discard(name string) {
	if err := s.store.Delete(name); err != nil {
		slog.Error("failed to remove rejected file", "filename", name, "error", err)
	}
}

func humanBytes(n int64) string {
	return strconv.FormatFloat(float64(n)/(1024*1024), 'f', 1, 64) + "MB"
}
