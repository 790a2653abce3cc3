package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"imghost/internal/server/database"
	"imghost/internal/server/storage"
)

// Sentinel errors for lookups and ownership.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("not allowed")
)

// UploadResult is returned after a successful upload.
type UploadResult struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	MIMEType     string    `json:"mime_type"`
	Mode         string    `json:"mode"`
	UploadTime   time.Time `json:"upload_time"`
}

// UploadService contains the business logic for stored images: ingesting
// and recording uploads, serving and deleting them.
type UploadService struct {
	ingest  *IngestService
	images  ImageRepository
	tx      Transactor
	store   storage.Store
	views   *ViewCounter
	baseURL string
}

// NewUploadService creates a new upload service.
func NewUploadService(ingest *IngestService, images ImageRepository, tx Transactor, store storage.Store, views *ViewCounter, baseURL string) *UploadService {
	return &UploadService{
		ingest:  ingest,
		images:  images,
		tx:      tx,
		store:   store,
		views:   views,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Upload ingests the file and records it. The image and its stats row are
// written in one transaction; if that fails the stored file is removed so
// no unreferenced file is left behind.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	art, err := s.ingest.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}

	img := &database.Image{
		Filename:     art.Filename,
		OriginalName: art.OriginalName,
		UserID:       &req.Owner.ID,
		Size:         art.Size,
		Width:        art.Width,
		Height:       art.Height,
		MIMEType:     art.MIME,
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.images.Create(ctx, img); err != nil {
			return err
		}
		return s.images.CreateStats(ctx, img.ID)
	})
	if err != nil {
		// Clean up stored file on DB failure
		if delErr := s.store.Delete(art.Filename); delErr != nil {
			slog.Error("failed to remove unrecorded file",
				"filename", art.Filename,
				"error", delErr,
			)
		}
		return nil, fmt.Errorf("%w: failed to record image: %w", ErrStorageFailure, err)
	}

	slog.Info("upload recorded",
		"id", img.ID,
		"filename", img.Filename,
		"user_id", req.Owner.ID,
		"size", img.Size,
	)

	return &UploadResult{
		ID:           img.ID,
		URL:          s.URL(img.Filename),
		Filename:     img.Filename,
		OriginalName: img.OriginalName,
		Size:         img.Size,
		Width:        img.Width,
		Height:       img.Height,
		MIMEType:     img.MIMEType,
		Mode:         art.Mode.String(),
		UploadTime:   img.UploadTime,
	}, nil
}

// URL returns the public address of a stored file.
func (s *UploadService) URL(filename string) string {
	return s.baseURL + "/i/" + filename
}

// Quota reports the owner's usage against their effective quota.
func (s *UploadService) Quota(ctx context.Context, owner *database.User) (*QuotaStatus, error) {
	return s.ingest.Quota(ctx, owner)
}

// Open returns a stored file for serving and records a view. Counting is
// best-effort and never affects the response.
func (s *UploadService) Open(ctx context.Context, filename, referer string) (afero.File, os.FileInfo, error) {
	if !storage.ValidName(filename) {
		return nil, nil, ErrNotFound
	}

	f, err := s.store.Open(filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat image: %w", err)
	}

	s.views.Record(ctx, filename, referer)
	return f, info, nil
}

// DeleteImage removes an image owned by caller, or any image when caller is
// an admin. A file that cannot be removed is logged and the record is
// deleted anyway.
func (s *UploadService) DeleteImage(ctx context.Context, caller *database.User, id int64) error {
	img, err := s.images.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	if !caller.IsAdmin() && (img.UserID == nil || *img.UserID != caller.ID) {
		return ErrForbidden
	}

	if err := s.store.Delete(img.Filename); err != nil {
		slog.Error("failed to delete file from storage", "id", id, "filename", img.Filename, "error", err)
		// Continue with DB deletion even if file deletion fails
	}

	if err := s.images.Delete(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete image record: %w", err)
	}

	slog.Info("image deleted", "id", id, "filename", img.Filename, "by", caller.ID)
	return nil
}
