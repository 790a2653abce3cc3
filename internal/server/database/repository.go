package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

const (
	imagesTable     = "images"
	imageStatsTable = "image_stats"

	idColumn           = "id"
	filenameColumn     = "filename"
	originalNameColumn = "original_name"
	userIDColumn       = "user_id"
	sizeColumn         = "size"
	widthColumn        = "width"
	heightColumn       = "height"
	mimeTypeColumn     = "mime_type"
	uploadTimeColumn   = "upload_time"

	imageIDColumn     = "image_id"
	viewCountColumn   = "view_count"
	firstViewColumn   = "first_view"
	lastViewColumn    = "last_view"
	lastRefererColumn = "last_referer"
)

// ImageRepository persists image records and their view statistics.
type ImageRepository struct {
	db *DB
}

// NewImageRepository creates a new ImageRepository.
func NewImageRepository(db *DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Create inserts an image record and fills in its ID and upload time.
func (r *ImageRepository) Create(ctx context.Context, img *Image) error {
	sql, args, err := r.db.Builder.
		Insert(imagesTable).
		Columns(
			filenameColumn,
			originalNameColumn,
			userIDColumn,
			sizeColumn,
			widthColumn,
			heightColumn,
			mimeTypeColumn,
		).
		Values(
			img.Filename,
			img.OriginalName,
			img.UserID,
			img.Size,
			img.Width,
			img.Height,
			img.MIMEType,
		).
		Suffix("RETURNING " + idColumn + ", " + uploadTimeColumn).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build image insert: %w", err)
	}

	err = r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...).Scan(&img.ID, &img.UploadTime)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", mapPgError(err))
	}
	return nil
}

// CreateStats inserts the zeroed statistics row for an image.
func (r *ImageRepository) CreateStats(ctx context.Context, imageID int64) error {
	sql, args, err := r.db.Builder.
		Insert(imageStatsTable).
		Columns(imageIDColumn, viewCountColumn).
		Values(imageID, 0).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build stats insert: %w", err)
	}

	if _, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to create image stats: %w", mapPgError(err))
	}
	return nil
}

func (r *ImageRepository) selectImages() squirrel.SelectBuilder {
	return r.db.Builder.
		Select(
			"i."+idColumn,
			"i."+filenameColumn,
			"i."+originalNameColumn,
			"i."+userIDColumn,
			"i."+sizeColumn,
			"i."+widthColumn,
			"i."+heightColumn,
			"i."+mimeTypeColumn,
			"i."+uploadTimeColumn,
			"COALESCE(s."+viewCountColumn+", 0)",
		).
		From(imagesTable + " i").
		LeftJoin(imageStatsTable + " s ON s." + imageIDColumn + " = i." + idColumn)
}

func (r *ImageRepository) getOne(ctx context.Context, where squirrel.Sqlizer) (*Image, error) {
	sql, args, err := r.selectImages().Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build image select: %w", err)
	}

	img := &Image{}
	err = r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...).Scan(
		&img.ID,
		&img.Filename,
		&img.OriginalName,
		&img.UserID,
		&img.Size,
		&img.Width,
		&img.Height,
		&img.MIMEType,
		&img.UploadTime,
		&img.Views,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// GetByID retrieves an image by its ID.
func (r *ImageRepository) GetByID(ctx context.Context, id int64) (*Image, error) {
	return r.getOne(ctx, squirrel.Eq{"i." + idColumn: id})
}

// GetByFilename retrieves an image by its stored file name.
func (r *ImageRepository) GetByFilename(ctx context.Context, filename string) (*Image, error) {
	return r.getOne(ctx, squirrel.Eq{"i." + filenameColumn: filename})
}

// Delete removes an image record. Its stats row goes with it.
func (r *ImageRepository) Delete(ctx context.Context, id int64) error {
	sql, args, err := r.db.Builder.
		Delete(imagesTable).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build image delete: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UsageByUser returns the image count and total stored bytes for a user.
func (r *ImageRepository) UsageByUser(ctx context.Context, userID int64) (*Usage, error) {
	sql, args, err := r.db.Builder.
		Select("COUNT(*)", "COALESCE(SUM("+sizeColumn+"), 0)").
		From(imagesTable).
		Where(squirrel.Eq{userIDColumn: userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build usage query: %w", err)
	}

	u := &Usage{}
	if err := r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...).Scan(&u.ImageCount, &u.UsedBytes); err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return u, nil
}

// KnownFilenames returns the subset of names that have an image record.
func (r *ImageRepository) KnownFilenames(ctx context.Context, names []string) (map[string]bool, error) {
	known := make(map[string]bool, len(names))
	if len(names) == 0 {
		return known, nil
	}

	sql, args, err := r.filenameLookup(names).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build filename lookup: %w", err)
	}

	rows, err := r.db.GetExecutor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query filenames: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan filename: %w", err)
		}
		known[name] = true
	}
	return known, rows.Err()
}

// filenameLookup binds names as one text[] parameter, so the query stays
// within the protocol's bind parameter limit however many files are checked.
func (r *ImageRepository) filenameLookup(names []string) squirrel.SelectBuilder {
	return r.db.Builder.
		Select(filenameColumn).
		From(imagesTable).
		Where(squirrel.Expr(filenameColumn+" = ANY(?)", names))
}

// FilenamesByUser returns the stored file names of every image owned by
// userID.
func (r *ImageRepository) FilenamesByUser(ctx context.Context, userID int64) ([]string, error) {
	sql, args, err := r.db.Builder.
		Select(filenameColumn).
		From(imagesTable).
		Where(squirrel.Eq{userIDColumn: userID}).
		OrderBy(idColumn).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build filename select: %w", err)
	}

	rows, err := r.db.GetExecutor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user images: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan filename: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteByUser removes every image record owned by userID and returns how
// many were deleted. Stats rows go with them.
func (r *ImageRepository) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	sql, args, err := r.db.Builder.
		Delete(imagesTable).
		Where(squirrel.Eq{userIDColumn: userID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build image delete: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user images: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddViews applies a batch of views to the stats row of the named image.
func (r *ImageRepository) AddViews(ctx context.Context, filename string, d ViewDelta) error {
	sql, args, err := r.db.Builder.
		Update(imageStatsTable).
		Set(viewCountColumn, squirrel.Expr(viewCountColumn+" + ?", d.Count)).
		Set(lastViewColumn, d.LastView).
		Set(firstViewColumn, squirrel.Expr("COALESCE("+firstViewColumn+", ?)", d.LastView)).
		Set(lastRefererColumn, squirrel.Expr("COALESCE(NULLIF(?, ''), "+lastRefererColumn+")", d.Referer)).
		Where(squirrel.Expr(imageIDColumn+" = (SELECT "+idColumn+" FROM "+imagesTable+" WHERE "+filenameColumn+" = ?)", filename)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build view update: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to add views: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
