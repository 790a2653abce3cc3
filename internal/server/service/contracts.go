package service

import (
	"context"
	"time"

	"imghost/internal/server/database"
	"imghost/internal/server/policy"
)

// Transactor scopes repository calls to a single database transaction.
type Transactor interface {
	WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error
}

// PolicyResolver yields the upload policy in effect right now.
type PolicyResolver interface {
	Resolve(ctx context.Context) *policy.Policy
}

type UsageReader interface {
	UsageByUser(ctx context.Context, userID int64) (*database.Usage, error)
}

type ImageRepository interface {
	UsageReader
	Create(ctx context.Context, img *database.Image) error
	CreateStats(ctx context.Context, imageID int64) error
	GetByID(ctx context.Context, id int64) (*database.Image, error)
	Delete(ctx context.Context, id int64) error
}

// UserImages is the image repository surface that user management needs.
type UserImages interface {
	UsageReader
	FilenamesByUser(ctx context.Context, userID int64) ([]string, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
}

// ViewStore persists batches of image views.
type ViewStore interface {
	AddViews(ctx context.Context, filename string, d database.ViewDelta) error
}

type UserRepository interface {
	Create(ctx context.Context, u *database.User) error
	GetByID(ctx context.Context, id int64) (*database.User, error)
	GetByUsername(ctx context.Context, username string) (*database.User, error)
	List(ctx context.Context) ([]*database.User, error)
	Count(ctx context.Context) (int64, error)
	SetQuota(ctx context.Context, id int64, quotaBytes *int64) error
	SetPassword(ctx context.Context, id int64, passwordHash string) error
	UpdateStatus(ctx context.Context, id int64, role string, active bool) error
	Delete(ctx context.Context, id int64) error
}

type InviteRepository interface {
	CreateBatch(ctx context.Context, codes []string, maxUses int, expiresAt *time.Time) error
	Redeem(ctx context.Context, code string, now time.Time) error
	MarkUsedBy(ctx context.Context, code string, userID int64) error
	List(ctx context.Context) ([]*database.InviteCode, error)
	Delete(ctx context.Context, id int64) error
}

type ConfigStore interface {
	policy.Source
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}
