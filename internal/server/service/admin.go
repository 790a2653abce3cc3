package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"imghost/internal/server/database"
	"imghost/internal/server/storage"
)

const (
	maxConfigKeyLen   = 64
	maxConfigValueLen = 256
	maxInviteBatch    = 100
	inviteCodeLen     = 16
	minAdminPassword  = 6
)

// InviteRequest asks for a batch of invite codes.
type InviteRequest struct {
	Count int `json:"count"`
	Days  int `json:"days"`  // validity; 0 never expires
	Limit int `json:"limit"` // uses per code
}

// UserSummary is an account with its storage usage.
type UserSummary struct {
	User  *database.User
	Usage database.Usage
}

// UserUpdate changes an account's role or active flag. Nil fields are left
// as they are.
type UserUpdate struct {
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

// AdminService backs the admin endpoints: runtime policy, invites, user
// management and per-user quotas.
type AdminService struct {
	config  ConfigStore
	users   UserRepository
	invites InviteRepository
	images  UserImages
	store   storage.Store
	tx      Transactor
	now     func() time.Time
}

// NewAdminService creates a new admin service.
func NewAdminService(config ConfigStore, users UserRepository, invites InviteRepository, images UserImages, store storage.Store, tx Transactor) *AdminService {
	return &AdminService{
		config:  config,
		users:   users,
		invites: invites,
		images:  images,
		store:   store,
		tx:      tx,
		now:     time.Now,
	}
}

// Config returns every stored policy value.
func (s *AdminService) Config(ctx context.Context) (map[string]string, error) {
	return s.config.All(ctx)
}

// UpdateConfig stores the given values. Changes apply to the next request.
func (s *AdminService) UpdateConfig(ctx context.Context, values map[string]string) error {
	for k, v := range values {
		if k == "" || len(k) > maxConfigKeyLen {
			return fmt.Errorf("%w: bad config key %q", ErrInvalidInput, k)
		}
		if len(v) > maxConfigValueLen {
			return fmt.Errorf("%w: value for %s is too long", ErrInvalidInput, k)
		}
	}

	for k, v := range values {
		if err := s.config.Set(ctx, k, v); err != nil {
			return err
		}
		slog.Info("config updated", "key", k)
	}
	return nil
}

// CreateInvites generates random invite codes.
func (s *AdminService) CreateInvites(ctx context.Context, req InviteRequest) ([]string, error) {
	if req.Count < 1 || req.Count > maxInviteBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidInput, maxInviteBatch)
	}
	if req.Limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1", ErrInvalidInput)
	}
	if req.Days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", ErrInvalidInput)
	}

	var expiresAt *time.Time
	if req.Days > 0 {
		t := s.now().UTC().AddDate(0, 0, req.Days)
		expiresAt = &t
	}

	codes := make([]string, req.Count)
	for i := range codes {
		codes[i] = strings.ReplaceAll(uuid.NewString(), "-", "")[:inviteCodeLen]
	}

	if err := s.invites.CreateBatch(ctx, codes, req.Limit, expiresAt); err != nil {
		return nil, err
	}

	slog.Info("created invite codes", "count", req.Count, "limit", req.Limit, "days", req.Days)
	return codes, nil
}

// Invites lists all invite codes.
func (s *AdminService) Invites(ctx context.Context) ([]*database.InviteCode, error) {
	return s.invites.List(ctx)
}

// DeleteInvite removes an invite code.
func (s *AdminService) DeleteInvite(ctx context.Context, id int64) error {
	if err := s.invites.Delete(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// SetUserQuota sets a user's quota override in MB. nil resets the user to
// the global default.
func (s *AdminService) SetUserQuota(ctx context.Context, userID int64, quotaMB *float64) (*int64, error) {
	var quotaBytes *int64
	if quotaMB != nil {
		mb := *quotaMB
		if math.IsNaN(mb) || mb < 0 || mb*1024*1024 >= math.MaxInt64 {
			return nil, fmt.Errorf("%w: invalid quota value", ErrInvalidInput)
		}
		b := int64(mb * 1024 * 1024)
		quotaBytes = &b
	}

	if err := s.users.SetQuota(ctx, userID, quotaBytes); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if quotaBytes == nil {
		slog.Info("user quota reset to default", "user_id", userID)
	} else {
		slog.Info("user quota updated", "user_id", userID, "quota_bytes", *quotaBytes)
	}
	return quotaBytes, nil
}

// Users lists every account with its image count and bytes used.
func (s *AdminService) Users(ctx context.Context) ([]UserSummary, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		usage, err := s.images.UsageByUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, UserSummary{User: u, Usage: *usage})
	}
	return out, nil
}

// UpdateUser changes another account's role or active flag. Admins cannot
// change their own account.
func (s *AdminService) UpdateUser(ctx context.Context, caller *database.User, id int64, upd UserUpdate) (*database.User, error) {
	if caller.ID == id {
		return nil, fmt.Errorf("%w: cannot modify your own account", ErrInvalidInput)
	}
	if upd.Role != nil && *upd.Role != database.RoleUser && *upd.Role != database.RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *upd.Role)
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if upd.Role != nil {
		user.Role = *upd.Role
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}

	if err := s.users.UpdateStatus(ctx, id, user.Role, user.IsActive); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	slog.Info("user updated", "user_id", id, "role", user.Role, "is_active", user.IsActive, "by", caller.ID)
	return user, nil
}

// DeleteUser removes another account and all of its images. The records go
// in one transaction; file removal afterwards is best-effort and anything
// left behind is collected by the orphan sweeper.
func (s *AdminService) DeleteUser(ctx context.Context, caller *database.User, id int64) error {
	if caller.ID == id {
		return fmt.Errorf("%w: cannot delete your own account", ErrInvalidInput)
	}

	var files []string
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		if files, err = s.images.FilenamesByUser(ctx, id); err != nil {
			return err
		}
		if _, err := s.images.DeleteByUser(ctx, id); err != nil {
			return err
		}
		return s.users.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	for _, name := range files {
		if err := s.store.Delete(name); err != nil {
			slog.Error("failed to remove image file", "filename", name, "user_id", id, "error", err)
		}
	}

	slog.Info("user deleted", "user_id", id, "images", len(files), "by", caller.ID)
	return nil
}

// ResetUserPassword sets a new password for any account.
func (s *AdminService) ResetUserPassword(ctx context.Context, id int64, password string) error {
	if err := checkPasswordLen(password, minAdminPassword); err != nil {
		return err
	}
	if err := setPassword(ctx, s.users, id, password); err != nil {
		return err
	}
	slog.Info("user password reset", "user_id", id)
	return nil
}
