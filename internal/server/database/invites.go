package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
)

const (
	invitesTable = "invite_codes"

	codeColumn        = "code"
	maxUsesColumn     = "max_uses"
	currentUsesColumn = "current_uses"
	expiresAtColumn   = "expires_at"
	usedByIDColumn    = "used_by_id"
)

// InviteRepository persists invite codes.
type InviteRepository struct {
	db *DB
}

// NewInviteRepository creates a new InviteRepository.
func NewInviteRepository(db *DB) *InviteRepository {
	return &InviteRepository{db: db}
}

// CreateBatch inserts one invite per code, all sharing the same limits.
func (r *InviteRepository) CreateBatch(ctx context.Context, codes []string, maxUses int, expiresAt *time.Time) error {
	if len(codes) == 0 {
		return nil
	}

	q := r.db.Builder.
		Insert(invitesTable).
		Columns(codeColumn, maxUsesColumn, currentUsesColumn, expiresAtColumn)
	for _, c := range codes {
		q = q.Values(c, maxUses, 0, expiresAt)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build invite insert: %w", err)
	}

	if _, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to create invites: %w", mapPgError(err))
	}
	return nil
}

// Redeem consumes one use of a code in a single conditional update, so two
// concurrent registrations can never both take the last use. An unknown,
// expired or exhausted code returns ErrNotFound.
func (r *InviteRepository) Redeem(ctx context.Context, code string, now time.Time) error {
	sql, args, err := r.db.Builder.
		Update(invitesTable).
		Set(currentUsesColumn, squirrel.Expr(currentUsesColumn+" + 1")).
		Where(squirrel.Eq{codeColumn: code}).
		Where(squirrel.Expr(currentUsesColumn + " < " + maxUsesColumn)).
		Where(squirrel.Or{
			squirrel.Eq{expiresAtColumn: nil},
			squirrel.Gt{expiresAtColumn: now},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build invite redeem: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to redeem invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUsedBy records the last user that redeemed a code.
func (r *InviteRepository) MarkUsedBy(ctx context.Context, code string, userID int64) error {
	sql, args, err := r.db.Builder.
		Update(invitesTable).
		Set(usedByIDColumn, userID).
		Where(squirrel.Eq{codeColumn: code}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build invite update: %w", err)
	}

	if _, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to mark invite used: %w", err)
	}
	return nil
}

// List returns all invite codes, newest first.
func (r *InviteRepository) List(ctx context.Context) ([]*InviteCode, error) {
	sql, args, err := r.db.Builder.
		Select(idColumn, codeColumn, maxUsesColumn, currentUsesColumn, expiresAtColumn, createdAtColumn).
		From(invitesTable).
		OrderBy(createdAtColumn + " DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build invite select: %w", err)
	}

	rows, err := r.db.GetExecutor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invites: %w", err)
	}
	defer rows.Close()

	var invites []*InviteCode
	for rows.Next() {
		inv := &InviteCode{}
		if err := rows.Scan(
			&inv.ID,
			&inv.Code,
			&inv.MaxUses,
			&inv.CurrentUses,
			&inv.ExpiresAt,
			&inv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// Delete removes an invite code by ID.
func (r *InviteRepository) Delete(ctx context.Context, id int64) error {
	sql, args, err := r.db.Builder.
		Delete(invitesTable).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build invite delete: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
