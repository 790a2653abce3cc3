package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

const (
	usersTable = "users"

	usernameColumn     = "username"
	passwordHashColumn = "password_hash"
	roleColumn         = "role"
	isActiveColumn     = "is_active"
	quotaBytesColumn   = "quota_bytes"
	createdAtColumn    = "created_at"
)

// UserRepository persists accounts.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user and fills in its ID and creation time. A taken
// username returns ErrConflict.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	sql, args, err := r.db.Builder.
		Insert(usersTable).
		Columns(usernameColumn, passwordHashColumn, roleColumn, isActiveColumn, quotaBytesColumn).
		Values(u.Username, u.PasswordHash, u.Role, u.IsActive, u.QuotaBytes).
		Suffix("RETURNING " + idColumn + ", " + createdAtColumn).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build user insert: %w", err)
	}

	if err := r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...).Scan(&u.ID, &u.CreatedAt); err != nil {
		return fmt.Errorf("failed to create user: %w", mapPgError(err))
	}
	return nil
}

func (r *UserRepository) selectUsers() squirrel.SelectBuilder {
	return r.db.Builder.
		Select(
			idColumn,
			usernameColumn,
			passwordHashColumn,
			roleColumn,
			isActiveColumn,
			quotaBytesColumn,
			createdAtColumn,
		).
		From(usersTable)
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.Role,
		&u.IsActive,
		&u.QuotaBytes,
		&u.CreatedAt,
	)
	return u, err
}

func (r *UserRepository) getOne(ctx context.Context, where squirrel.Sqlizer) (*User, error) {
	sql, args, err := r.selectUsers().Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build user select: %w", err)
	}

	u, err := scanUser(r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// List returns every user, newest first.
func (r *UserRepository) List(ctx context.Context) ([]*User, error) {
	sql, args, err := r.selectUsers().
		OrderBy(createdAtColumn+" DESC", idColumn+" DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build user list: %w", err)
	}

	rows, err := r.db.GetExecutor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.getOne(ctx, squirrel.Eq{idColumn: id})
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getOne(ctx, squirrel.Eq{usernameColumn: username})
}

// Count returns the number of registered users. Inside a transaction the
// users table is locked first so concurrent registrations serialize on it.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	ex := r.db.GetExecutor(ctx)
	if _, ok := ex.(pgx.Tx); ok {
		if _, err := ex.Exec(ctx, "LOCK TABLE "+usersTable+" IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return 0, fmt.Errorf("failed to lock users: %w", err)
		}
	}

	sql, args, err := r.db.Builder.Select("COUNT(*)").From(usersTable).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build user count: %w", err)
	}

	var n int64
	if err := ex.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// SetQuota sets a user's quota override. nil resets it to the global default.
func (r *UserRepository) SetQuota(ctx context.Context, id int64, quotaBytes *int64) error {
	sql, args, err := r.db.Builder.
		Update(usersTable).
		Set(quotaBytesColumn, quotaBytes).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build quota update: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPassword replaces a user's password hash.
func (r *UserRepository) SetPassword(ctx context.Context, id int64, passwordHash string) error {
	sql, args, err := r.db.Builder.
		Update(usersTable).
		Set(passwordHashColumn, passwordHash).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build password update: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets a user's role and active flag.
func (r *UserRepository) UpdateStatus(ctx context.Context, id int64, role string, active bool) error {
	sql, args, err := r.db.Builder.
		Update(usersTable).
		Set(roleColumn, role).
		Set(isActiveColumn, active).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build status update: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user. Invites they redeemed keep a NULL user reference.
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	sql, args, err := r.db.Builder.
		Delete(usersTable).
		Where(squirrel.Eq{idColumn: id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build user delete: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
