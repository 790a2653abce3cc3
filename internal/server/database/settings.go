package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

const (
	configTable = "system_config"

	keyColumn         = "key"
	valueColumn       = "value"
	descriptionColumn = "description"
)

// ConfigRepository is the key/value store behind the runtime upload policy.
type ConfigRepository struct {
	db *DB
}

// NewConfigRepository creates a new ConfigRepository.
func NewConfigRepository(db *DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// Get returns the value of key. ok is false when the key is not set.
func (r *ConfigRepository) Get(ctx context.Context, key string) (string, bool, error) {
	sql, args, err := r.db.Builder.
		Select(valueColumn).
		From(configTable).
		Where(squirrel.Eq{keyColumn: key}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("failed to build config select: %w", err)
	}

	var value string
	err = r.db.GetExecutor(ctx).QueryRow(ctx, sql, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, true, nil
}

// All returns every configured key and value.
func (r *ConfigRepository) All(ctx context.Context) (map[string]string, error) {
	sql, args, err := r.db.Builder.
		Select(keyColumn, valueColumn).
		From(configTable).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build config select: %w", err)
	}

	rows, err := r.db.GetExecutor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}

// Set inserts or replaces the value of key.
func (r *ConfigRepository) Set(ctx context.Context, key, value string) error {
	sql, args, err := r.db.Builder.
		Insert(configTable).
		Columns(keyColumn, valueColumn).
		Values(key, value).
		Suffix("ON CONFLICT (" + keyColumn + ") DO UPDATE SET " + valueColumn + " = EXCLUDED." + valueColumn).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build config upsert: %w", err)
	}

	if _, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent inserts key only when it is not set. It reports whether a row
// was written.
func (r *ConfigRepository) SetIfAbsent(ctx context.Context, key, value, description string) (bool, error) {
	sql, args, err := r.db.Builder.
		Insert(configTable).
		Columns(keyColumn, valueColumn, descriptionColumn).
		Values(key, value, description).
		Suffix("ON CONFLICT (" + keyColumn + ") DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build config insert: %w", err)
	}

	tag, err := r.db.GetExecutor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to seed config %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
