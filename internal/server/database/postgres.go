package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id            BIGSERIAL    PRIMARY KEY,
				username      VARCHAR(64)  NOT NULL UNIQUE,
				password_hash VARCHAR(256) NOT NULL,
				role          VARCHAR(20)  NOT NULL DEFAULT 'user',
				is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
				quota_bytes   BIGINT,
				created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_images",
		SQL: `
			CREATE TABLE IF NOT EXISTS images (
				id            BIGSERIAL    PRIMARY KEY,
				filename      VARCHAR(128) NOT NULL UNIQUE,
				original_name VARCHAR(256) NOT NULL,
				user_id       BIGINT       REFERENCES users(id) ON DELETE SET NULL,
				size          BIGINT       NOT NULL,
				width         INTEGER      NOT NULL,
				height        INTEGER      NOT NULL,
				mime_type     VARCHAR(64)  NOT NULL,
				upload_time   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_images_user_id ON images(user_id);

			CREATE TABLE IF NOT EXISTS image_stats (
				id           BIGSERIAL    PRIMARY KEY,
				image_id     BIGINT       NOT NULL UNIQUE REFERENCES images(id) ON DELETE CASCADE,
				view_count   INTEGER      NOT NULL DEFAULT 0,
				first_view   TIMESTAMPTZ,
				last_view    TIMESTAMPTZ,
				last_referer VARCHAR(256)
			);
		`,
	},
	{
		Version: "000003_create_system_config",
		SQL: `
			CREATE TABLE IF NOT EXISTS system_config (
				key         VARCHAR(64)  PRIMARY KEY,
				value       VARCHAR(256) NOT NULL,
				description VARCHAR(256)
			);
		`,
	},
	{
		Version: "000004_create_invite_codes",
		SQL: `
			CREATE TABLE IF NOT EXISTS invite_codes (
				id           BIGSERIAL   PRIMARY KEY,
				code         VARCHAR(20) NOT NULL UNIQUE,
				max_uses     INTEGER     NOT NULL DEFAULT 1,
				current_uses INTEGER     NOT NULL DEFAULT 0,
				expires_at   TIMESTAMPTZ,
				used_by_id   BIGINT      REFERENCES users(id) ON DELETE SET NULL,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
}

type txKey struct{}

// Executor is satisfied by both the pool and an open transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DB wraps a pgxpool connection pool and provides health checks, migrations
// and transaction scoping.
type DB struct {
	Pool    *pgxpool.Pool
	Builder squirrel.StatementBuilderType
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{
		Pool:    pool,
		Builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// GetExecutor returns the transaction stored in ctx, or the pool.
func (db *DB) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.Pool
}

// WithinTransaction runs f with a transaction bound to its context. The
// transaction commits when f returns nil and rolls back otherwise.
func (db *DB) WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := f(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		err = db.WithinTransaction(ctx, func(ctx context.Context) error {
			ex := db.GetExecutor(ctx)
			if _, err := ex.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
			}
			if _, err := ex.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
