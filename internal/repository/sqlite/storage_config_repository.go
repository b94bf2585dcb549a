package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
)

const createStorageConfigTable = `
CREATE TABLE IF NOT EXISTS storage_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_bytes INTEGER NOT NULL,
	auto_cleanup INTEGER NOT NULL DEFAULT 0,
	auto_cleanup_days INTEGER NOT NULL DEFAULT 7,
	updated_at DATETIME NOT NULL
);
`

type StorageConfigRepository struct {
	db *sql.DB
}

func NewStorageConfigRepository(db *sql.DB) repository.StorageConfigRepository {
	return &StorageConfigRepository{db: db}
}

func (r *StorageConfigRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createStorageConfigTable); err != nil {
		return fmt.Errorf("create storage_config table: %w", err)
	}
	return nil
}

// Load returns the singleton row, inserting defaults on first use.
func (r *StorageConfigRepository) Load(ctx context.Context, defaults domain.StorageConfig) (domain.StorageConfig, error) {
	cfg, err := r.get(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StorageConfig{}, err
	}

	defaults.UpdatedAt = time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO storage_config (id, max_bytes, auto_cleanup, auto_cleanup_days, updated_at)
VALUES (1, ?, ?, ?, ?)`,
		defaults.MaxBytes,
		defaults.AutoCleanup,
		defaults.AutoCleanupDays,
		defaults.UpdatedAt,
	); err != nil {
		return domain.StorageConfig{}, fmt.Errorf("insert default storage config: %w", err)
	}
	return r.get(ctx)
}

func (r *StorageConfigRepository) Save(ctx context.Context, cfg domain.StorageConfig) (domain.StorageConfig, error) {
	cfg.UpdatedAt = time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO storage_config (id, max_bytes, auto_cleanup, auto_cleanup_days, updated_at)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	max_bytes=excluded.max_bytes,
	auto_cleanup=excluded.auto_cleanup,
	auto_cleanup_days=excluded.auto_cleanup_days,
	updated_at=excluded.updated_at`,
		cfg.MaxBytes,
		cfg.AutoCleanup,
		cfg.AutoCleanupDays,
		cfg.UpdatedAt,
	); err != nil {
		return domain.StorageConfig{}, fmt.Errorf("save storage config: %w", err)
	}
	return r.get(ctx)
}

func (r *StorageConfigRepository) get(ctx context.Context) (domain.StorageConfig, error) {
	var (
		cfg       domain.StorageConfig
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
SELECT max_bytes, auto_cleanup, auto_cleanup_days, updated_at
FROM storage_config
WHERE id=1`).Scan(&cfg.MaxBytes, &cfg.AutoCleanup, &cfg.AutoCleanupDays, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StorageConfig{}, err
	}
	if err != nil {
		return domain.StorageConfig{}, fmt.Errorf("read storage config: %w", err)
	}
	cfg.UpdatedAt = updatedAt.Local()
	return cfg, nil
}
