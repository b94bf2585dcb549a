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

const createAPIUsersTable = `
CREATE TABLE IF NOT EXISTS api_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	last_login_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const selectAPIUser = `
SELECT id, username, password_hash, last_login_at, created_at, updated_at
FROM api_users`

type APIUserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) repository.UserRepository {
	return &APIUserRepository{db: db}
}

func (r *APIUserRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createAPIUsersTable); err != nil {
		return fmt.Errorf("create api_users table: %w", err)
	}
	return nil
}

func (r *APIUserRepository) Create(ctx context.Context, user *domain.User) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO api_users (username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.PasswordHash, now, now,
	)
	if isUniqueViolation(err) {
		return 0, domain.ErrUserExists
	}
	if err != nil {
		return 0, fmt.Errorf("insert api user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("api user id: %w", err)
	}
	user.ID = id
	user.LastLoginAt = nil
	user.CreatedAt = now.Local()
	user.UpdatedAt = now.Local()
	return id, nil
}

func (r *APIUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanAPIUser(r.db.QueryRowContext(ctx, selectAPIUser+` WHERE username = ?`, username))
}

func (r *APIUserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return scanAPIUser(r.db.QueryRowContext(ctx, selectAPIUser+` WHERE id = ?`, id))
}

// RecordLogin stamps the last successful login of the account.
func (r *APIUserRepository) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func scanAPIUser(scanner rowScanner) (*domain.User, error) {
	var (
		user      domain.User
		lastLogin sql.NullTime
	)
	err := scanner.Scan(&user.ID, &user.Username, &user.PasswordHash, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api user: %w", err)
	}
	if lastLogin.Valid {
		at := lastLogin.Time.Local()
		user.LastLoginAt = &at
	}
	user.CreatedAt = user.CreatedAt.Local()
	user.UpdatedAt = user.UpdatedAt.Local()
	return &user, nil
}
