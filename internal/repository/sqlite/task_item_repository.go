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

const (
	createTaskItemsTable = `
CREATE TABLE IF NOT EXISTS batch_task_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	filename TEXT,
	size_bytes INTEGER,
	error TEXT,
	download_job_id INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(task_id) REFERENCES batch_tasks(task_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_batch_task_items_task_id ON batch_task_items(task_id);
CREATE INDEX IF NOT EXISTS idx_batch_task_items_status ON batch_task_items(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_task_items_job_id ON batch_task_items(download_job_id);
`

	selectItemColumns = `id, task_id, url, title, status, progress, filename, size_bytes, error, download_job_id, created_at, updated_at`
)

type TaskItemRepository struct {
	db *sql.DB
}

func NewTaskItemRepository(db *sql.DB) repository.TaskItemRepository {
	return &TaskItemRepository{db: db}
}

func (r *TaskItemRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskItemsTable); err != nil {
		return fmt.Errorf("create batch_task_items table: %w", err)
	}
	return nil
}

func (r *TaskItemRepository) Get(ctx context.Context, id int64) (*domain.BatchTaskItem, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+selectItemColumns+`
FROM batch_task_items
WHERE id=?`, id)
	return scanItem(row)
}

func (r *TaskItemRepository) ListByTask(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error) {
	return r.query(ctx, `
SELECT `+selectItemColumns+`
FROM batch_task_items
WHERE task_id=?
ORDER BY id ASC`, taskID)
}

// ListPending returns the task's pending items in submission order.
func (r *TaskItemRepository) ListPending(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error) {
	return r.query(ctx, `
SELECT `+selectItemColumns+`
FROM batch_task_items
WHERE task_id=? AND status=?
ORDER BY id ASC`, taskID, string(domain.ItemStatusPending))
}

func (r *TaskItemRepository) ListByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.BatchTaskItem, error) {
	return r.query(ctx, `
SELECT `+selectItemColumns+`
FROM batch_task_items
WHERE status=?
ORDER BY id ASC`, string(status))
}

func (r *TaskItemRepository) MarkDownloading(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_task_items
SET status=?, progress=0, updated_at=?
WHERE id=? AND status=?`,
		string(domain.ItemStatusDownloading),
		time.Now().UTC(),
		id,
		string(domain.ItemStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark item downloading: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

// SetDownloadJobID records the engine job for the item. The column is written
// once; a second call fails with domain.ErrInvalidTransition.
func (r *TaskItemRepository) SetDownloadJobID(ctx context.Context, id int64, jobID int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_task_items
SET download_job_id=?, updated_at=?
WHERE id=? AND download_job_id IS NULL`,
		jobID,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("set item job id: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

func (r *TaskItemRepository) MarkCompleted(ctx context.Context, id int64, result domain.ItemResult) error {
	var title *string
	if result.Title != "" {
		title = &result.Title
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE batch_task_items
SET status=?, progress=100, filename=?, size_bytes=?, title=COALESCE(?, title), error=NULL, updated_at=?
WHERE id=? AND status=?`,
		string(domain.ItemStatusCompleted),
		result.Filename,
		result.SizeBytes,
		nullString(title),
		time.Now().UTC(),
		id,
		string(domain.ItemStatusDownloading),
	)
	if err != nil {
		return fmt.Errorf("mark item completed: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

func (r *TaskItemRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_task_items
SET status=?, progress=0, size_bytes=0, error=?, updated_at=?
WHERE id=? AND status IN (?, ?)`,
		string(domain.ItemStatusFailed),
		errorMessage,
		time.Now().UTC(),
		id,
		string(domain.ItemStatusPending),
		string(domain.ItemStatusDownloading),
	)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

// transitioned distinguishes a missing row from a row in the wrong state when
// a conditional update changed nothing.
func (r *TaskItemRepository) transitioned(ctx context.Context, res sql.Result, id int64) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM batch_task_items WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("check item: %w", err)
	}
	return domain.ErrInvalidTransition
}

func (r *TaskItemRepository) query(ctx context.Context, query string, args ...any) ([]domain.BatchTaskItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task items: %w", err)
	}
	defer rows.Close()

	var items []domain.BatchTaskItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task items: %w", err)
	}
	return items, nil
}

func scanItem(scanner rowScanner) (*domain.BatchTaskItem, error) {
	var (
		item      domain.BatchTaskItem
		status    string
		title     sql.NullString
		filename  sql.NullString
		size      sql.NullInt64
		errMsg    sql.NullString
		jobID     sql.NullInt64
		createdAt time.Time
		updatedAt time.Time
	)

	if err := scanner.Scan(
		&item.ID,
		&item.TaskID,
		&item.URL,
		&title,
		&status,
		&item.Progress,
		&filename,
		&size,
		&errMsg,
		&jobID,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("scan task item: %w", err)
	}

	item.Status = domain.ItemStatus(status)
	item.Title = stringPtr(title)
	item.Filename = stringPtr(filename)
	item.SizeBytes = int64Ptr(size)
	item.Error = stringPtr(errMsg)
	item.DownloadJobID = int64Ptr(jobID)
	item.CreatedAt = createdAt.Local()
	item.UpdatedAt = updatedAt.Local()
	return &item, nil
}
