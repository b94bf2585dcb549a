package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
)

const (
	createBatchTasksTable = `
CREATE TABLE IF NOT EXISTS batch_tasks (
	task_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	total INTEGER NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	CHECK (completed + failed <= total)
);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_status ON batch_tasks(status);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_created_at ON batch_tasks(created_at);
`

	selectTaskColumns = `task_id, name, status, total, completed, failed, size_bytes, created_at, updated_at`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createBatchTasksTable); err != nil {
		return fmt.Errorf("create batch_tasks table: %w", err)
	}
	// items reference tasks, so both tables are created together
	if _, err := r.db.ExecContext(ctx, createTaskItemsTable); err != nil {
		return fmt.Errorf("create batch_task_items table: %w", err)
	}
	return nil
}

// CreateWithItems inserts the task and one pending item per url in a single
// transaction.
func (r *TaskRepository) CreateWithItems(ctx context.Context, task *domain.BatchTask, urls []string) error {
	now := time.Now().UTC()
	task.Status = domain.TaskStatusPending
	task.Total = len(urls)
	task.Completed = 0
	task.Failed = 0
	task.SizeBytes = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `
INSERT INTO batch_tasks (task_id, name, status, total, completed, failed, size_bytes, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		task.ID,
		task.Name,
		string(task.Status),
		task.Total,
		now,
		now,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	items := make([]domain.BatchTaskItem, 0, len(urls))
	for _, u := range urls {
		res, err := tx.ExecContext(ctx, `
INSERT INTO batch_task_items (task_id, url, status, progress, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?)`,
			task.ID,
			u,
			string(domain.ItemStatusPending),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert task item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("item last insert id: %w", err)
		}
		items = append(items, domain.BatchTaskItem{
			ID:        id,
			TaskID:    task.ID,
			URL:       u,
			Status:    domain.ItemStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task create: %w", err)
	}
	task.Items = items
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.BatchTask, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+selectTaskColumns+`
FROM batch_tasks
WHERE task_id=?`,
		id,
	)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context, filter repository.TaskFilter) ([]domain.BatchTask, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = "WHERE status=?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+selectTaskColumns+`
FROM batch_tasks
`+where+`
ORDER BY created_at DESC, rowid DESC
LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *TaskRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...domain.TaskStatus) ([]domain.BatchTask, error) {
	query := `
SELECT ` + selectTaskColumns + `
FROM batch_tasks`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(`
WHERE status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += `
ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by age: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}

	// filtered here rather than in SQL: DATETIME values are stored as text
	matched := tasks[:0]
	for _, task := range tasks {
		if task.CreatedAt.Before(cutoff) {
			matched = append(matched, task)
		}
	}
	return matched, nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_tasks
SET status=?, updated_at=?
WHERE task_id=?`,
		string(status),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireAffected(res, domain.ErrTaskNotFound)
}

// ApplyDelta folds delta into the task inside one transaction and returns the
// updated aggregate.
func (r *TaskRepository) ApplyDelta(ctx context.Context, id string, delta domain.Delta) (*domain.BatchTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `
SELECT `+selectTaskColumns+`
FROM batch_tasks
WHERE task_id=?`, id))
	if err != nil {
		return nil, err
	}

	if err := task.Fold(delta); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
UPDATE batch_tasks
SET completed=?, failed=?, size_bytes=?, status=?, updated_at=?
WHERE task_id=?`,
		task.Completed,
		task.Failed,
		task.SizeBytes,
		string(task.Status),
		task.UpdatedAt,
		id,
	); err != nil {
		return nil, fmt.Errorf("apply task delta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task delta: %w", err)
	}
	return task, nil
}

// Delete removes the task and its items and returns the bytes attributed to it.
func (r *TaskRepository) Delete(ctx context.Context, id string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var size int64
	if err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM batch_tasks WHERE task_id=?`, id).Scan(&size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrTaskNotFound
		}
		return 0, fmt.Errorf("read task size: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_task_items WHERE task_id=?`, id); err != nil {
		return 0, fmt.Errorf("delete task items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_tasks WHERE task_id=?`, id); err != nil {
		return 0, fmt.Errorf("delete task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit task delete: %w", err)
	}
	return size, nil
}

// DeleteMany removes every listed task in one transaction. Unknown ids are
// skipped; the returned ids and bytes cover the tasks actually deleted.
func (r *TaskRepository) DeleteMany(ctx context.Context, ids []string) ([]string, int64, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		deleted []string
		freed   int64
	)
	for _, id := range ids {
		var size int64
		err := tx.QueryRowContext(ctx, `SELECT size_bytes FROM batch_tasks WHERE task_id=?`, id).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read task size: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batch_task_items WHERE task_id=?`, id); err != nil {
			return nil, 0, fmt.Errorf("delete task items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batch_tasks WHERE task_id=?`, id); err != nil {
			return nil, 0, fmt.Errorf("delete task: %w", err)
		}
		deleted = append(deleted, id)
		freed += size
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit task delete: %w", err)
	}
	return deleted, freed, nil
}

func (r *TaskRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r *TaskRepository) TotalSize(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM batch_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum task sizes: %w", err)
	}
	return n, nil
}

func collectTasks(rows *sql.Rows) ([]domain.BatchTask, error) {
	var tasks []domain.BatchTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scanner rowScanner) (*domain.BatchTask, error) {
	var (
		task      domain.BatchTask
		status    string
		createdAt time.Time
		updatedAt time.Time
	)

	if err := scanner.Scan(
		&task.ID,
		&task.Name,
		&status,
		&task.Total,
		&task.Completed,
		&task.Failed,
		&task.SizeBytes,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	return &task, nil
}

func requireAffected(res sql.Result, notFound error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return notFound
	}
	return nil
}
