package repository

import (
	"context"
	"time"

	"batch-downloader/internal/domain"
)

// TaskFilter narrows a task listing. An empty Status matches every task.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
	Offset int
}

// TaskRepository exposes persistence operations for BatchTask aggregates.
type TaskRepository interface {
	Init(ctx context.Context) error
	CreateWithItems(ctx context.Context, task *domain.BatchTask, urls []string) error
	Get(ctx context.Context, id string) (*domain.BatchTask, error)
	List(ctx context.Context, filter TaskFilter) ([]domain.BatchTask, int, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...domain.TaskStatus) ([]domain.BatchTask, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	ApplyDelta(ctx context.Context, id string, delta domain.Delta) (*domain.BatchTask, error)
	Delete(ctx context.Context, id string) (int64, error)
	DeleteMany(ctx context.Context, ids []string) ([]string, int64, error)
	Count(ctx context.Context) (int, error)
	TotalSize(ctx context.Context) (int64, error)
}

// TaskItemRepository manages the items of batch tasks. Status changes are
// conditional on the current status and fail with domain.ErrInvalidTransition
// when the row is not in an allowed source state.
type TaskItemRepository interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, id int64) (*domain.BatchTaskItem, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error)
	ListPending(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error)
	ListByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.BatchTaskItem, error)
	MarkDownloading(ctx context.Context, id int64) error
	SetDownloadJobID(ctx context.Context, id int64, jobID int64) error
	MarkCompleted(ctx context.Context, id int64, result domain.ItemResult) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
}
