package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
)

// DefaultTaskName is used when a batch is submitted without a name.
const DefaultTaskName = "Batch Download"

// TaskService coordinates batch task level operations backed by repositories.
type TaskService interface {
	CreateTask(ctx context.Context, name string, urls []string) (*domain.BatchTask, error)
	GetTask(ctx context.Context, id string, includeItems bool) (*domain.BatchTask, error)
	ListTasks(ctx context.Context, filter repository.TaskFilter) ([]domain.BatchTask, int, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.BatchTask, error)
	DeleteTask(ctx context.Context, id string) (int64, error)
	CleanupBefore(ctx context.Context, cutoff time.Time, statuses ...domain.TaskStatus) (domain.CleanupResult, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	ApplyDelta(ctx context.Context, id string, delta domain.Delta) (*domain.BatchTask, error)
	CountTasks(ctx context.Context) (int, error)
	TotalSize(ctx context.Context) (int64, error)

	ListItems(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error)
	ListPendingItems(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error)
	ListItemsByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.BatchTaskItem, error)
	MarkItemDownloading(ctx context.Context, itemID int64) error
	SetItemJob(ctx context.Context, itemID, jobID int64) error
	CompleteItem(ctx context.Context, itemID int64, result domain.ItemResult) error
	FailItem(ctx context.Context, itemID int64, errMsg string) error
}

type taskService struct {
	tasks repository.TaskRepository
	items repository.TaskItemRepository
}

func NewTaskService(tasks repository.TaskRepository, items repository.TaskItemRepository) TaskService {
	return &taskService{
		tasks: tasks,
		items: items,
	}
}

func (s *taskService) CreateTask(ctx context.Context, name string, urls []string) (*domain.BatchTask, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return nil, domain.ErrEmptyURLs
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTaskName
	}

	task := &domain.BatchTask{
		ID:   domain.NewTaskID(),
		Name: name,
	}
	if err := s.tasks.CreateWithItems(ctx, task, cleaned); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id string, includeItems bool) (*domain.BatchTask, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !includeItems {
		return task, nil
	}
	items, err := s.items.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Items = items
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]domain.BatchTask, int, error) {
	return s.tasks.List(ctx, filter)
}

func (s *taskService) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.BatchTask, error) {
	// every stored task was created before now
	return s.tasks.ListCreatedBefore(ctx, time.Now().Add(time.Second), statuses...)
}

func (s *taskService) DeleteTask(ctx context.Context, id string) (int64, error) {
	return s.tasks.Delete(ctx, id)
}

// CleanupBefore deletes every task created before cutoff whose status is in
// statuses. The ids of the deleted tasks are returned so their files can be
// removed by the caller.
func (s *taskService) CleanupBefore(ctx context.Context, cutoff time.Time, statuses ...domain.TaskStatus) (domain.CleanupResult, error) {
	tasks, err := s.tasks.ListCreatedBefore(ctx, cutoff, statuses...)
	if err != nil {
		return domain.CleanupResult{}, fmt.Errorf("list tasks for cleanup: %w", err)
	}
	if len(tasks) == 0 {
		return domain.CleanupResult{}, nil
	}

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}

	deleted, freed, err := s.tasks.DeleteMany(ctx, ids)
	if err != nil {
		return domain.CleanupResult{}, fmt.Errorf("delete tasks: %w", err)
	}
	return domain.CleanupResult{
		DeletedCount: len(deleted),
		FreedBytes:   freed,
		TaskIDs:      deleted,
	}, nil
}

func (s *taskService) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown task status %q", status)
	}
	return s.tasks.UpdateStatus(ctx, id, status)
}

func (s *taskService) ApplyDelta(ctx context.Context, id string, delta domain.Delta) (*domain.BatchTask, error) {
	return s.tasks.ApplyDelta(ctx, id, delta)
}

func (s *taskService) CountTasks(ctx context.Context) (int, error) {
	return s.tasks.Count(ctx)
}

func (s *taskService) TotalSize(ctx context.Context) (int64, error) {
	return s.tasks.TotalSize(ctx)
}

func (s *taskService) ListItems(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error) {
	return s.items.ListByTask(ctx, taskID)
}

func (s *taskService) ListPendingItems(ctx context.Context, taskID string) ([]domain.BatchTaskItem, error) {
	return s.items.ListPending(ctx, taskID)
}

func (s *taskService) ListItemsByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.BatchTaskItem, error) {
	return s.items.ListByStatus(ctx, status)
}

func (s *taskService) MarkItemDownloading(ctx context.Context, itemID int64) error {
	return s.items.MarkDownloading(ctx, itemID)
}

func (s *taskService) SetItemJob(ctx context.Context, itemID, jobID int64) error {
	return s.items.SetDownloadJobID(ctx, itemID, jobID)
}

func (s *taskService) CompleteItem(ctx context.Context, itemID int64, result domain.ItemResult) error {
	return s.items.MarkCompleted(ctx, itemID, result)
}

func (s *taskService) FailItem(ctx context.Context, itemID int64, errMsg string) error {
	return s.items.MarkFailed(ctx, itemID, errMsg)
}
