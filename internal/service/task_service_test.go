package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository"
	"batch-downloader/internal/repository/sqlite"
)

func TestCreateTaskTrimsInput(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	ctx := context.Background()

	task, err := env.tasks.CreateTask(ctx, "  ", []string{" https://a.example/1.m3u8 ", "", "\t", "magnet:?xt=urn:btih:abc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Name != DefaultTaskName {
		t.Fatalf("name = %q, want default", task.Name)
	}
	if !strings.HasPrefix(task.ID, "t_") {
		t.Fatalf("unexpected task id %q", task.ID)
	}
	if task.Total != 2 || task.Items[0].URL != "https://a.example/1.m3u8" {
		t.Fatalf("urls not cleaned: %+v", task.Items)
	}

	got, err := env.tasks.GetTask(ctx, task.ID, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Items) != 2 || got.Progress() != 0 {
		t.Fatalf("unexpected stored task: %+v", got)
	}
}

func TestCreateTaskRejectsEmpty(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	for _, urls := range [][]string{nil, {}, {" ", "\n"}} {
		if _, err := env.tasks.CreateTask(context.Background(), "x", urls); !errors.Is(err, domain.ErrEmptyURLs) {
			t.Fatalf("urls %q: expected ErrEmptyURLs, got %v", urls, err)
		}
	}
	if n, _ := env.tasks.CountTasks(context.Background()); n != 0 {
		t.Fatalf("rejected submissions created %d tasks", n)
	}
}

func TestUpdateStatusValidates(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	ctx := context.Background()
	task, err := env.tasks.CreateTask(ctx, "x", []string{"https://a.example/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatus("paused")); err == nil {
		t.Fatal("unknown status should be rejected")
	}
	if err := env.tasks.UpdateStatus(ctx, "t_missing", domain.TaskStatusRunning); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListByStatuses(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	ctx := context.Background()

	a, _ := env.tasks.CreateTask(ctx, "a", []string{"https://a.example/1"})
	b, _ := env.tasks.CreateTask(ctx, "b", []string{"https://a.example/2"})
	if err := env.tasks.UpdateStatus(ctx, b.ID, domain.TaskStatusRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := env.tasks.ListByStatuses(ctx, domain.TaskStatusRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected only %s, got %+v", b.ID, got)
	}

	got, err = env.tasks.ListByStatuses(ctx, domain.TaskStatusPending, domain.TaskStatusRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected %s and %s, got %+v", a.ID, b.ID, got)
	}
}

func TestCleanupBeforeReturnsIDs(t *testing.T) {
	env := newTestEnv(t, 1<<30)
	ctx := context.Background()

	done, _ := env.tasks.CreateTask(ctx, "done", []string{"https://a.example/1"})
	open, _ := env.tasks.CreateTask(ctx, "open", []string{"https://a.example/2"})
	if _, err := env.tasks.ApplyDelta(ctx, done.ID, domain.CompletedDelta(50)); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	res, err := env.tasks.CleanupBefore(ctx, time.Now().Add(time.Minute), domain.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.DeletedCount != 1 || res.FreedBytes != 50 || len(res.TaskIDs) != 1 || res.TaskIDs[0] != done.ID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := env.tasks.GetTask(ctx, open.ID, false); err != nil {
		t.Fatalf("unfinished task should survive: %v", err)
	}
}

// racingTaskRepo deletes the first listed task behind the caller's back, as a
// concurrent DELETE /api/tasks/:id would.
type racingTaskRepo struct {
	repository.TaskRepository
}

func (r racingTaskRepo) ListCreatedBefore(ctx context.Context, cutoff time.Time, statuses ...domain.TaskStatus) ([]domain.BatchTask, error) {
	tasks, err := r.TaskRepository.ListCreatedBefore(ctx, cutoff, statuses...)
	if err == nil && len(tasks) > 0 {
		_, err = r.TaskRepository.Delete(ctx, tasks[0].ID)
	}
	return tasks, err
}

func TestCleanupBeforeCountsOnlyDeletedTasks(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	taskRepo := sqlite.NewTaskRepository(db)
	itemRepo := sqlite.NewTaskItemRepository(db)
	if err := taskRepo.Init(ctx); err != nil {
		t.Fatalf("init tasks: %v", err)
	}
	if err := itemRepo.Init(ctx); err != nil {
		t.Fatalf("init items: %v", err)
	}
	tasks := NewTaskService(racingTaskRepo{taskRepo}, itemRepo)

	var ids []string
	for _, url := range []string{"https://a.example/1", "https://a.example/2"} {
		task, err := tasks.CreateTask(ctx, "done", []string{url})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := tasks.ApplyDelta(ctx, task.ID, domain.CompletedDelta(10)); err != nil {
			t.Fatalf("apply delta: %v", err)
		}
		ids = append(ids, task.ID)
	}

	res, err := tasks.CleanupBefore(ctx, time.Now().Add(time.Minute), domain.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.DeletedCount != 1 || len(res.TaskIDs) != 1 || res.FreedBytes != 10 {
		t.Fatalf("cleanup should report only the task it removed: %+v", res)
	}
	// listing is oldest first, so the racing delete took the first task
	if res.TaskIDs[0] != ids[1] {
		t.Fatalf("task ids = %v, want [%s]", res.TaskIDs, ids[1])
	}
}
