package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"batch-downloader/internal/domain"
	"batch-downloader/internal/repository/sqlite"
)

type testEnv struct {
	tasks   TaskService
	storage StorageService
	users   UserService
	dataDir string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	db, err := sqlite.Open(filepath.Join(root, "batch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	taskRepo := sqlite.NewTaskRepository(db)
	itemRepo := sqlite.NewTaskItemRepository(db)
	configRepo := sqlite.NewStorageConfigRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	for _, initRepo := range []func(context.Context) error{taskRepo.Init, itemRepo.Init, configRepo.Init, userRepo.Init} {
		if err := initRepo(ctx); err != nil {
			t.Fatalf("init repository: %v", err)
		}
	}

	dataDir := filepath.Join(root, "downloads")
	storage := NewStorageService(StorageConfig{
		DataDir:  dataDir,
		Defaults: domain.StorageConfig{MaxBytes: maxBytes, AutoCleanupDays: 7},
		Logger:   quietLogger(),
	}, configRepo)
	if err := storage.Init(ctx); err != nil {
		t.Fatalf("init storage: %v", err)
	}

	return &testEnv{
		tasks:   NewTaskService(taskRepo, itemRepo),
		storage: storage,
		users:   NewUserService(userRepo, "let-me-in"),
		dataDir: dataDir,
	}
}
