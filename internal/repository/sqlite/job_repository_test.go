package sqlite

import (
	"context"
	"errors"
	"testing"

	"batch-downloader/internal/domain"
)

func TestJobLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	id, err := repo.Create(ctx, &domain.DownloadJob{
		Name:   "clip",
		URL:    "https://www.bilibili.com/video/BV1",
		Type:   domain.SiteJob{Extractor: "bilibili"},
		Folder: "t_1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusWaiting || job.Folder != "t_1" {
		t.Fatalf("unexpected new job: %+v", job)
	}
	if job.Type != (domain.SiteJob{Extractor: "bilibili"}) {
		t.Fatalf("job type not restored: %v", job.Type)
	}

	if err := repo.UpdateStatus(ctx, id, domain.JobStatusSuccess, "clip.mp4", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	// an empty filename keeps the recorded one
	if err := repo.UpdateStatus(ctx, id, domain.JobStatusSuccess, "", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	job, err = repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Filename != "clip.mp4" || !job.Status.IsFinished() {
		t.Fatalf("unexpected finished job: %+v", job)
	}

	if err := repo.UpdateStatus(ctx, 999, domain.JobStatusFailed, "", "x"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, 999); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobListByStatuses(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	statuses := []domain.JobStatus{domain.JobStatusWaiting, domain.JobStatusDownloading, domain.JobStatusSuccess}
	for _, status := range statuses {
		if _, err := repo.Create(ctx, &domain.DownloadJob{
			Name:   string(status),
			URL:    "magnet:?xt=urn:btih:abc",
			Type:   domain.MagnetJob{},
			Status: status,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	jobs, err := repo.ListByStatuses(ctx, domain.JobStatusWaiting, domain.JobStatusDownloading)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != "waiting" || jobs[1].Name != "downloading" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestStorageConfigLoadAndSave(t *testing.T) {
	db := openTestDB(t)
	repo := NewStorageConfigRepository(db)
	ctx := context.Background()
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	defaults := domain.StorageConfig{MaxBytes: 10 << 30, AutoCleanupDays: 7}
	cfg, err := repo.Load(ctx, defaults)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxBytes != defaults.MaxBytes || cfg.AutoCleanup || cfg.AutoCleanupDays != 7 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg.AutoCleanup = true
	cfg.AutoCleanupDays = 3
	if _, err := repo.Save(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	// stored values win over new defaults
	cfg, err = repo.Load(ctx, domain.StorageConfig{MaxBytes: 1, AutoCleanupDays: 30})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !cfg.AutoCleanup || cfg.AutoCleanupDays != 3 || cfg.MaxBytes != 10<<30 {
		t.Fatalf("saved config not returned: %+v", cfg)
	}
}
