package repository

import (
	"context"

	"batch-downloader/internal/domain"
)

// JobRepository is the download engine's job registry.
type JobRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job *domain.DownloadJob) (int64, error)
	Get(ctx context.Context, id int64) (*domain.DownloadJob, error)
	UpdateStatus(ctx context.Context, id int64, status domain.JobStatus, filename, errorMessage string) error
	ListByStatuses(ctx context.Context, statuses ...domain.JobStatus) ([]domain.DownloadJob, error)
}

// StorageConfigRepository persists the singleton storage configuration.
type StorageConfigRepository interface {
	Init(ctx context.Context) error
	Load(ctx context.Context, defaults domain.StorageConfig) (domain.StorageConfig, error)
	Save(ctx context.Context, cfg domain.StorageConfig) (domain.StorageConfig, error)
}
